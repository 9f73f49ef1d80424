package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mitchellh/cli"

	"github.com/example/dbmigrate/internal/config"
	"github.com/example/dbmigrate/internal/logging"
	"github.com/example/dbmigrate/internal/migration"
	"github.com/example/dbmigrate/internal/persistence"
	"github.com/example/dbmigrate/internal/persistence/dialect"
)

func commands(ctx context.Context, ui cli.Ui, logOut io.Writer) map[string]cli.CommandFactory {
	base := baseCommand{ctx: ctx, ui: ui, logOut: logOut}
	return map[string]cli.CommandFactory{
		"up": func() (cli.Command, error) {
			return &upCommand{baseCommand: base}, nil
		},
		"status": func() (cli.Command, error) {
			return &statusCommand{baseCommand: base}, nil
		},
		"reset": func() (cli.Command, error) {
			return &resetCommand{baseCommand: base}, nil
		},
		"redo": func() (cli.Command, error) {
			return &redoCommand{baseCommand: base}, nil
		},
	}
}

type baseCommand struct {
	ctx    context.Context
	ui     cli.Ui
	logOut io.Writer

	dir   string
	force bool
}

// flagSet returns a flag set carrying the overrides shared by every command.
func (b *baseCommand) flagSet(name string, withForce bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&b.dir, "dir", "", "Directory holding migration files. Overrides MIGRATIONS_DIR.")
	if withForce {
		fs.BoolVar(&b.force, "force", false, "Continue past failed migrations. Overrides MIGRATE_FORCE.")
	}
	return fs
}

func (b *baseCommand) parse(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		b.ui.Error(fmt.Sprintf("Error parsing flags: %v", err))
		return false
	}
	return true
}

// session is an opened engine for one command invocation.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	pool   *persistence.Pool
	runner *migration.Runner
}

func (s *session) close() {
	for _, l := range s.pool.Held() {
		s.logger.Warn("connection still held at exit", "lease", l.ID, "held", l.Held.String())
	}
	if err := s.pool.Close(); err != nil {
		s.logger.Error("failed to close database", "error", err)
	}
}

// open loads configuration and connects to the database. On failure it reports
// the problem and returns the exit code to use.
func (b *baseCommand) open() (*session, int) {
	cfg, err := config.Load()
	if err != nil {
		b.ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return nil, exitUsage
	}
	if b.dir != "" {
		cfg.MigrationsDir = b.dir
	}
	if b.force {
		cfg.Force = true
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, b.logOut)
	if err != nil {
		b.ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return nil, exitUsage
	}
	logger = logger.With("driver", cfg.Driver)

	d, err := dialect.New(cfg.Driver, cfg.DialectOptions())
	if err != nil {
		b.ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return nil, exitUsage
	}
	dsn, err := d.DSN(cfg.ConnParams())
	if err != nil {
		b.ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return nil, exitUsage
	}

	pool, err := persistence.Open(b.ctx, d.DriverName(), dsn, cfg.PoolConfig(), logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		b.ui.Error(fmt.Sprintf("Failed to connect to database: %v", err))
		return nil, exitFailure
	}

	pc := pool.Config()
	logger.Debug("connected to database",
		"max_open_conns", pc.MaxOpenConns, "max_idle_conns", pc.MaxIdleConns, "leak_threshold", pc.LeakThreshold.String())

	store, err := migration.NewSQLStateStore(pool.DB(), d, cfg.MigrationsTable)
	if err != nil {
		_ = pool.Close()
		b.ui.Error(fmt.Sprintf("Invalid configuration: %v", err))
		return nil, exitUsage
	}

	executor := migration.NewTxExecutor(pool, d, store, logger)
	runner := migration.NewRunner(migration.NewFileScanner(), store, executor,
		migration.RunnerOptions{Dir: cfg.MigrationsDir, Force: cfg.Force}, logger)

	return &session{cfg: cfg, logger: logger, pool: pool, runner: runner}, exitOK
}

type upCommand struct {
	baseCommand
}

func (c *upCommand) Synopsis() string {
	return "Apply pending migrations"
}

func (c *upCommand) Help() string {
	return strings.TrimSpace(`
Usage: dbmigrate up [options]

  Applies every migration file that has not been recorded yet, in version
  order. This is the default command.

  By default the first failed migration halts the run. With -force the
  remaining migrations are still attempted and every failure is reported
  at the end.

Options:

  -dir=<path>   Directory holding migration files.
  -force        Continue past failed migrations.
`)
}

func (c *upCommand) Run(args []string) int {
	fs := c.flagSet("up", true)
	if !c.parse(fs, args) {
		return exitUsage
	}

	s, code := c.open()
	if s == nil {
		return code
	}
	defer s.close()

	summary, err := s.runner.Run(c.ctx)
	c.ui.Output(fmt.Sprintf("Applied %d of %d pending migrations (ignored %d, skipped %d, retried %d) in %s",
		summary.Applied, summary.Pending, summary.Ignored, summary.Skipped, summary.Retried,
		summary.Duration.Round(time.Millisecond)))
	if err != nil {
		c.ui.Error(fmt.Sprintf("Migration run failed: %v", err))
		if summary.NotAttempted > 0 {
			c.ui.Warn(fmt.Sprintf("%d migrations were not attempted", summary.NotAttempted))
		}
		return exitFailure
	}
	return exitOK
}

type statusCommand struct {
	baseCommand
}

func (c *statusCommand) Synopsis() string {
	return "Show applied and pending migrations"
}

func (c *statusCommand) Help() string {
	return strings.TrimSpace(`
Usage: dbmigrate status [options]

  Lists every known migration with its state: applied, pending, drifted
  (the file changed after it was applied) or orphaned (recorded but no
  longer on disk).

Options:

  -dir=<path>   Directory holding migration files.
`)
}

func (c *statusCommand) Run(args []string) int {
	fs := c.flagSet("status", false)
	if !c.parse(fs, args) {
		return exitUsage
	}

	s, code := c.open()
	if s == nil {
		return code
	}
	defer s.close()

	status, err := s.runner.Status(c.ctx)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Failed to read migration status: %v", err))
		return exitFailure
	}
	c.ui.Output(formatStatus(status))
	return exitOK
}

func formatStatus(status migration.Status) string {
	drifted := make(map[string]bool, len(status.Drifted))
	for _, v := range status.Drifted {
		drifted[v] = true
	}
	orphaned := make(map[string]bool, len(status.Orphaned))
	for _, v := range status.Orphaned {
		orphaned[v] = true
	}

	var buf bytes.Buffer
	current := status.CurrentVersion
	if current == "" {
		current = "none"
	}
	fmt.Fprintf(&buf, "Current version: %s\n\n", current)

	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tNAME")
	for _, a := range status.Applied {
		state := "applied"
		switch {
		case orphaned[a.Version]:
			state = "orphaned"
		case drifted[a.Version]:
			state = "drifted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Version, state, a.AppliedAt.UTC().Format(time.RFC3339), a.Name)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, "pending", "-", m.Name)
	}
	w.Flush()

	fmt.Fprintf(&buf, "\n%d applied, %d pending", len(status.Applied), len(status.Pending))
	return buf.String()
}

type resetCommand struct {
	baseCommand
	confirm bool
}

func (c *resetCommand) Synopsis() string {
	return "Delete every migration record"
}

func (c *resetCommand) Help() string {
	return strings.TrimSpace(`
Usage: dbmigrate reset -confirm

  Deletes every row from the migrations table so that all migrations are
  pending again. Schema objects are left untouched.

Options:

  -confirm      Required. Acknowledges that the records will be deleted.
`)
}

func (c *resetCommand) Run(args []string) int {
	fs := c.flagSet("reset", false)
	fs.BoolVar(&c.confirm, "confirm", false, "")
	if !c.parse(fs, args) {
		return exitUsage
	}
	if !c.confirm {
		c.ui.Error("Refusing to reset without -confirm")
		return exitUsage
	}

	s, code := c.open()
	if s == nil {
		return code
	}
	defer s.close()

	n, err := s.runner.Reset(c.ctx)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Failed to reset migration records: %v", err))
		return exitFailure
	}
	c.ui.Output(fmt.Sprintf("Deleted %d migration records", n))
	return exitOK
}

type redoCommand struct {
	baseCommand
}

func (c *redoCommand) Synopsis() string {
	return "Re-apply one migration"
}

func (c *redoCommand) Help() string {
	return strings.TrimSpace(`
Usage: dbmigrate redo [options] <version>

  Deletes the record for version and applies its file again. Errors the
  engine tolerates during a normal run are tolerated here as well.

Options:

  -dir=<path>   Directory holding migration files.
`)
}

func (c *redoCommand) Run(args []string) int {
	fs := c.flagSet("redo", false)
	if !c.parse(fs, args) {
		return exitUsage
	}
	if fs.NArg() != 1 {
		c.ui.Error("Expected exactly one version argument")
		c.ui.Error(c.Help())
		return exitUsage
	}
	version := fs.Arg(0)

	s, code := c.open()
	if s == nil {
		return code
	}
	defer s.close()

	res, err := s.runner.Redo(c.ctx, version)
	if err != nil {
		c.ui.Error(fmt.Sprintf("Redo failed: %v", err))
		return exitFailure
	}
	c.ui.Output(fmt.Sprintf("Re-applied %s: %d statements (ignored %d, skipped %d, retried %d)",
		res.Version, res.Statements, res.Ignored, res.Skipped, res.Retried))
	return exitOK
}
