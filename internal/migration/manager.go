package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/example/dbmigrate/internal/logging"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Dir is the directory holding migration files.
	Dir string
	// Force continues past failed migrations instead of halting, and tolerates
	// recorded versions that have no file.
	Force bool
}

// Runner computes the pending set and applies it in version order.
type Runner struct {
	repo     Repository
	store    StateStore
	executor Executor
	opts     RunnerOptions
	logger   *slog.Logger
	newRunID func() string
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(repo Repository, store StateStore, executor Executor, opts RunnerOptions, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repo:     repo,
		store:    store,
		executor: executor,
		opts:     opts,
		logger:   logger,
		newRunID: uuid.NewString,
		now:      time.Now,
	}
}

// WithRunIDGenerator replaces the run id source.
func (r *Runner) WithRunIDGenerator(fn func() string) *Runner {
	if fn != nil {
		r.newRunID = fn
	}
	return r
}

// WithClock replaces the runner's time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// withRunID attaches a logger carrying runID to ctx so the executor's records
// share it.
func (r *Runner) withRunID(ctx context.Context, runID string) context.Context {
	base := logging.FromContext(ctx)
	if base == nil {
		base = r.logger
	}
	return logging.ContextWithLogger(ctx, base.With("run_id", runID))
}

type runPlan struct {
	migrations []Migration
	applied    []AppliedMigration
	pending    []Migration
	orphaned   []string
}

func (r *Runner) plan(ctx context.Context) (runPlan, error) {
	if err := r.store.EnsureTable(ctx); err != nil {
		return runPlan{}, fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	migrations, err := r.repo.ScanMigrations(r.opts.Dir)
	if err != nil {
		return runPlan{}, fmt.Errorf("failed to scan migrations: %w", err)
	}

	applied, err := r.store.Applied(ctx)
	if err != nil {
		return runPlan{}, fmt.Errorf("failed to load applied migrations: %w", err)
	}

	known := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		known[normalizeVersion(m.Version)] = struct{}{}
	}
	done := make(map[string]struct{}, len(applied))
	var orphaned []string
	for _, a := range applied {
		key := normalizeVersion(a.Version)
		done[key] = struct{}{}
		if _, ok := known[key]; !ok {
			orphaned = append(orphaned, a.Version)
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if _, ok := done[normalizeVersion(m.Version)]; !ok {
			pending = append(pending, m)
		}
	}

	return runPlan{migrations: migrations, applied: applied, pending: pending, orphaned: orphaned}, nil
}

// Pending returns the migrations that have not been applied, in the order Run
// would apply them.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	p, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}
	return p.pending, nil
}

// Run applies every pending migration. In strict mode the first failure halts
// the run and later versions are left untouched. In force mode failures are
// logged, collected and returned together once every migration was attempted.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.now()
	summary := Summary{RunID: r.newRunID(), Force: r.opts.Force}
	mode := "strict"
	if r.opts.Force {
		mode = "force"
	}

	ctx = r.withRunID(ctx, summary.RunID)
	logger := logging.Component(ctx, r.logger, "runner", "run")
	logger.Info("starting migration run", "dir", r.opts.Dir, "mode", mode)

	finish := func(err error) (Summary, error) {
		summary.Duration = r.now().Sub(start)
		summary.Log(ctx, logger)
		return summary, err
	}

	p, err := r.plan(ctx)
	if err != nil {
		logger.Error("failed to plan migration run", "error", err, "kind", ErrorKind(err))
		return finish(err)
	}

	if len(p.orphaned) > 0 {
		orphanErr := fmt.Errorf("%w: %s", ErrUnknownAppliedVersion, strings.Join(p.orphaned, ", "))
		if !r.opts.Force {
			logger.Error("recorded migrations have no file; refusing to run", "versions", p.orphaned)
			return finish(orphanErr)
		}
		logger.Warn("recorded migrations have no file; continuing because force mode is enabled", "versions", p.orphaned)
	}

	summary.Pending = len(p.pending)
	if len(p.pending) == 0 {
		logger.Info("database is up to date", "applied", len(p.applied))
		return finish(nil)
	}

	var failures *multierror.Error
	for i, m := range p.pending {
		if err := ctx.Err(); err != nil {
			summary.NotAttempted = len(p.pending) - i
			logger.Warn("migration run cancelled", "next_version", m.Version, "error", err)
			failures = multierror.Append(failures, err)
			break
		}

		logger.Info("applying migration", "version", m.Version, "name", m.Name, "position", i+1, "of", len(p.pending))
		res, err := r.executor.Execute(ctx, m)
		summary.add(res)
		if err == nil {
			summary.Applied++
			continue
		}

		summary.Failed++
		summary.FailedVersions = append(summary.FailedVersions, m.Version)
		if !r.opts.Force {
			summary.NotAttempted = len(p.pending) - i - 1
			logger.Error("migration failed; halting run", "version", m.Version, "error", err, "kind", ErrorKind(err))
			return finish(NewMigrationError(m.Version, m.FilePath, "execute migration", err))
		}
		logger.Warn("migration failed; continuing because force mode is enabled",
			"version", m.Version, "error", err, "kind", ErrorKind(err))
		failures = multierror.Append(failures, NewMigrationError(m.Version, m.FilePath, "execute migration", err))
	}

	return finish(failures.ErrorOrNil())
}

// Status reports applied and pending migrations along with checksum drift and
// recorded versions that no longer have a file.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	logger := logging.Component(ctx, r.logger, "runner", "status")

	p, err := r.plan(ctx)
	if err != nil {
		return Status{}, err
	}

	byVersion := make(map[string]Migration, len(p.migrations))
	for _, m := range p.migrations {
		byVersion[normalizeVersion(m.Version)] = m
	}

	status := Status{
		Applied:  p.applied,
		Pending:  p.pending,
		Orphaned: p.orphaned,
	}
	if n := len(p.applied); n > 0 {
		status.CurrentVersion = p.applied[n-1].Version
	}
	for _, a := range p.applied {
		m, ok := byVersion[normalizeVersion(a.Version)]
		if !ok || a.Checksum == "" || a.Checksum == m.Checksum {
			continue
		}
		status.Drifted = append(status.Drifted, a.Version)
		logger.Warn("applied migration changed since it was recorded",
			"version", a.Version, "recorded_checksum", a.Checksum, "file_checksum", m.Checksum)
	}
	for _, v := range p.orphaned {
		logger.Warn("applied migration has no file", "version", v)
	}
	return status, nil
}

// Reset deletes every applied-migration record. Schema objects are untouched.
func (r *Runner) Reset(ctx context.Context) (int64, error) {
	logger := logging.Component(ctx, r.logger, "runner", "reset")

	if err := r.store.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to initialize migrations table: %w", err)
	}
	n, err := r.store.Reset(ctx)
	if err != nil {
		logger.Error("failed to reset migration records", "error", err)
		return 0, err
	}
	logger.Warn("migration records cleared", "deleted", n)
	return n, nil
}

// Redo deletes the record for version and applies that migration again.
func (r *Runner) Redo(ctx context.Context, version string) (Result, error) {
	ctx = r.withRunID(ctx, r.newRunID())
	logger := logging.Component(ctx, r.logger, "runner", "redo", "version", version)

	if err := r.store.EnsureTable(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	migrations, err := r.repo.ScanMigrations(r.opts.Dir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to scan migrations: %w", err)
	}

	var target *Migration
	for i := range migrations {
		if normalizeVersion(migrations[i].Version) == normalizeVersion(version) {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return Result{}, NewMigrationError(version, r.opts.Dir, "redo",
			fmt.Errorf("%w: no file for version %s", ErrMigrationNotFound, version))
	}

	existed, err := r.store.Delete(ctx, target.Version)
	if err != nil {
		return Result{}, err
	}
	if !existed {
		logger.Info("migration was not recorded; applying it")
	}

	res, err := r.executor.Execute(ctx, *target)
	if err != nil {
		logger.Error("redo failed", "error", err, "kind", ErrorKind(err))
		return res, NewMigrationError(target.Version, target.FilePath, "redo", err)
	}
	logger.Info("migration reapplied", "ignored", res.Ignored, "skipped", res.Skipped, "retried", res.Retried)
	return res, nil
}
