package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/dbmigrate/internal/logging"
	"github.com/example/dbmigrate/internal/persistence"
)

// ConnPool hands out exclusive connections. *persistence.Pool satisfies it.
type ConnPool interface {
	Acquire(ctx context.Context) (*persistence.Lease, error)
}

// Result reports what happened to the statements of one migration.
type Result struct {
	Version    string
	Statements int
	Executed   int
	Ignored    int
	Skipped    int
	Retried    int
	// CheckpointCommitted is set once work up to the declared checkpoint has
	// been committed, even if the migration later failed.
	CheckpointCommitted bool
	Duration            time.Duration
}

// ExecutorOption configures a TxExecutor.
type ExecutorOption func(*TxExecutor)

// WithClock replaces the executor's time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *TxExecutor) {
		if now != nil {
			e.now = now
		}
	}
}

var errSavepoint = errors.New("savepoint rollback failed")

const previewLength = 120

// TxExecutor applies one migration inside a transaction and records it in the
// same transaction.
type TxExecutor struct {
	pool     ConnPool
	dialect  Dialect
	store    StateStore
	splitter *Splitter
	now      func() time.Time
	logger   *slog.Logger
}

// NewTxExecutor creates an executor for dialect d.
func NewTxExecutor(pool ConnPool, d Dialect, store StateStore, logger *slog.Logger, opts ...ExecutorOption) *TxExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &TxExecutor{
		pool:     pool,
		dialect:  d,
		store:    store,
		splitter: NewSplitter(d.SplitOptions()),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies m. On a fatal statement error the transaction is rolled back,
// nothing is recorded and a *StatementError is returned. Work committed at a
// declared checkpoint stays committed.
func (e *TxExecutor) Execute(ctx context.Context, m Migration) (res Result, err error) {
	start := e.now()
	res = Result{Version: m.Version}
	defer func() { res.Duration = e.now().Sub(start) }()

	logger := logging.Component(ctx, e.logger, "executor", "execute", "version", m.Version, "migration", m.Name)

	statements, err := e.splitter.Split(m.Body)
	if err != nil {
		return res, NewMigrationError(m.Version, m.FilePath, "split statements", err)
	}
	if len(statements) == 0 {
		return res, NewMigrationError(m.Version, m.FilePath, "split statements",
			fmt.Errorf("%w: no SQL statements found in migration", ErrInvalidMigrationFile))
	}
	res.Statements = len(statements)

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return res, NewDatabaseError(m.Version, "", "acquire connection", err)
	}
	defer lease.Release()
	conn := lease.Conn()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, NewDatabaseError(m.Version, "", "begin transaction", err)
	}
	defer func() {
		if tx == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error("failed to roll back migration", "error", rbErr)
		}
	}()

	for _, stmt := range statements {
		if err := e.runStatement(ctx, tx, m, stmt, &res, logger); err != nil {
			return res, err
		}

		if stmt.Checkpoint {
			if err := tx.Commit(); err != nil {
				tx = nil
				return res, NewDatabaseError(m.Version, "", "commit checkpoint", err)
			}
			res.CheckpointCommitted = true
			logger.Warn("committed intermediate checkpoint; later statements run in a new transaction",
				"statement", stmt.Index+1)

			if tx, err = conn.BeginTx(ctx, nil); err != nil {
				return res, NewDatabaseError(m.Version, "", "begin transaction", err)
			}
		}
	}

	if err := e.store.Record(ctx, tx, m, e.now()); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		tx = nil
		return res, NewDatabaseError(m.Version, "", "commit transaction", err)
	}
	tx = nil

	logger.Info("migration applied",
		"statements", res.Statements,
		"executed", res.Executed,
		"ignored", res.Ignored,
		"skipped", res.Skipped,
		"retried", res.Retried)
	return res, nil
}

func (e *TxExecutor) runStatement(ctx context.Context, tx *sql.Tx, m Migration, stmt Statement, res *Result, logger *slog.Logger) error {
	text := e.dialect.Rewrite(stmt.Text)
	logger = logger.With("statement", stmt.Index+1, "sql", preview(text))

	execErr := e.exec(ctx, tx, stmt.Index, text)
	if execErr == nil {
		res.Executed++
		logger.Info("statement applied")
		return nil
	}

	fail := func(err error) error {
		cat := CategoryConnection
		if !errors.Is(err, errSavepoint) {
			cat = e.dialect.Categorize(err)
		}
		logger.Error("statement failed", "category", cat.String(), "error", err)
		return &StatementError{
			Version:   m.Version,
			Index:     stmt.Index + 1,
			Statement: text,
			Category:  cat,
			Err:       err,
		}
	}

	if errors.Is(execErr, errSavepoint) || ctx.Err() != nil {
		return fail(execErr)
	}

	cat := e.dialect.Categorize(execErr)
	decision := Classify(text, cat)
	switch decision.Action {
	case ActionIgnore:
		res.Ignored++
		logger.Info("statement ignored", "category", cat.String(), "reason", decision.Reason, "error", execErr)
		return nil

	case ActionSkip:
		res.Skipped++
		logger.Warn("statement skipped", "category", cat.String(), "reason", decision.Reason, "error", execErr)
		return nil

	case ActionRetry:
		retried := decision.Transform(text)
		if retried == text {
			return fail(execErr)
		}
		if err := e.exec(ctx, tx, stmt.Index, retried); err != nil {
			return fail(err)
		}
		res.Retried++
		logger.Warn("statement retried", "category", cat.String(), "reason", decision.Reason, "retried_sql", preview(retried))
		return nil
	}

	return fail(execErr)
}

// exec runs one statement, inside a savepoint when the dialect aborts the
// whole transaction on error.
func (e *TxExecutor) exec(ctx context.Context, tx *sql.Tx, index int, stmt string) error {
	if !e.dialect.Savepoints() {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}

	name := fmt.Sprintf("dbmigrate_stmt_%d", index+1)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Join(errSavepoint, err)
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(errSavepoint, err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Join(errSavepoint, err)
	}
	return nil
}

func preview(stmt string) string {
	s := []rune(strings.Join(strings.Fields(stmt), " "))
	if len(s) <= previewLength {
		return string(s)
	}
	return string(s[:previewLength]) + "..."
}
