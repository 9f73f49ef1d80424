package migration

import (
	"context"
	"database/sql"
	"time"
)

// Migration represents a database migration with its metadata and SQL content
type Migration struct {
	Version  string // Version identifier (e.g., "001", "002")
	Name     string // Human-readable description of the migration
	Body     string // Raw script text
	FilePath string // Path to the migration file
	Checksum string // Hex digest of Body
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Statement is one executable unit produced by the Splitter.
type Statement struct {
	Text  string
	Index int
	// Checkpoint marks the statement after which the executor commits once
	// before continuing with the rest of the migration.
	Checkpoint bool
}

// Status provides information about the current migration state
type Status struct {
	CurrentVersion string
	Applied        []AppliedMigration
	Pending        []Migration
	// Drifted lists applied versions whose file checksum no longer matches.
	Drifted []string
	// Orphaned lists applied versions with no file in the repository.
	Orphaned []string
}

// Repository loads migration definitions from storage.
type Repository interface {
	// ScanMigrations returns every migration in dir sorted by version.
	ScanMigrations(dir string) ([]Migration, error)
}

// StateStore persists which migration versions have been applied.
type StateStore interface {
	// EnsureTable creates the tracking table if it does not exist.
	EnsureTable(ctx context.Context) error
	// Applied returns every recorded migration ordered by version.
	Applied(ctx context.Context) ([]AppliedMigration, error)
	// Record inserts one applied migration using q, which is usually the
	// migration's own transaction.
	Record(ctx context.Context, q Queryer, m Migration, appliedAt time.Time) error
	// Delete removes the record for version and reports whether one existed.
	Delete(ctx context.Context, version string) (bool, error)
	// Reset removes every record and returns how many were deleted.
	Reset(ctx context.Context) (int64, error)
}

// Executor applies a single migration.
type Executor interface {
	Execute(ctx context.Context, m Migration) (Result, error)
}

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect adapts the engine to one database vendor. Implementations live in
// internal/persistence/dialect.
type Dialect interface {
	// Name is the short vendor name ("mysql", "postgres", "sqlite").
	Name() string
	// Categorize maps a raw driver error onto an ErrorCategory.
	Categorize(err error) ErrorCategory
	// Rebind rewrites '?' placeholders into the vendor's syntax.
	Rebind(query string) string
	// CreateStateTable returns DDL that creates the tracking table if absent.
	CreateStateTable(table string) string
	// SplitOptions configures the Splitter for the vendor's lexical rules.
	SplitOptions() SplitOptions
	// Savepoints reports whether a failed statement aborts the enclosing
	// transaction, requiring a savepoint around every statement.
	Savepoints() bool
	// Rewrite adjusts a statement before execution, e.g. removing clauses an
	// older server does not understand. It must be deterministic.
	Rewrite(stmt string) string
}
