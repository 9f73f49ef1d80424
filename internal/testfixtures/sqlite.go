package testfixtures

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/example/dbmigrate/internal/migration"
	"github.com/example/dbmigrate/internal/persistence"
	"github.com/example/dbmigrate/internal/persistence/dialect"
)

// SQLiteHarness wires a temporary SQLite database into the migration engine
// for integration-style tests.
type SQLiteHarness struct {
	Path    string
	Pool    *persistence.Pool
	Dialect dialect.Driver
	Store   *migration.SQLStateStore

	cleanup func()
}

// Close releases resources associated with the harness.
func (h *SQLiteHarness) Close() {
	if h != nil && h.cleanup != nil {
		h.cleanup()
		h.cleanup = nil
	}
}

// DB returns the underlying handle.
func (h *SQLiteHarness) DB() *sql.DB {
	return h.Pool.DB()
}

// NewSQLiteHarness opens a database file in a temporary directory. The
// tracking table is named "migrations". Close is registered with tb.Cleanup.
func NewSQLiteHarness(tb testing.TB, logger *slog.Logger) *SQLiteHarness {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "migrate.db")

	d, err := dialect.New("sqlite", dialect.Options{})
	if err != nil {
		tb.Fatalf("failed to create dialect: %v", err)
	}
	dsn, err := d.DSN(dialect.ConnParams{Name: path})
	if err != nil {
		tb.Fatalf("failed to build dsn: %v", err)
	}

	cfg := persistence.DefaultPoolConfig()
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	pool, err := persistence.Open(context.Background(), d.DriverName(), dsn, cfg, logger)
	if err != nil {
		tb.Fatalf("failed to open database: %v", err)
	}

	store, err := migration.NewSQLStateStore(pool.DB(), d, "migrations")
	if err != nil {
		_ = pool.Close()
		tb.Fatalf("failed to create state store: %v", err)
	}

	harness := &SQLiteHarness{
		Path:    path,
		Pool:    pool,
		Dialect: d,
		Store:   store,
		cleanup: func() {
			_ = pool.Close()
		},
	}

	tb.Cleanup(harness.Close)
	return harness
}

// TableExists reports whether a table or view named name exists.
func (h *SQLiteHarness) TableExists(tb testing.TB, name string) bool {
	tb.Helper()

	var count int
	err := h.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, name,
	).Scan(&count)
	if err != nil {
		tb.Fatalf("failed to inspect schema: %v", err)
	}
	return count > 0
}

// ColumnExists reports whether table has a column named column.
func (h *SQLiteHarness) ColumnExists(tb testing.TB, table, column string) bool {
	tb.Helper()

	var count int
	err := h.DB().QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		tb.Fatalf("failed to inspect columns of %s: %v", table, err)
	}
	return count > 0
}

// CountRows returns the number of rows in table.
func (h *SQLiteHarness) CountRows(tb testing.TB, table string) int {
	tb.Helper()

	var count int
	if err := h.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		tb.Fatalf("failed to count rows in %s: %v", table, err)
	}
	return count
}
