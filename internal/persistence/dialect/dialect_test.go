package dialect_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dbmigrate/internal/migration"
	"github.com/example/dbmigrate/internal/persistence"
	"github.com/example/dbmigrate/internal/persistence/dialect"
)

func mustDialect(t *testing.T, name string, opts dialect.Options) dialect.Driver {
	t.Helper()
	d, err := dialect.New(name, opts)
	require.NoError(t, err)
	return d
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"mysql":      "mysql",
		"MariaDB":    "mysql",
		"postgres":   "postgres",
		"postgresql": "postgres",
		"pgx":        "postgres",
		"sqlite":     "sqlite",
		"sqlite3":    "sqlite",
	} {
		d := mustDialect(t, name, dialect.Options{})
		assert.Equal(t, want, d.Name(), "dialect for %q", name)
	}

	_, err := dialect.New("oracle", dialect.Options{})
	assert.ErrorIs(t, err, persistence.ErrUnknownDriver)
}

func TestMySQL_Categorize(t *testing.T) {
	d := mustDialect(t, "mysql", dialect.Options{})

	tests := []struct {
		number uint16
		want   migration.ErrorCategory
	}{
		{1050, migration.CategoryDuplicateObject},
		{1060, migration.CategoryDuplicateObject},
		{1061, migration.CategoryDuplicateObject},
		{1826, migration.CategoryDuplicateObject},
		{1062, migration.CategoryDuplicateRow},
		{1051, migration.CategoryMissingTable},
		{1146, migration.CategoryMissingTable},
		{1054, migration.CategoryMissingColumn},
		{1091, migration.CategoryMissingDropTarget},
		{1824, migration.CategoryForeignKeyTarget},
		{3780, migration.CategoryForeignKeyTarget},
		{1243, migration.CategoryUnknownPreparedStatement},
		{1347, migration.CategoryWrongObjectType},
		{1267, migration.CategoryCollationMismatch},
		{1064, migration.CategorySyntax},
		{1452, migration.CategoryConstraint},
		{1213, migration.CategoryConnection},
		{9999, migration.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("error %d", tt.number), func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &mysql.MySQLError{Number: tt.number, Message: "test"})
			assert.Equal(t, tt.want, d.Categorize(err))
		})
	}

	assert.Equal(t, migration.CategoryConnection, d.Categorize(mysql.ErrInvalidConn))
	assert.Equal(t, migration.CategoryConnection, d.Categorize(driver.ErrBadConn))
	assert.Equal(t, migration.CategoryConnection, d.Categorize(context.DeadlineExceeded))
	assert.Equal(t, migration.CategoryUnknown, d.Categorize(errors.New("something else")))
	assert.Equal(t, migration.CategoryUnknown, d.Categorize(nil))
}

func TestPostgres_Categorize(t *testing.T) {
	d := mustDialect(t, "postgres", dialect.Options{})

	tests := []struct {
		code string
		want migration.ErrorCategory
	}{
		{"42P07", migration.CategoryDuplicateObject},
		{"42701", migration.CategoryDuplicateObject},
		{"42710", migration.CategoryDuplicateObject},
		{"23505", migration.CategoryDuplicateRow},
		{"42P01", migration.CategoryMissingTable},
		{"42703", migration.CategoryMissingColumn},
		{"42704", migration.CategoryMissingDropTarget},
		{"42830", migration.CategoryForeignKeyTarget},
		{"26000", migration.CategoryUnknownPreparedStatement},
		{"42809", migration.CategoryWrongObjectType},
		{"42601", migration.CategorySyntax},
		{"42501", migration.CategorySyntax},
		{"23503", migration.CategoryConstraint},
		{"08006", migration.CategoryConnection},
		{"40P01", migration.CategoryConnection},
		{"XX000", migration.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code, Message: "test"})
			assert.Equal(t, tt.want, d.Categorize(err))
		})
	}

	assert.Equal(t, migration.CategoryConnection, d.Categorize(context.Canceled))
	assert.Equal(t, migration.CategoryUnknown, d.Categorize(errors.New("plain")))
}

func TestSQLite_CategorizeRealErrors(t *testing.T) {
	d := mustDialect(t, "sqlite", dialect.Options{})
	dsn, err := d.DSN(dialect.ConnParams{Name: ":memory:"})
	require.NoError(t, err)

	db, err := sql.Open(d.DriverName(), dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	setup := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL)",
		"CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id))",
		"INSERT INTO users (id, email) VALUES (1, 'a@example.com')",
	}
	for _, stmt := range setup {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	tests := []struct {
		stmt string
		want migration.ErrorCategory
	}{
		{"CREATE TABLE users (id INTEGER)", migration.CategoryDuplicateObject},
		{"ALTER TABLE users ADD COLUMN email TEXT", migration.CategoryDuplicateObject},
		{"INSERT INTO users (id, email) VALUES (1, 'b@example.com')", migration.CategoryDuplicateRow},
		{"INSERT INTO users (id, email) VALUES (2, NULL)", migration.CategoryConstraint},
		{"INSERT INTO orders (id, user_id) VALUES (1, 42)", migration.CategoryConstraint},
		{"SELECT * FROM nowhere", migration.CategoryMissingTable},
		{"SELECT phone FROM users", migration.CategoryMissingColumn},
		{"DROP INDEX idx_missing", migration.CategoryMissingDropTarget},
		{"CREATE TABEL x (id INTEGER)", migration.CategorySyntax},
	}
	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			_, err := db.Exec(tt.stmt)
			require.Error(t, err)
			assert.Equal(t, tt.want, d.Categorize(err), "error: %v", err)
		})
	}
}

func TestDSN(t *testing.T) {
	t.Run("mysql", func(t *testing.T) {
		d := mustDialect(t, "mysql", dialect.Options{})
		dsn, err := d.DSN(dialect.ConnParams{
			Host: "db", User: "migrator", Password: "s3cret", Name: "school", Params: "sql_mode=ANSI_QUOTES",
		})
		require.NoError(t, err)

		cfg, err := mysql.ParseDSN(dsn)
		require.NoError(t, err)
		assert.Equal(t, "tcp", cfg.Net)
		assert.Equal(t, "db:3306", cfg.Addr)
		assert.Equal(t, "migrator", cfg.User)
		assert.Equal(t, "s3cret", cfg.Passwd)
		assert.Equal(t, "school", cfg.DBName)
		assert.True(t, cfg.ParseTime)
		assert.Equal(t, "ANSI_QUOTES", cfg.Params["sql_mode"])
	})

	t.Run("postgres", func(t *testing.T) {
		d := mustDialect(t, "postgres", dialect.Options{})
		dsn, err := d.DSN(dialect.ConnParams{
			Host: "pg", Port: 6543, User: "migrator", Password: "p@ss", Name: "school", Params: "sslmode=disable",
		})
		require.NoError(t, err)

		u, err := url.Parse(dsn)
		require.NoError(t, err)
		assert.Equal(t, "postgres", u.Scheme)
		assert.Equal(t, "pg:6543", u.Host)
		assert.Equal(t, "/school", u.Path)
		pw, _ := u.User.Password()
		assert.Equal(t, "p@ss", pw)
		assert.Equal(t, "disable", u.Query().Get("sslmode"))

		_, err = pgconn.ParseConfig(dsn)
		assert.NoError(t, err, "pgx must accept the DSN")
	})

	t.Run("sqlite", func(t *testing.T) {
		d := mustDialect(t, "sqlite", dialect.Options{})
		dsn, err := d.DSN(dialect.ConnParams{Name: "/tmp/app.db", Params: "_txlock=immediate"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(dsn, "/tmp/app.db?"))
		assert.Contains(t, dsn, "foreign_keys")
		assert.Contains(t, dsn, "_txlock=immediate")

		_, err = d.DSN(dialect.ConnParams{})
		assert.Error(t, err)
	})
}

func TestRebind(t *testing.T) {
	pg := mustDialect(t, "postgres", dialect.Options{})
	assert.Equal(t,
		"INSERT INTO t (a, b, note) VALUES ($1, $2, 'why?')",
		pg.Rebind("INSERT INTO t (a, b, note) VALUES (?, ?, 'why?')"))

	my := mustDialect(t, "mysql", dialect.Options{})
	assert.Equal(t, "SELECT ?", my.Rebind("SELECT ?"))
}

func TestMySQL_CompatRewrite(t *testing.T) {
	plain := mustDialect(t, "mysql", dialect.Options{})
	compat := mustDialect(t, "mysql", dialect.Options{MySQLCompat: true})

	tests := []struct {
		in   string
		want string
	}{
		{"ALTER TABLE users ADD COLUMN IF NOT EXISTS phone VARCHAR(20)", "ALTER TABLE users ADD COLUMN phone VARCHAR(20)"},
		{"ALTER TABLE users DROP COLUMN IF EXISTS phone", "ALTER TABLE users DROP COLUMN phone"},
		{"ALTER TABLE o ADD CONSTRAINT IF NOT EXISTS fk FOREIGN KEY (u) REFERENCES users(id)", "ALTER TABLE o ADD CONSTRAINT fk FOREIGN KEY (u) REFERENCES users(id)"},
		{"create unique index if not exists ux on users (email)", "CREATE UNIQUE INDEX ux on users (email)"},
		{"CREATE INDEX  IF NOT EXISTS ix ON users (email)", "CREATE INDEX ix ON users (email)"},
		{"CREATE TABLE IF NOT EXISTS users (id INT)", "CREATE TABLE IF NOT EXISTS users (id INT)"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, compat.Rewrite(tt.in))
			assert.Equal(t, tt.in, plain.Rewrite(tt.in))
		})
	}
}

func TestSplitOptions(t *testing.T) {
	my := mustDialect(t, "mysql", dialect.Options{StripDelimiterBlocks: true}).SplitOptions()
	assert.True(t, my.BackslashEscapes)
	assert.True(t, my.HashComments)
	assert.Equal(t, migration.DelimiterStrip, my.DelimiterBlocks)

	pg := mustDialect(t, "postgres", dialect.Options{}).SplitOptions()
	assert.True(t, pg.DollarQuotes)
	assert.False(t, pg.BackslashEscapes)
	assert.Equal(t, migration.DelimiterPreserve, pg.DelimiterBlocks)

	assert.True(t, mustDialect(t, "postgres", dialect.Options{}).Savepoints())
	assert.False(t, mustDialect(t, "mysql", dialect.Options{}).Savepoints())
}

func TestCreateStateTable(t *testing.T) {
	assert.Contains(t, mustDialect(t, "mysql", dialect.Options{}).CreateStateTable("schema_log"), "CREATE TABLE IF NOT EXISTS `schema_log`")
	assert.Contains(t, mustDialect(t, "postgres", dialect.Options{}).CreateStateTable("schema_log"), "TIMESTAMPTZ")
	assert.Contains(t, mustDialect(t, "sqlite", dialect.Options{}).CreateStateTable("schema_log"), "AUTOINCREMENT")
}
