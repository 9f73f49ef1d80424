package dialect

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/example/dbmigrate/internal/migration"
)

// Postgres is the dialect for PostgreSQL via pgx.
type Postgres struct {
	opts Options
}

var postgresCategories = map[string]migration.ErrorCategory{
	"42P07": migration.CategoryDuplicateObject, // duplicate_table
	"42701": migration.CategoryDuplicateObject, // duplicate_column
	"42710": migration.CategoryDuplicateObject, // duplicate_object
	"42P06": migration.CategoryDuplicateObject, // duplicate_schema
	"42723": migration.CategoryDuplicateObject, // duplicate_function
	"42P04": migration.CategoryDuplicateObject, // duplicate_database

	"23505": migration.CategoryDuplicateRow, // unique_violation

	"42P01": migration.CategoryMissingTable,      // undefined_table
	"42703": migration.CategoryMissingColumn,     // undefined_column
	"42704": migration.CategoryMissingDropTarget, // undefined_object

	"42830": migration.CategoryForeignKeyTarget, // invalid_foreign_key

	"26000": migration.CategoryUnknownPreparedStatement, // invalid_sql_statement_name

	"42809": migration.CategoryWrongObjectType,

	"42P21": migration.CategoryCollationMismatch,
	"42P22": migration.CategoryCollationMismatch,

	"42601": migration.CategorySyntax, // syntax_error

	"57P01": migration.CategoryConnection, // admin_shutdown
	"40P01": migration.CategoryConnection, // deadlock_detected
}

func (p *Postgres) Name() string       { return "postgres" }
func (p *Postgres) DriverName() string { return "pgx" }

// Savepoints is true: any error aborts a PostgreSQL transaction until it is
// rolled back to a savepoint.
func (p *Postgres) Savepoints() bool { return true }

func (p *Postgres) Rebind(query string) string { return rebindDollar(query) }

// Rewrite is the identity; PostgreSQL accepts IF [NOT] EXISTS everywhere the
// compatibility rewrite would remove it.
func (p *Postgres) Rewrite(stmt string) string { return stmt }

// DSN builds a postgres:// URL.
func (p *Postgres) DSN(c ConnParams) (string, error) {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + c.Name,
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}
	if c.Params != "" {
		values, err := url.ParseQuery(c.Params)
		if err != nil {
			return "", fmt.Errorf("invalid postgres parameters: %w", err)
		}
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

func (p *Postgres) CreateStateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id BIGSERIAL PRIMARY KEY,
  version VARCHAR(64) NOT NULL UNIQUE,
  name VARCHAR(255) NOT NULL,
  checksum VARCHAR(128) NOT NULL DEFAULT '',
  applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, table)
}

func (p *Postgres) SplitOptions() migration.SplitOptions {
	return migration.SplitOptions{
		DollarQuotes:    true,
		DelimiterBlocks: p.opts.delimiterMode(),
	}
}

// Categorize maps SQLSTATE codes onto categories.
func (p *Postgres) Categorize(err error) migration.ErrorCategory {
	if err == nil {
		return migration.CategoryUnknown
	}
	if isConnectionError(err) || pgconn.Timeout(err) {
		return migration.CategoryConnection
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return migration.CategoryUnknown
	}
	if cat, ok := postgresCategories[pgErr.Code]; ok {
		return cat
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "23"):
		return migration.CategoryConstraint
	case strings.HasPrefix(pgErr.Code, "08"):
		return migration.CategoryConnection
	case strings.HasPrefix(pgErr.Code, "42"):
		// Remaining syntax_error_or_access_rule_violation codes.
		return migration.CategorySyntax
	}
	return migration.CategoryUnknown
}
