package dialect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/example/dbmigrate/internal/migration"
)

// SQLite is the dialect for modernc.org/sqlite.
type SQLite struct {
	opts Options
}

// SQLite reports most schema errors as SQLITE_ERROR, so categories come from
// the message text.
var sqliteMessages = []struct {
	fragment string
	category migration.ErrorCategory
}{
	{"already exists", migration.CategoryDuplicateObject},
	{"duplicate column name", migration.CategoryDuplicateObject},
	{"no such table", migration.CategoryMissingTable},
	{"no such column", migration.CategoryMissingColumn},
	{"has no column named", migration.CategoryMissingColumn},
	{"no such index", migration.CategoryMissingDropTarget},
	{"no such view", migration.CategoryMissingDropTarget},
	{"no such trigger", migration.CategoryMissingDropTarget},
	{"cannot alter", migration.CategoryWrongObjectType},
	{"syntax error", migration.CategorySyntax},
	{"incomplete input", migration.CategorySyntax},
	{"unrecognized token", migration.CategorySyntax},
}

func (s *SQLite) Name() string       { return "sqlite" }
func (s *SQLite) DriverName() string { return "sqlite" }
func (s *SQLite) Savepoints() bool   { return false }

func (s *SQLite) Rebind(query string) string { return query }
func (s *SQLite) Rewrite(stmt string) string { return stmt }

// DSN returns the database path with foreign keys enforced and a busy timeout.
func (s *SQLite) DSN(p ConnParams) (string, error) {
	if p.Name == "" {
		return "", errors.New("sqlite database path is required")
	}
	values := url.Values{}
	values.Add("_pragma", "foreign_keys(1)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Set("_time_format", "sqlite")
	if p.Params != "" {
		extra, err := url.ParseQuery(p.Params)
		if err != nil {
			return "", fmt.Errorf("invalid sqlite parameters: %w", err)
		}
		for key, vs := range extra {
			for _, v := range vs {
				values.Add(key, v)
			}
		}
	}
	return p.Name + "?" + values.Encode(), nil
}

func (s *SQLite) CreateStateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  version TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  checksum TEXT NOT NULL DEFAULT '',
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, table)
}

func (s *SQLite) SplitOptions() migration.SplitOptions {
	return migration.SplitOptions{
		Backticks:       true,
		DelimiterBlocks: s.opts.delimiterMode(),
	}
}

// Categorize maps extended result codes and messages onto categories.
func (s *SQLite) Categorize(err error) migration.ErrorCategory {
	if err == nil {
		return migration.CategoryUnknown
	}
	if isConnectionError(err) {
		return migration.CategoryConnection
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return migration.CategoryDuplicateRow
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_CHECK:
			return migration.CategoryConstraint
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
			return migration.CategoryConnection
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint failed") {
		return migration.CategoryDuplicateRow
	}
	if strings.Contains(msg, "constraint failed") {
		return migration.CategoryConstraint
	}
	for _, m := range sqliteMessages {
		if strings.Contains(msg, m.fragment) {
			return m.category
		}
	}
	return migration.CategoryUnknown
}
