// Package dialect adapts the migration engine to MySQL, PostgreSQL and SQLite:
// driver registration, DSN construction, placeholder syntax, tracking-table DDL
// and the mapping of raw driver errors onto migration.ErrorCategory.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/dbmigrate/internal/migration"
	"github.com/example/dbmigrate/internal/persistence"
)

// Driver is a migration.Dialect that also knows how to reach its database.
type Driver interface {
	migration.Dialect
	// DriverName is the database/sql driver name to open.
	DriverName() string
	// DSN builds a connection string from p.
	DSN(p ConnParams) (string, error)
}

// ConnParams are the vendor-neutral connection settings.
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string // database name, or file path for SQLite
	Params   string // extra driver parameters in URL query form
}

// Options tweaks dialect behaviour.
type Options struct {
	// MySQLCompat removes IF [NOT] EXISTS clauses that MySQL releases before
	// 8.0.29 reject on columns, constraints and indexes.
	MySQLCompat bool
	// StripDelimiterBlocks drops DELIMITER blocks instead of executing them.
	StripDelimiterBlocks bool
}

// New returns the dialect registered under name.
func New(name string, opts Options) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "mariadb":
		return &MySQL{opts: opts}, nil
	case "postgres", "postgresql", "pgx":
		return &Postgres{opts: opts}, nil
	case "sqlite", "sqlite3":
		return &SQLite{opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %q", persistence.ErrUnknownDriver, name)
}

func (o Options) delimiterMode() migration.DelimiterMode {
	if o.StripDelimiterBlocks {
		return migration.DelimiterStrip
	}
	return migration.DelimiterPreserve
}

// rebindDollar rewrites '?' placeholders as $1, $2, ... outside of quotes.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
