package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/example/dbmigrate/internal/migration"
)

// MySQL is the dialect for MySQL and MariaDB.
type MySQL struct {
	opts Options
}

var mysqlCategories = map[uint16]migration.ErrorCategory{
	1022: migration.CategoryDuplicateObject, // duplicate key on write
	1050: migration.CategoryDuplicateObject, // table exists
	1060: migration.CategoryDuplicateObject, // duplicate column
	1061: migration.CategoryDuplicateObject, // duplicate key name
	1304: migration.CategoryDuplicateObject, // procedure/function exists
	1359: migration.CategoryDuplicateObject, // trigger exists
	1537: migration.CategoryDuplicateObject, // event exists
	1826: migration.CategoryDuplicateObject, // duplicate foreign key constraint name

	1062: migration.CategoryDuplicateRow,
	1586: migration.CategoryDuplicateRow,

	1051: migration.CategoryMissingTable, // unknown table on DROP
	1146: migration.CategoryMissingTable,

	1054: migration.CategoryMissingColumn,
	1072: migration.CategoryMissingColumn, // key column doesn't exist

	1091: migration.CategoryMissingDropTarget, // can't drop; check it exists

	1005: migration.CategoryForeignKeyTarget,
	1215: migration.CategoryForeignKeyTarget,
	1822: migration.CategoryForeignKeyTarget,
	1824: migration.CategoryForeignKeyTarget,
	3780: migration.CategoryForeignKeyTarget, // incompatible referencing columns

	1243: migration.CategoryUnknownPreparedStatement,

	1347: migration.CategoryWrongObjectType,

	1267: migration.CategoryCollationMismatch,
	1270: migration.CategoryCollationMismatch,
	1271: migration.CategoryCollationMismatch,

	1064: migration.CategorySyntax,
	1149: migration.CategorySyntax,

	1048: migration.CategoryConstraint,
	1364: migration.CategoryConstraint,
	1451: migration.CategoryConstraint,
	1452: migration.CategoryConstraint,
	3819: migration.CategoryConstraint,

	1053: migration.CategoryConnection,
	1205: migration.CategoryConnection, // lock wait timeout
	1213: migration.CategoryConnection, // deadlock
	2006: migration.CategoryConnection,
	2013: migration.CategoryConnection,
}

var mysqlCompatRewrites = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)ADD\s+COLUMN\s+IF\s+NOT\s+EXISTS`), "ADD COLUMN"},
	{regexp.MustCompile(`(?i)DROP\s+COLUMN\s+IF\s+EXISTS`), "DROP COLUMN"},
	{regexp.MustCompile(`(?i)ADD\s+CONSTRAINT\s+IF\s+NOT\s+EXISTS`), "ADD CONSTRAINT"},
	{regexp.MustCompile(`(?i)CREATE\s+UNIQUE\s+INDEX\s+IF\s+NOT\s+EXISTS`), "CREATE UNIQUE INDEX"},
	{regexp.MustCompile(`(?i)CREATE\s+INDEX\s+IF\s+NOT\s+EXISTS`), "CREATE INDEX"},
}

func (m *MySQL) Name() string       { return "mysql" }
func (m *MySQL) DriverName() string { return "mysql" }
func (m *MySQL) Savepoints() bool   { return false }

func (m *MySQL) Rebind(query string) string { return query }

// DSN builds a go-sql-driver DSN. Times are parsed into time.Time.
func (m *MySQL) DSN(p ConnParams) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = p.User
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	port := p.Port
	if port == 0 {
		port = 3306
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = p.Name
	cfg.ParseTime = true

	if p.Params != "" {
		values, err := url.ParseQuery(p.Params)
		if err != nil {
			return "", fmt.Errorf("invalid mysql parameters: %w", err)
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string, len(values))
		}
		for key := range values {
			cfg.Params[key] = values.Get(key)
		}
	}
	return cfg.FormatDSN(), nil
}

func (m *MySQL) CreateStateTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%[1]s` (\n"+
		"  id INT AUTO_INCREMENT PRIMARY KEY,\n"+
		"  version VARCHAR(64) NOT NULL,\n"+
		"  name VARCHAR(255) NOT NULL,\n"+
		"  checksum VARCHAR(128) NOT NULL DEFAULT '',\n"+
		"  applied_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),\n"+
		"  UNIQUE KEY uq_%[1]s_version (version)\n"+
		")", table)
}

func (m *MySQL) SplitOptions() migration.SplitOptions {
	return migration.SplitOptions{
		BackslashEscapes: true,
		HashComments:     true,
		Backticks:        true,
		DelimiterBlocks:  m.opts.delimiterMode(),
	}
}

// Rewrite applies the compatibility rewrites when enabled.
func (m *MySQL) Rewrite(stmt string) string {
	if !m.opts.MySQLCompat {
		return stmt
	}
	for _, r := range mysqlCompatRewrites {
		stmt = r.pattern.ReplaceAllString(stmt, r.replace)
	}
	return stmt
}

// Categorize maps server error numbers onto categories.
func (m *MySQL) Categorize(err error) migration.ErrorCategory {
	if err == nil {
		return migration.CategoryUnknown
	}
	if isConnectionError(err) || errors.Is(err, mysql.ErrInvalidConn) {
		return migration.CategoryConnection
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return migration.CategoryUnknown
	}
	if cat, ok := mysqlCategories[myErr.Number]; ok {
		return cat
	}
	return migration.CategoryUnknown
}

func isConnectionError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn)
}
