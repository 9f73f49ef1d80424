package migration

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStateStore keeps the applied-migration ledger in a database table.
type SQLStateStore struct {
	db      Queryer
	dialect Dialect
	table   string
}

// NewSQLStateStore returns a store that keeps its records in table.
func NewSQLStateStore(db Queryer, d Dialect, table string) (*SQLStateStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid migrations table name %q", table)
	}
	return &SQLStateStore{db: db, dialect: d, table: table}, nil
}

// Table returns the name of the tracking table.
func (s *SQLStateStore) Table() string {
	return s.table
}

// EnsureTable creates the tracking table if it does not exist.
func (s *SQLStateStore) EnsureTable(ctx context.Context) error {
	query := s.dialect.CreateStateTable(s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return NewDatabaseError("", query, "create migrations table", err)
	}
	return nil
}

// Applied returns every recorded migration ordered by version.
func (s *SQLStateStore) Applied(ctx context.Context) ([]AppliedMigration, error) {
	query := fmt.Sprintf("SELECT version, name, checksum, applied_at FROM %s", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewDatabaseError("", query, "query applied migrations", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var (
			m  AppliedMigration
			at timeValue
		)
		if err := rows.Scan(&m.Version, &m.Name, &m.Checksum, &at); err != nil {
			return nil, NewDatabaseError("", query, "scan migration row", err)
		}
		m.AppliedAt = at.Time
		applied = append(applied, m)
	}
	if err := rows.Err(); err != nil {
		return nil, NewDatabaseError("", query, "iterate migration rows", err)
	}

	slices.SortFunc(applied, func(a, b AppliedMigration) int {
		return CompareVersions(a.Version, b.Version)
	})
	return applied, nil
}

// Record inserts m as applied using q, normally the migration's transaction.
func (s *SQLStateStore) Record(ctx context.Context, q Queryer, m Migration, appliedAt time.Time) error {
	query := s.dialect.Rebind(fmt.Sprintf(
		"INSERT INTO %s (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)", s.table))
	if _, err := q.ExecContext(ctx, query, m.Version, m.Name, m.Checksum, appliedAt.UTC()); err != nil {
		return NewDatabaseError(m.Version, query, "record migration", err)
	}
	return nil
}

// Delete removes the record for version.
func (s *SQLStateStore) Delete(ctx context.Context, version string) (bool, error) {
	query := s.dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE version = ?", s.table))
	res, err := s.db.ExecContext(ctx, query, version)
	if err != nil {
		return false, NewDatabaseError(version, query, "delete migration record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewDatabaseError(version, query, "delete migration record", err)
	}
	return n > 0, nil
}

// Reset removes every record.
func (s *SQLStateStore) Reset(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s", s.table)
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, NewDatabaseError("", query, "reset migrations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewDatabaseError("", query, "reset migrations", err)
	}
	return n, nil
}

// timeValue scans the timestamp shapes drivers return for applied_at.
type timeValue struct {
	Time time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("unsupported applied_at type %T", src)
}

func (t *timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	return fmt.Errorf("cannot parse applied_at %q", s)
}
