package testfixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/dbmigrate/internal/migration"
)

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// WriteMigrations writes files (name -> body) into a fresh temporary
// directory and returns its path.
func WriteMigrations(tb testing.TB, files map[string]string) string {
	tb.Helper()

	dir := tb.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			tb.Fatalf("failed to write migration %s: %v", name, err)
		}
	}
	return dir
}

// MigrationOption configures a generated migration.
type MigrationOption func(*migration.Migration)

// NewMigration returns an in-memory migration whose checksum matches body.
func NewMigration(version, body string, opts ...MigrationOption) migration.Migration {
	m := migration.Migration{
		Version:  version,
		Name:     fmt.Sprintf("migration %s", version),
		Body:     body,
		FilePath: fmt.Sprintf("%s_fixture.sql", version),
		Checksum: migration.Checksum(body),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithMigrationName overrides the generated name.
func WithMigrationName(name string) MigrationOption {
	return func(m *migration.Migration) {
		m.Name = name
	}
}
