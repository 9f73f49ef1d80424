package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/dbmigrate/internal/testfixtures"
)

var configKeys = []string{
	"DB_DRIVER", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_PARAMS",
	"MIGRATIONS_DIR", "MIGRATIONS_TABLE",
	"MIGRATE_FORCE", "MIGRATE_STRIP_DELIMITER_BLOCKS", "MIGRATE_MYSQL_COMPAT",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_IDLE_TIME", "DB_CONN_MAX_LIFETIME", "DB_LEAK_THRESHOLD",
	"LOG_LEVEL", "LOG_FORMAT",
}

// sqliteEnv points the command at a fresh SQLite database and a migration
// directory holding files.
func sqliteEnv(t *testing.T, files map[string]string) string {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("failed to unset %s: %v", key, err)
		}
	}

	dbPath := filepath.Join(t.TempDir(), "app.db")
	dir := testfixtures.WriteMigrations(t, files)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_NAME", dbPath)
	t.Setenv("MIGRATIONS_DIR", dir)
	t.Setenv("DB_MAX_OPEN_CONNS", "1")
	t.Setenv("DB_MAX_IDLE_CONNS", "1")
	t.Setenv("LOG_LEVEL", "warn")
	return dir
}

func runCommand(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_UpIsTheDefaultCommand(t *testing.T) {
	sqliteEnv(t, map[string]string{
		"001_initial_schema.sql": "-- Description: Create users\nCREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT);",
		"002_add_rooms.sql":      "CREATE TABLE rooms (id INTEGER PRIMARY KEY);\nCREATE TABLE users (id INTEGER PRIMARY KEY);",
	})

	code, stdout, stderr := runCommand(t)
	if code != exitOK {
		t.Fatalf("expected exit %d, got %d: %s", exitOK, code, stderr)
	}
	if !strings.Contains(stdout, "Applied 2 of 2 pending migrations (ignored 1") {
		t.Fatalf("unexpected output: %q", stdout)
	}

	code, stdout, _ = runCommand(t, "up")
	if code != exitOK || !strings.Contains(stdout, "Applied 0 of 0 pending migrations") {
		t.Fatalf("second run should be a no-op, got %d: %q", code, stdout)
	}
}

func TestRun_UpFailureExitCode(t *testing.T) {
	sqliteEnv(t, map[string]string{
		"001_ok.sql":     "CREATE TABLE a (id INTEGER);",
		"002_broken.sql": "CREATE TABEL b (id INTEGER);",
		"003_later.sql":  "CREATE TABLE c (id INTEGER);",
	})

	code, stdout, stderr := runCommand(t, "up")
	if code != exitFailure {
		t.Fatalf("expected exit %d, got %d", exitFailure, code)
	}
	if !strings.Contains(stdout, "Applied 1 of 3") {
		t.Fatalf("unexpected output: %q", stdout)
	}
	if !strings.Contains(stderr, "Migration run failed") || !strings.Contains(stderr, "1 migrations were not attempted") {
		t.Fatalf("unexpected error output: %q", stderr)
	}

	code, stdout, _ = runCommand(t, "up", "-force")
	if code != exitFailure {
		t.Fatalf("force run still reports the failure, got %d", code)
	}
	if !strings.Contains(stdout, "Applied 1 of 2") {
		t.Fatalf("force mode should apply 003, got %q", stdout)
	}
}

func TestRun_Status(t *testing.T) {
	sqliteEnv(t, map[string]string{
		"001_initial_schema.sql": "-- Description: Create users\nCREATE TABLE users (id INTEGER PRIMARY KEY);",
	})
	if code, _, stderr := runCommand(t, "up"); code != exitOK {
		t.Fatalf("up failed: %s", stderr)
	}

	dir := os.Getenv("MIGRATIONS_DIR")
	if err := os.WriteFile(filepath.Join(dir, "002_add_rooms.sql"), []byte("CREATE TABLE rooms (id INTEGER);"), 0o644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	code, stdout, stderr := runCommand(t, "status")
	if code != exitOK {
		t.Fatalf("status failed: %s", stderr)
	}
	for _, want := range []string{"Current version: 001", "VERSION", "applied", "Create users", "pending", "add rooms", "1 applied, 1 pending"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output missing %q:\n%s", want, stdout)
		}
	}
}

func TestRun_ResetRequiresConfirmation(t *testing.T) {
	sqliteEnv(t, map[string]string{"001_a.sql": "CREATE TABLE a (id INTEGER);"})
	if code, _, _ := runCommand(t, "up"); code != exitOK {
		t.Fatal("up failed")
	}

	if code, _, stderr := runCommand(t, "reset"); code != exitUsage || !strings.Contains(stderr, "-confirm") {
		t.Fatalf("expected usage error, got %d: %q", code, stderr)
	}

	code, stdout, stderr := runCommand(t, "reset", "-confirm")
	if code != exitOK {
		t.Fatalf("reset failed: %s", stderr)
	}
	if !strings.Contains(stdout, "Deleted 1 migration records") {
		t.Fatalf("unexpected output: %q", stdout)
	}

	// The table already exists; the re-run absorbs the duplicate and records 001 again.
	code, stdout, _ = runCommand(t, "up")
	if code != exitOK || !strings.Contains(stdout, "Applied 1 of 1") {
		t.Fatalf("unexpected re-run result %d: %q", code, stdout)
	}
}

func TestRun_Redo(t *testing.T) {
	sqliteEnv(t, map[string]string{
		"001_counters.sql": "CREATE TABLE counters (n INTEGER);",
		"002_bump.sql":     "INSERT INTO counters (n) VALUES (1);",
	})
	if code, _, _ := runCommand(t, "up"); code != exitOK {
		t.Fatal("up failed")
	}

	if code, _, _ := runCommand(t, "redo"); code != exitUsage {
		t.Fatalf("redo without a version should be a usage error, got %d", code)
	}

	code, stdout, stderr := runCommand(t, "redo", "002")
	if code != exitOK {
		t.Fatalf("redo failed: %s", stderr)
	}
	if !strings.Contains(stdout, "Re-applied 002") {
		t.Fatalf("unexpected output: %q", stdout)
	}

	if code, _, stderr := runCommand(t, "redo", "099"); code != exitFailure || !strings.Contains(stderr, "not found") {
		t.Fatalf("expected failure for unknown version, got %d: %q", code, stderr)
	}
}

func TestRun_ConfigurationErrors(t *testing.T) {
	sqliteEnv(t, nil)
	t.Setenv("DB_NAME", "")
	if err := os.Unsetenv("DB_NAME"); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCommand(t, "up")
	if code != exitUsage {
		t.Fatalf("expected exit %d, got %d", exitUsage, code)
	}
	if !strings.Contains(stderr, "DB_NAME") {
		t.Fatalf("error should name the missing variable: %q", stderr)
	}

	if code, _, _ := runCommand(t, "up", "-bogus"); code != exitUsage {
		t.Fatalf("unknown flag should be a usage error, got %d", code)
	}
}

func TestRun_DirFlagOverridesEnvironment(t *testing.T) {
	sqliteEnv(t, nil)
	other := testfixtures.WriteMigrations(t, map[string]string{"001_a.sql": "CREATE TABLE a (id INTEGER);"})

	code, stdout, stderr := runCommand(t, "up", "-dir", other)
	if code != exitOK {
		t.Fatalf("up failed: %s", stderr)
	}
	if !strings.Contains(stdout, "Applied 1 of 1") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestRun_LogsPoolSettings(t *testing.T) {
	sqliteEnv(t, map[string]string{"001_a.sql": "CREATE TABLE a (id INTEGER);"})
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DB_LEAK_THRESHOLD", "45s")

	code, _, stderr := runCommand(t, "up")
	if code != exitOK {
		t.Fatalf("up failed: %s", stderr)
	}
	for _, want := range []string{`"msg":"connected to database"`, `"max_open_conns":1`, `"leak_threshold":"45s"`} {
		if !strings.Contains(stderr, want) {
			t.Errorf("log output missing %s:\n%s", want, stderr)
		}
	}
	if strings.Contains(stderr, "connection still held at exit") {
		t.Errorf("no lease should outlive the command:\n%s", stderr)
	}
}
