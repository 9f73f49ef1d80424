package migration

import (
	"errors"
	"fmt"
)

// Migration-specific error types for different failure scenarios
var (
	// ErrMigrationFailed indicates that a migration execution failed
	ErrMigrationFailed = errors.New("migration execution failed")

	// ErrInvalidMigrationFile indicates that a migration file is malformed or invalid
	ErrInvalidMigrationFile = errors.New("invalid migration file format")

	// ErrMigrationNotFound indicates that a required migration file was not found
	ErrMigrationNotFound = errors.New("migration file not found")

	// ErrInvalidVersion indicates that a migration version is invalid or malformed
	ErrInvalidVersion = errors.New("invalid migration version")

	// ErrDuplicateVersion indicates that multiple migrations have the same version
	ErrDuplicateVersion = errors.New("duplicate migration version")

	// ErrUnknownAppliedVersion indicates a recorded version has no migration file
	ErrUnknownAppliedVersion = errors.New("applied migration missing from repository")

	// ErrUnbalancedScript indicates a quoted literal or block comment was
	// still open at the end of a script
	ErrUnbalancedScript = errors.New("unbalanced migration script")

	// ErrMultipleCheckpoints indicates a script declares more than one checkpoint
	ErrMultipleCheckpoints = errors.New("migration declares more than one checkpoint")
)

// MigrationError wraps migration-specific errors with additional context
type MigrationError struct {
	Version   string // Migration version that caused the error
	FilePath  string // Path to the migration file
	Operation string // Operation being performed (scan, execute, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *MigrationError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("migration %s (%s): %s: %v", e.Version, e.FilePath, e.Operation, e.Err)
	}
	return fmt.Sprintf("migration error (%s): %s: %v", e.FilePath, e.Operation, e.Err)
}

// Unwrap returns the underlying error for error unwrapping
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// NewMigrationError creates a new MigrationError with context
func NewMigrationError(version, filePath, operation string, err error) *MigrationError {
	return &MigrationError{
		Version:   version,
		FilePath:  filePath,
		Operation: operation,
		Err:       err,
	}
}

// FileSystemError wraps file system related errors during migration operations
type FileSystemError struct {
	Path      string // File or directory path
	Operation string // File operation (read, scan, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// NewFileSystemError creates a new FileSystemError
func NewFileSystemError(path, operation string, err error) *FileSystemError {
	return &FileSystemError{
		Path:      path,
		Operation: operation,
		Err:       err,
	}
}

// DatabaseError wraps database-related errors during migration operations
type DatabaseError struct {
	Version   string // Migration version (if applicable)
	Query     string // SQL query that failed (if applicable)
	Operation string // Database operation (execute, query, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("database error in migration %s during %s: %v", e.Version, e.Operation, e.Err)
	}
	return fmt.Sprintf("database error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError creates a new DatabaseError
func NewDatabaseError(version, query, operation string, err error) *DatabaseError {
	return &DatabaseError{
		Version:   version,
		Query:     query,
		Operation: operation,
		Err:       err,
	}
}

// StatementError reports the statement that made a migration fail.
type StatementError struct {
	Version   string
	Index     int // 1-based position in the migration
	Statement string
	Category  ErrorCategory
	Err       error
}

// Error implements the error interface
func (e *StatementError) Error() string {
	return fmt.Sprintf("migration %s statement %d (%s): %v", e.Version, e.Index, e.Category, e.Err)
}

// Unwrap exposes both the migration failure sentinel and the driver error.
func (e *StatementError) Unwrap() []error {
	return []error{ErrMigrationFailed, e.Err}
}

// ErrorKind maps sentinel and typed errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var stmtErr *StatementError
	if errors.As(err, &stmtErr) {
		return "statement_" + stmtErr.Category.String()
	}
	switch {
	case errors.Is(err, ErrUnbalancedScript):
		return "unbalanced_script"
	case errors.Is(err, ErrMultipleCheckpoints):
		return "multiple_checkpoints"
	case errors.Is(err, ErrDuplicateVersion):
		return "duplicate_version"
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrInvalidMigrationFile):
		return "invalid_file"
	case errors.Is(err, ErrUnknownAppliedVersion):
		return "unknown_applied_version"
	case errors.Is(err, ErrMigrationNotFound):
		return "not_found"
	case errors.Is(err, ErrMigrationFailed):
		return "migration_failed"
	}
	var fsErr *FileSystemError
	if errors.As(err, &fsErr) {
		return "filesystem"
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return "database"
	}
	return "unknown"
}
