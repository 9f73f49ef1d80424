package migration

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Pattern matches: {version}_{description}.sql
var migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_-]+)\.sql$`)

// FileScanner loads migration definitions from a directory tree.
type FileScanner struct {
	fsys fs.FS // nil means the OS filesystem
}

// NewFileScanner creates a FileScanner that reads from the OS filesystem.
func NewFileScanner() *FileScanner {
	return &FileScanner{}
}

// NewFSScanner creates a FileScanner over fsys, e.g. an embed.FS.
func NewFSScanner(fsys fs.FS) *FileScanner {
	return &FileScanner{fsys: fsys}
}

func (s *FileScanner) open(dir string) (fs.FS, string) {
	if s.fsys != nil {
		return s.fsys, path.Clean(dir)
	}
	return os.DirFS(dir), "."
}

// ScanMigrations scans the migration directory for migration files and returns
// them in ascending version order. Listing order does not matter.
func (s *FileScanner) ScanMigrations(migrationDir string) ([]Migration, error) {
	fsys, root := s.open(migrationDir)

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewFileSystemError(migrationDir, "scan directory", fmt.Errorf("migration directory does not exist"))
		}
		return nil, NewFileSystemError(migrationDir, "read directory", err)
	}

	var migrations []Migration
	versionMap := make(map[string]string) // normalized version -> filename

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		if err := ValidateFileName(entry.Name()); err != nil {
			return nil, NewMigrationError("", entry.Name(), "validate filename", err)
		}

		body, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return nil, NewFileSystemError(path.Join(migrationDir, entry.Name()), "read file", err)
		}

		m, err := ParseMigration(path.Join(migrationDir, entry.Name()), string(body))
		if err != nil {
			return nil, err
		}

		key := normalizeVersion(m.Version)
		if existingFile, exists := versionMap[key]; exists {
			return nil, NewMigrationError(m.Version, entry.Name(), "check duplicates",
				fmt.Errorf("%w: version %s found in both %s and %s",
					ErrDuplicateVersion, m.Version, existingFile, entry.Name()))
		}
		versionMap[key] = entry.Name()

		migrations = append(migrations, m)
	}

	SortMigrations(migrations)
	return migrations, nil
}

// ValidateFileName checks if migration file follows naming convention
func ValidateFileName(filename string) error {
	matches := migrationFilePattern.FindStringSubmatch(filename)
	if matches == nil {
		return fmt.Errorf("%w: filename '%s' does not match pattern '{version}_{description}.sql'",
			ErrInvalidMigrationFile, filename)
	}

	if _, err := strconv.ParseUint(matches[1], 10, 64); err != nil {
		return fmt.Errorf("%w: version '%s' in filename '%s' is not a valid number",
			ErrInvalidVersion, matches[1], filename)
	}

	if strings.Trim(matches[2], "_-") == "" {
		return fmt.Errorf("%w: description in filename '%s' cannot be empty",
			ErrInvalidMigrationFile, filename)
	}

	return nil
}

// ParseMigration builds a Migration from a file path and its contents.
func ParseMigration(filePath, body string) (Migration, error) {
	filename := path.Base(filePath)
	if err := ValidateFileName(filename); err != nil {
		return Migration{}, NewMigrationError("", filePath, "validate filename", err)
	}
	matches := migrationFilePattern.FindStringSubmatch(filename)
	version := matches[1]

	if strings.TrimSpace(body) == "" {
		return Migration{}, NewMigrationError(version, filePath, "validate content",
			fmt.Errorf("%w: migration file is empty", ErrInvalidMigrationFile))
	}

	name := descriptionFromContent(body)
	if name == "" {
		name = strings.ReplaceAll(matches[2], "_", " ")
	}

	return Migration{
		Version:  version,
		Name:     name,
		Body:     body,
		FilePath: filePath,
		Checksum: Checksum(body),
	}, nil
}

// descriptionFromContent returns the text of a "-- Description:" line in the
// file's leading comment block.
func descriptionFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if desc, ok := strings.CutPrefix(line, "-- Description:"); ok {
			if desc = strings.TrimSpace(desc); desc != "" {
				return desc
			}
		}
	}
	return ""
}

// Checksum returns the hex BLAKE2b-256 digest of a migration body.
func Checksum(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// SortMigrations orders migrations by version.
func SortMigrations(migrations []Migration) {
	slices.SortStableFunc(migrations, func(a, b Migration) int {
		return CompareVersions(a.Version, b.Version)
	})
}

// CompareVersions orders two versions numerically when both are numeric and
// lexicographically otherwise.
func CompareVersions(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return strings.Compare(a, b)
	}
	return strings.Compare(a, b)
}

// normalizeVersion makes "1" and "001" collide.
func normalizeVersion(v string) string {
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return v
}
