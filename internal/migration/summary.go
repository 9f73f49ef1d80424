package migration

import (
	"context"
	"log/slog"
	"time"
)

// Summary describes one run of the Runner.
type Summary struct {
	RunID          string
	Force          bool
	Pending        int
	Applied        int
	Failed         int
	NotAttempted   int // pending migrations left untouched after a strict halt
	Ignored        int
	Skipped        int
	Retried        int
	FailedVersions []string
	Duration       time.Duration
}

// OK reports whether every pending migration was applied.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.NotAttempted == 0
}

func (s *Summary) add(r Result) {
	s.Ignored += r.Ignored
	s.Skipped += r.Skipped
	s.Retried += r.Retried
}

// Log writes the summary as a single record. Runs with failures log at error
// level, runs that absorbed skips or retries at warn level.
func (s Summary) Log(ctx context.Context, logger *slog.Logger) {
	level := slog.LevelInfo
	switch {
	case !s.OK():
		level = slog.LevelError
	case s.Skipped > 0 || s.Retried > 0:
		level = slog.LevelWarn
	}

	attrs := []any{
		"run_id", s.RunID,
		"force", s.Force,
		"pending", s.Pending,
		"applied", s.Applied,
		"failed", s.Failed,
		"not_attempted", s.NotAttempted,
		"ignored", s.Ignored,
		"skipped", s.Skipped,
		"retried", s.Retried,
		"duration", s.Duration.String(),
	}
	if len(s.FailedVersions) > 0 {
		attrs = append(attrs, "failed_versions", s.FailedVersions)
	}
	logger.Log(ctx, level, "migration run finished", attrs...)
}
