package docindex

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/docindex/model"
)

// Logger wraps slog.Logger with partition-specific helpers.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithPartition adds the primary directory and schema to the logger.
func (l *Logger) WithPartition(dir string, schema model.Schema) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", dir, "schema", schema.Name),
	}
}

// LogOpen logs the outcome of opening a partition.
func (l *Logger) LogOpen(ctx context.Context, target model.VersionID, status OpenStatus, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"target", target,
			"status", status,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "open completed",
		"target", target,
	)
}

// LogReopen logs a reopen together with the path the decider chose.
func (l *Logger) LogReopen(ctx context.Context, decision string, target model.VersionID, status OpenStatus, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "reopen failed",
			"decision", decision,
			"target", target,
			"status", status,
			"duration", duration,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "reopen completed",
		"decision", decision,
		"target", target,
		"duration", duration,
	)
}

// LogDump logs a dump request.
func (l *Logger) LogDump(ctx context.Context, dumped bool, duration time.Duration, err error) {
	switch {
	case err != nil:
		l.ErrorContext(ctx, "dump failed",
			"duration", duration,
			"error", err,
		)
	case !dumped:
		l.DebugContext(ctx, "dump deferred",
			"duration", duration,
		)
	default:
		l.DebugContext(ctx, "dump completed",
			"duration", duration,
		)
	}
}

// LogClean logs a cleaner run.
func (l *Logger) LogClean(ctx context.Context, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "clean failed",
			"removed", removed,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "clean completed",
		"removed", removed,
	)
}
