package bitsi

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with bitsi-specific context.
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
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, sampleID string, rank uint32, setBits int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"sample_id", sampleID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"sample_id", sampleID,
			"rank", rank,
			"set_bits", setBits,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, kmers, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"kmers", kmers,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"kmers", kmers,
			"results", resultsFound,
		)
	}
}

// LogSeal logs a seal operation.
func (l *Logger) LogSeal(ctx context.Context, version string, sampleCount uint32) {
	l.InfoContext(ctx, "index sealed",
		"version", version,
		"sample_count", sampleCount,
	)
}

// LogBuild logs a bulk build.
func (l *Logger) LogBuild(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"samples", count,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "build completed",
			"samples", count,
		)
	}
}
