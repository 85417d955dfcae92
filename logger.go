package hnswstore

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with store-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogUpsert logs an upsert operation.
func (l *Logger) LogUpsert(ctx context.Context, id uint64, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "upsert completed",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogSave logs a snapshot save operation.
func (l *Logger) LogSave(ctx context.Context, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"bytes", size,
		)
	}
}

// LogRecovery logs a graph recovery at open time.
func (l *Logger) LogRecovery(ctx context.Context, records int, rebuilt bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"records", records,
			"error", err,
		)
	} else if rebuilt {
		l.InfoContext(ctx, "graph rebuilt from records",
			"records", records,
		)
	} else {
		l.InfoContext(ctx, "graph restored from snapshot",
			"records", records,
		)
	}
}

// LogReconcile logs a reconcile pass.
func (l *Logger) LogReconcile(ctx context.Context, orphans int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "reconcile failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "reconcile completed",
			"orphans", orphans,
		)
	}
}
