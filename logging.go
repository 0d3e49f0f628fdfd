package filecache

import (
	"context"
	"log/slog"
	"os"
)

// LogConfig holds configuration for the cache logger.
type LogConfig struct {
	// Level sets the minimum log level.
	Level slog.Level
	// AddSource includes file and line information in log records.
	AddSource bool
}

// Logger provides structured logging for the cache engine. The zero-value
// semantics of a nil *Logger are not supported; use NewNopLogger to discard
// output.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a text logger writing to stderr with the given
// configuration.
func NewLogger(config LogConfig) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	})
	return &Logger{logger: slog.New(handler)}
}

// NewSlogLogger wraps an existing slog logger, letting callers plug the
// cache into their own logging setup.
func NewSlogLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() *Logger {
	return &Logger{logger: slog.New(slog.DiscardHandler)}
}

// Debug logs debug-level messages.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

// Info logs info-level messages.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

// Warn logs warning-level messages.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

// Error logs error-level messages.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

// With returns a logger with additional context fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

// WithOperation returns a logger with operation context.
func (l *Logger) WithOperation(operation string) *Logger {
	return l.With("operation", operation)
}

// WithScope returns a logger with scope context.
func (l *Logger) WithScope(scope string) *Logger {
	return l.With("scope", scope)
}
