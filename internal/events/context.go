package events

import (
	"context"
	"os"
)

type contextKey int

const (
	loggerKey contextKey = iota
	correlationIDKey
	userIDKey
)

var defaultLogger = NewTestLogger(InfoLevel, "text", os.Stderr)

// FromContext extracts the logger from context, falling back to a default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithCorrelationID tags the context and its logger with a correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("correlation_id", id)
	ctx = context.WithValue(ctx, correlationIDKey, id)
	return WithLogger(ctx, logger)
}

// CorrelationID retrieves the correlation id from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID tags the context with the acting user.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID retrieves the acting user id from context.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
