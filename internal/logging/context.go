package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the key used to store and retrieve correlation IDs from context
	CorrelationIDKey ContextKey = "correlation_id"

	// FailoverEventIDKey carries the failover event ID across component calls
	// so that logs from the race controller and standby manager can be tied
	// back to the failover that triggered them.
	FailoverEventIDKey ContextKey = "failover_event_id"
)

// WithCorrelationID returns a new context with the correlation ID set
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithFailoverEventID returns a new context carrying the failover event ID.
func WithFailoverEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, FailoverEventIDKey, eventID)
}

// NewCorrelationID generates a new correlation ID if one doesn't exist
// and returns a context with the correlation ID set
func NewCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetFailoverEventID retrieves the failover event ID from the context.
func GetFailoverEventID(ctx context.Context) string {
	if id, ok := ctx.Value(FailoverEventIDKey).(string); ok {
		return id
	}
	return ""
}

// EnrichLoggerWithContext creates a new logger with correlation ID and
// failover event ID fields added from the context
func EnrichLoggerWithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	contextFields := []zapcore.Field{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		contextFields = append(contextFields, zap.String("correlation_id", correlationID))
	}

	if eventID := GetFailoverEventID(ctx); eventID != "" {
		contextFields = append(contextFields, zap.String("failover_event_id", eventID))
	}

	if len(contextFields) > 0 {
		return logger.With(contextFields...)
	}

	return logger
}
