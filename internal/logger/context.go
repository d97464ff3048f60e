package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	threadIDKey  contextKey = "thread_id"
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithThreadID returns a new context carrying the workflow thread ID, so
// every log line inside a drive loop can be correlated to its run.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadID extracts the workflow thread ID from the context.
func ThreadID(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}
