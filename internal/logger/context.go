package logger

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the id used to correlate log lines across one API
// request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id from ctx, or "" when the request carries
// none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
