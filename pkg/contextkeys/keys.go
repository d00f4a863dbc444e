// Package contextkeys defines every context key creditd stores request
// values under, so packages that cannot import each other agree on them.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey holds the request id string, set by
	// httputil.RequestIDMiddleware and echoed in X-Request-ID
	RequestIDKey Key = "request_id"

	// AccountIDKey holds the calling account id, set by
	// middleware.AccountIdentity from the gateway header. The admit, settle
	// and account routes refuse requests without it.
	AccountIDKey Key = "account_id"

	// LoggerKey holds the request's *observability.Logger
	LoggerKey Key = "logger"
)

func stringValue(ctx context.Context, key Key) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the request ID, or "" outside a request
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// WithAccountID adds the calling account ID to the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// GetAccountID returns the calling account ID, or "" when none was asserted
func GetAccountID(ctx context.Context) string {
	return stringValue(ctx, AccountIDKey)
}

// WithLogger adds a logger to the context. Typed accessors live in the
// observability package, which owns the logger type.
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}
