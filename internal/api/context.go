package api

import (
	"context"

	"oauthfed/internal/audit"
	"oauthfed/internal/observability"
)

// WithRequestID stores the request ID in the context. The id is shared with
// the observability package so component loggers and audit events see it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return observability.WithRequestID(ctx, requestID)
}

// RequestIDFromContext retrieves the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return observability.RequestIDFromContext(ctx)
}

// ClientIPFromContext returns the caller address recorded by
// ClientIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return audit.ClientIPFromContext(ctx)
}
