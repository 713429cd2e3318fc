package auth

import (
	"context"

	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// principalKey is the context key for the resolved Principal.
	principalKey contextKey = "principal"
	// requestIDKey is the context key for the request correlation id.
	requestIDKey contextKey = "request_id"
)

// RequestMeta carries the transport-level facts the gate and the session
// governor need about the incoming call.
type RequestMeta struct {
	Token     string
	IP        string
	UserAgent string
	Country   string
	City      string
	RequestID string
}

// WithPrincipal stores the resolved principal in the context.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the resolved principal from the context.
// Returns nil and false if no principal is present.
func GetPrincipal(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*models.Principal)
	return p, ok
}

// WithRequestID stores the request correlation id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request correlation id, or "" if unset.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
