package types

import (
	"context"
	"strings"
)

// Principal is the authenticated identity making a request. The identity
// provider issues it; this system only reads it.
type Principal struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

// IsZero reports whether no principal is present.
func (p Principal) IsZero() bool {
	return p.ID == ""
}

// Context Keys
type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

// WithPrincipal stores the Principal in the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && !p.IsZero()
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// IsTestKey reports whether a Stripe secret key is a test-mode key.
func IsTestKey(key string) bool {
	return strings.HasPrefix(key, "sk_test_")
}
