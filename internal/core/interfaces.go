package core

import (
	"context"
	"time"

	"billingsync/internal/types"
)

// Authenticator decouples the HTTP layer from the token format, allowing for
// easy mocking in tests.
type Authenticator interface {
	// ResolveToken verifies a bearer token and returns the Principal it names.
	//
	// Distinct Error Codes:
	// - Return ErrCodeAuthTokenInvalid if the token is malformed or its
	//   signature, issuer or audience does not verify.
	// - Return ErrCodeAuthTokenExpired if the token verifies but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Principal, error)
}

// MetricsCollector defines the interface for recording API telemetry.
type MetricsCollector interface {
	// RecordRequest records API request latency and count. endpoint is the
	// matched route pattern, never the raw path.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}
