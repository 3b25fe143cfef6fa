package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"billingsync/internal/types"
)

// authPublicPaths lists URL paths that bypass bearer authentication. The
// Stripe webhook authenticates itself with a payload signature.
var authPublicPaths = map[string]bool{
	"/health":             true,
	"/metrics":            true,
	"/v1/config/status":   true,
	"/v1/webhooks/stripe": true,
}

// AuthMiddleware resolves the bearer token to a Principal and stores it in
// the request context. Failures answer 401 with one of:
//   - auth_token_missing: no Authorization header or an empty Bearer token.
//   - auth_token_invalid: the token does not verify.
//   - auth_token_expired: the token verified but has expired.
//
// CORS preflight requests and public paths pass through untouched. When no
// Authenticator is configured the middleware is a no-op.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || r.Method == http.MethodOptions || authPublicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		principal, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if principal == nil || principal.IsZero() {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithPrincipal(r.Context(), *principal)))
	})
}

// extractBearerToken returns the token from an "Bearer <token>" header value.
// The scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.WarnContext(r.Context(), "authentication failed: token expired",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	// Never echo unexpected resolver errors to the caller.
	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, newErrorResponse(r, code, message))
}
