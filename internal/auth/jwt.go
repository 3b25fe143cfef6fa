// Package auth verifies the bearer tokens issued by the external identity
// provider and turns them into a types.Principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// Claims is the token payload. The subject is the principal ID.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator resolves HS256-signed bearer tokens.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// Option configures a JWTAuthenticator.
type Option func(*JWTAuthenticator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *JWTAuthenticator) {
		a.now = now
	}
}

// NewJWTAuthenticator creates a JWTAuthenticator from the auth configuration.
func NewJWTAuthenticator(cfg config.AuthConfig, opts ...Option) (*JWTAuthenticator, error) {
	if !cfg.JWTSecret.IsSet() {
		return nil, fmt.Errorf("auth: JWT secret is required")
	}
	a := &JWTAuthenticator{
		secret:   []byte(cfg.JWTSecret.Unmask()),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ResolveToken validates the signature, expiry, issuer and audience of token
// and returns the principal it names. Expired tokens are reported with
// auth_token_expired so clients can refresh instead of signing out.
func (a *JWTAuthenticator) ResolveToken(_ context.Context, token string) (*types.Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", err)
	}

	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}

	return &types.Principal{
		ID:    claims.Subject,
		Email: claims.Email,
		Roles: claims.Roles,
	}, nil
}

// Issue signs a token for p valid for ttl. The API never issues tokens for
// real users; this backs local development and tests.
func (a *JWTAuthenticator) Issue(p types.Principal, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Email: p.Email,
		Roles: p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// PeekPrincipal reads the principal from a token without verifying it. Clients
// use it to detect principal changes; it must never gate access.
func PeekPrincipal(token string) (types.Principal, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return types.Principal{}, fmt.Errorf("auth: parse token: %w", err)
	}
	return types.Principal{ID: claims.Subject, Email: claims.Email, Roles: claims.Roles}, nil
}
