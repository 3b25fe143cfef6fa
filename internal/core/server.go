// Package core provides the API chassis for billingsync.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda HTTP API events. It enforces cross-cutting concerns --
// security, logging, observability, and error handling -- before requests
// reach the billing handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/config"
)

// Server encapsulates all dependencies for the API, allowing for easy
// injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator // Resolves tokens to Principals; injected for testability.
	Limiter       *PrincipalLimiter
	HealthProbes  []HealthProbe

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount domain handlers under /v1. Populated by main to
	// avoid import cycles between core and the handler packages.
	V1RouteRegistrars []func(chi.Router)

	// PublicRouteRegistrars mount /v1 routes that bypass bearer authentication,
	// such as provider event delivery that carries its own signature.
	PublicRouteRegistrars []func(chi.Router)

	// Closers are released in order on Shutdown.
	Closers []func()

	// Internal router
	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Limiter:   NewPrincipalLimiter(cfg.Security.RateLimitPerMinute, cfg.Security.RateLimitBurst),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.Server (local) and the Lambda adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server resources: the limiter
// sweeper stops and registered closers (database pool, publishers) run in
// order.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	if s.Limiter != nil {
		s.Limiter.Stop()
	}
	for _, closeFn := range s.Closers {
		closeFn()
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
