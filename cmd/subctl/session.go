package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"billingsync/internal/auth"
	"billingsync/internal/billing"
	"billingsync/internal/cache"
	"billingsync/internal/gateway"
	"billingsync/internal/orchestrator"
	"billingsync/internal/types"
)

// redisCacheTTL expires cached records nobody reads anymore.
const redisCacheTTL = 30 * 24 * time.Hour

// tokenPrincipal names the signed-in user from the token's claims.
type tokenPrincipal struct {
	principal types.Principal
}

func (t tokenPrincipal) CurrentPrincipal() (types.Principal, bool) {
	return t.principal, !t.principal.IsZero()
}

// session bundles the collaborators of one command invocation.
type session struct {
	principal types.Principal
	gateway   *gateway.HTTPGateway
	store     cache.Store
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
	closers   []func() error
}

func (s *session) Close() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			s.logger.Warn("failed to release session resource", "error", err)
		}
	}
}

// openSession resolves the principal, opens the cache and loads it into a
// fresh orchestrator. withCatalog fetches the plan catalog from the server
// for commands that classify plan changes.
func openSession(c *cli.Context, withCatalog bool) (*session, error) {
	logger := newLogger(c.String("log-level"))

	token := c.String("token")
	if token == "" {
		return nil, fmt.Errorf("not signed in: pass --token or set BILLINGSYNC_TOKEN")
	}
	p, err := auth.PeekPrincipal(token)
	if err != nil {
		return nil, err
	}
	if p.IsZero() {
		return nil, fmt.Errorf("token does not name a user")
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL:   c.String("api-url"),
		Logger:    logger,
		UserAgent: "subctl/" + Version,
	}, gateway.StaticToken(token))
	if err != nil {
		return nil, err
	}

	s := &session{principal: p, gateway: gw, logger: logger}
	store, err := s.openStore(c)
	if err != nil {
		return nil, err
	}
	s.store = store

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if withCatalog {
		catalog, err := fetchCatalog(c.Context, gw)
		if err != nil {
			s.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithPrices(catalog))
	}

	s.orch = orchestrator.New(gw, store, tokenPrincipal{principal: p}, opts...)
	if _, err := s.orch.Load(c.Context); err != nil {
		logger.Warn("could not read subscription cache", "error", err)
	}
	return s, nil
}

func (s *session) openStore(c *cli.Context) (cache.Store, error) {
	switch backend := c.String("cache"); backend {
	case "file":
		path := c.String("cache-path")
		if path == "" {
			var err error
			if path, err = cache.DefaultPath("subscription"); err != nil {
				return nil, err
			}
		}
		return cache.NewFileStore(path), nil

	case "redis":
		opts, err := redis.ParseURL(c.String("redis-url"))
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		s.closers = append(s.closers, client.Close)
		return cache.NewRedisStore(client, cache.RedisConfig{
			Session: s.principal.ID,
			TTL:     redisCacheTTL,
		}), nil

	case "none":
		return cache.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func fetchCatalog(ctx context.Context, gw *gateway.HTTPGateway) (*billing.Catalog, error) {
	plans, err := gw.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading plans: %w", err)
	}
	return billing.NewCatalogFromPlans(plans)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
