// Package main is the entry point for the billingsync API server.
//
// It loads configuration, connects the optional database and billing
// provider, builds the HTTP server with the core chassis (middleware,
// routing, health checks) and starts serving.
//
// Outside Lambda it runs as a standard HTTP server on the configured port.
// Under the Lambda runtime it translates API Gateway HTTP API events into
// requests against the same router.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"billingsync/internal/api/handlers"
	"billingsync/internal/auth"
	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/core"
	"billingsync/internal/db"
	"billingsync/internal/external"
	"billingsync/internal/queue"
	"billingsync/internal/types"
)

// startupTimeout bounds database connection, migration and catalog checks.
const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billingsync API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"billing_configured", cfg.BillingConfigured(),
		"storage_configured", cfg.StorageConfigured(),
		"stripe_test_mode", types.IsTestKey(cfg.Billing.StripeSecretKey.Unmask()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires every component into a mounted core.Server. Missing
// optional backends leave their endpoints answering internal_not_configured.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	metrics := core.NewPromMetrics()
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()

	authenticator, err := auth.NewJWTAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("creating authenticator: %w", err)
	}
	srv.Authenticator = authenticator

	var pool *pgxpool.Pool
	if cfg.StorageConfigured() {
		pool, err = db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		srv.Closers = append(srv.Closers, pool.Close)
		srv.HealthProbes = append(srv.HealthProbes, core.NewProbe("database", pool.Ping))

		if cfg.Database.MigrateOnStart {
			if err := db.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrating database: %w", err)
			}
		}
	} else {
		logger.Warn("DATABASE_URL not set; subscription summaries will not be stored")
	}

	publisher, err := queue.New(ctx, cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("creating event publisher: %w", err)
	}

	catalog := billing.NewCatalog(cfg.Billing.Prices, cfg.Billing.Currency)

	var (
		reconciler *billing.Reconciler
		updater    *billing.Updater
	)
	if cfg.BillingConfigured() {
		stripe := external.NewStripeClient(
			&http.Client{Timeout: 20 * time.Second},
			external.StripeClientConfig{
				SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
				BaseURL:   cfg.Billing.StripeBaseURL,
				Logger:    logger,
			},
			external.WithCallObserver(metrics.ObserveProviderCall),
		)

		if problems, err := billing.VerifyCatalog(ctx, stripe, catalog, logger); err != nil {
			logger.Warn("could not verify plan catalog against Stripe", "error", err)
		} else if len(problems) > 0 {
			logger.Warn("plan catalog does not match Stripe", "problems", len(problems))
		}

		var (
			summaries    *db.SubscriptionSummaryRepo
			summaryStore billing.SummaryStore
			portals      billing.PortalConfigStore
		)
		if pool != nil {
			summaries = db.NewSubscriptionSummaryRepo(pool, logger)
			summaryStore = summaries
			portals = db.NewPortalConfigRepo(pool)
		}

		redirects := billing.NewRedirects(cfg.Server.AppURL,
			cfg.Billing.CheckoutSuccessPath,
			cfg.Billing.CheckoutCancelPath,
			cfg.Billing.PortalReturnPath,
		)
		portal := billing.NewPortalManager(stripe, portals,
			billing.DefaultPortalFeatures(cfg.Server.AppURL+cfg.Billing.PortalReturnPath), logger)

		reconciler = billing.NewReconciler(stripe, catalog, summaryStore, logger, billing.WithRecorder(metrics))
		updater = billing.NewUpdater(billing.UpdaterDeps{
			Stripe:     stripe,
			Catalog:    catalog,
			Reconciler: reconciler,
			Portal:     portal,
			Events:     publisher,
			Metrics:    metrics,
			Redirects:  redirects,
			Logger:     logger,
		})

		if summaries != nil && cfg.Billing.StripeWebhookSecret.IsSet() {
			webhook := handlers.NewStripeWebhookHandler(summaries, reconciler,
				cfg.Billing.StripeWebhookSecret.Unmask(), logger)
			srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhook.RegisterRoutes)
		}
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; billing endpoints will report internal_not_configured")
	}

	billingHandler := newBillingHandler(reconciler, updater, catalog, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}

// newBillingHandler keeps typed-nil pointers out of the handler's interfaces
// so an unconfigured provider is detected as nil.
func newBillingHandler(
	reconciler *billing.Reconciler,
	updater *billing.Updater,
	catalog *billing.Catalog,
	v *core.Validator,
	logger *slog.Logger,
) *handlers.BillingHandler {
	var (
		rec handlers.SubscriptionReconciler
		mut handlers.SubscriptionMutator
	)
	if reconciler != nil {
		rec = reconciler
	}
	if updater != nil {
		mut = updater
	}
	return handlers.NewBillingHandler(rec, mut, catalog, v, logger)
}

// isLambdaEnvironment reports whether the process runs under the Lambda runtime.
func isLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" || os.Getenv("_LAMBDA_SERVER_PORT") != ""
}

// runHTTPServer starts a standard HTTP server with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
