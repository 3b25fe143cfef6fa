// Package config defines the configuration structure for the billingsync API.
// Configuration is loaded once at process initialization (Lambda Cold Start) and is
// immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret references (Lowest)
//
// The billing provider key and the database URL are optional: when absent the
// process still starts and reports them through ConfigStatus, and the billing
// endpoints answer with internal_not_configured.
package config

import (
	"time"

	"billingsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billingsync-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Auth     AuthConfig
	Security SecurityConfig
	Events   EventsConfig
	Sweep    SweepConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// AppURL is the client application origin used to build checkout and
	// portal return URLs (no trailing slash).
	AppURL         string        `envconfig:"APP_URL" default:"http://localhost:3000" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// BillingConfig holds Stripe credentials and the price references the plan
// catalog is built from.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeBaseURL       string       `envconfig:"STRIPE_API_BASE_URL" default:"https://api.stripe.com" validate:"required,url"`
	Currency            string       `envconfig:"BILLING_CURRENCY" default:"usd" validate:"len=3"`

	CheckoutSuccessPath string `envconfig:"CHECKOUT_SUCCESS_PATH" default:"/billing?checkout=success"`
	CheckoutCancelPath  string `envconfig:"CHECKOUT_CANCEL_PATH" default:"/billing?checkout=cancelled"`
	PortalReturnPath    string `envconfig:"PORTAL_RETURN_PATH" default:"/billing"`

	Prices PriceConfig
}

// PriceConfig maps each paid plan and cycle to a Stripe price ID.
type PriceConfig struct {
	StandardMonthly   string `envconfig:"STRIPE_PRICE_STANDARD_MONTHLY" default:"price_standard_monthly" validate:"required"`
	StandardYearly    string `envconfig:"STRIPE_PRICE_STANDARD_YEARLY" default:"price_standard_yearly" validate:"required"`
	PremiumMonthly    string `envconfig:"STRIPE_PRICE_PREMIUM_MONTHLY" default:"price_premium_monthly" validate:"required"`
	PremiumYearly     string `envconfig:"STRIPE_PRICE_PREMIUM_YEARLY" default:"price_premium_yearly" validate:"required"`
	EnterpriseMonthly string `envconfig:"STRIPE_PRICE_ENTERPRISE_MONTHLY" default:"price_enterprise_monthly" validate:"required"`
	EnterpriseYearly  string `envconfig:"STRIPE_PRICE_ENTERPRISE_YEARLY" default:"price_enterprise_yearly" validate:"required"`
}

// DefaultPrices returns the placeholder price IDs used when none are
// configured.
func DefaultPrices() PriceConfig {
	return PriceConfig{
		StandardMonthly:   "price_standard_monthly",
		StandardYearly:    "price_standard_yearly",
		PremiumMonthly:    "price_premium_monthly",
		PremiumYearly:     "price_premium_yearly",
		EnterpriseMonthly: "price_enterprise_monthly",
		EnterpriseYearly:  "price_enterprise_yearly",
	}
}

// AuthConfig holds the bearer token verification settings. Tokens are issued
// by the external identity provider and signed with a shared HS256 secret.
type AuthConfig struct {
	JWTSecret SecretString  `envconfig:"AUTH_JWT_SECRET" validate:"required,min=32"`
	Issuer    string        `envconfig:"AUTH_JWT_ISSUER"`
	Audience  string        `envconfig:"AUTH_JWT_AUDIENCE"`
	Leeway    time.Duration `envconfig:"AUTH_JWT_LEEWAY" default:"30s"`
}

// SecurityConfig holds CORS settings and the per-principal request budget.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"API_RATE_LIMIT_PER_MINUTE" default:"60" validate:"min=1"`
	RateLimitBurst     int      `envconfig:"API_RATE_LIMIT_BURST" default:"10" validate:"min=1"`
}

// EventsConfig holds the optional subscription-change queue.
type EventsConfig struct {
	QueueURL    string `envconfig:"EVENTS_QUEUE_URL" validate:"omitempty,url"`
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SweepConfig tunes the scheduled maintenance function.
type SweepConfig struct {
	Staleness        time.Duration `envconfig:"SWEEP_STALENESS" default:"24h" validate:"min=1m"`
	BatchLimit       int           `envconfig:"SWEEP_BATCH_LIMIT" default:"50" validate:"min=1,max=1000"`
	HistoryRetention time.Duration `envconfig:"SWEEP_HISTORY_RETENTION" default:"720h"`
	LockTTL          time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"15m"`
	// MetricsNamespace enables CloudWatch drift metrics when set.
	MetricsNamespace string `envconfig:"SWEEP_METRICS_NAMESPACE"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// BillingConfigured reports whether a billing provider credential is present.
func (c *Config) BillingConfigured() bool {
	return c.Billing.StripeSecretKey.IsSet()
}

// StorageConfigured reports whether a database connection string is present.
func (c *Config) StorageConfigured() bool {
	return c.Database.URL.IsSet()
}

// Status returns the configuration side-channel payload.
func (c *Config) Status() types.ConfigStatus {
	return types.ConfigStatus{
		BillingConfigured: c.BillingConfigured(),
		StorageConfigured: c.StorageConfigured(),
	}
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSecretResolution indicates a failure when resolving a secret reference.
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
