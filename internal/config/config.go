// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/errandly/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Enables Idempotency-Key replay when set

	// Secrets
	AdminSecret string // X-Admin-Secret for admin routes
	SweepSecret string // X-Sweep-Token for the auto-release trigger

	// Marketplace rules
	SelectionWindow   time.Duration // Worker accept/decline window
	JobTTL            time.Duration // How long an unassigned job stays open
	DefaultGraceHours int           // Grace period of the bootstrap auto-release rule
	MinWithdrawal     string        // Smallest withdrawal accepted, in NGN

	// Background loops (0 disables the in-process loop)
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	// Payment gateway
	GatewayProvider     string // "memory", "paystack" or "stripe"
	PaystackSecretKey   string
	PaystackBaseURL     string
	StripeSecretKey     string
	StripeWebhookSecret string

	// Idempotency cache TTL
	IdempotencyTTL time.Duration

	// HTTP edge
	CORSOrigins        []string // Empty allows any origin
	RateLimitPerMinute int      // Per caller; 0 disables rate limiting

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultSelectionWindow   = 60 * time.Minute
	DefaultJobTTL            = 7 * 24 * time.Hour
	DefaultGraceHours        = 72
	DefaultMinWithdrawal     = "1000"
	DefaultSweepInterval     = 15 * time.Minute
	DefaultReconcileInterval = time.Hour
	DefaultGatewayProvider   = "memory"
	DefaultPaystackBaseURL   = "https://api.paystack.co/"
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultRateLimit         = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		SweepSecret:         os.Getenv("SWEEP_SECRET"),
		SelectionWindow:     getEnvDuration("SELECTION_WINDOW", DefaultSelectionWindow),
		JobTTL:              getEnvDuration("JOB_TTL", DefaultJobTTL),
		DefaultGraceHours:   int(getEnvInt64("AUTO_RELEASE_GRACE_HOURS", DefaultGraceHours)),
		MinWithdrawal:       getEnv("MIN_WITHDRAWAL", DefaultMinWithdrawal),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		GatewayProvider:     getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider),
		PaystackSecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SelectionWindow <= 0 {
		return fmt.Errorf("SELECTION_WINDOW must be positive")
	}
	if c.DefaultGraceHours <= 0 {
		return fmt.Errorf("AUTO_RELEASE_GRACE_HOURS must be positive")
	}
	if _, err := money.ParsePositive(c.MinWithdrawal); err != nil {
		return fmt.Errorf("MIN_WITHDRAWAL must be a positive amount: %w", err)
	}

	switch c.GatewayProvider {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_PROVIDER=memory is not allowed in production")
		}
	case "paystack":
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required for the paystack gateway")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_PROVIDER %q", c.GatewayProvider)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.SweepSecret == "" {
			return fmt.Errorf("SWEEP_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90m", "1h30m") and "0" to disable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if value == "0" {
			return 0
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
