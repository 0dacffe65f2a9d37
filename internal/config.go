package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/DukeRupert/replyflow/internal/domain"
	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// DatabaseDriver selects the store: "postgres" or "sqlite".
	// For sqlite, DatabaseUrl is a file path.
	DatabaseDriver string

	// Stripe webhook signing secret (whsec_...). Required outside
	// development; in development an empty secret makes the webhook
	// receiver answer 503.
	StripeWebhookSecret string

	// Shared secret the request-handling layer presents on /internal routes.
	InternalAPIToken string

	// Plan caps. A negative monthly limit means unlimited.
	FreeMonthlyActionLimit int
	FreeDailyPostCap       int
	ProMonthlyActionLimit  int
	ProDailyPostCap        int

	// Whether a trialing subscription maps to the paid tier.
	TrialGrantsPaidTier bool

	// Worker Configuration
	WorkerEnabled      bool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	WorkerMaxAttempts  int
	WorkerLease        time.Duration

	// Poster Configuration
	PosterProvider string // "http" or "mock"
	PosterURL      string
	PosterToken    string
	PosterTimeout  time.Duration

	// Scheduled counter rollover (cron spec, UTC)
	UsageSweepSchedule string

	// Per-instance courtesy limiter for the internal API
	APIRateLimit  int
	APIRateWindow time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),

		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		InternalAPIToken:    getEnv("INTERNAL_API_TOKEN", ""),

		// Plan defaults
		FreeMonthlyActionLimit: getEnvInt("FREE_MONTHLY_ACTION_LIMIT", 50),
		FreeDailyPostCap:       getEnvInt("FREE_DAILY_POST_CAP", 25),
		ProMonthlyActionLimit:  getEnvInt("PRO_MONTHLY_ACTION_LIMIT", -1),
		ProDailyPostCap:        getEnvInt("PRO_DAILY_POST_CAP", 100),
		TrialGrantsPaidTier:    getEnvBool("TRIAL_GRANTS_PAID_TIER", false),

		// Worker defaults
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 30*time.Second),
		WorkerBatchSize:    getEnvInt("WORKER_BATCH_SIZE", 20),
		WorkerMaxAttempts:  getEnvInt("WORKER_MAX_ATTEMPTS", 5),
		WorkerLease:        getEnvDuration("WORKER_LEASE", 2*time.Minute),

		// Poster defaults
		PosterProvider: getEnv("POSTER_PROVIDER", "mock"),
		PosterURL:      getEnv("POSTER_URL", ""),
		PosterToken:    getEnv("POSTER_TOKEN", ""),
		PosterTimeout:  getEnvDuration("POSTER_TIMEOUT", 15*time.Second),

		UsageSweepSchedule: getEnv("USAGE_SWEEP_SCHEDULE", "5 0 * * *"),

		APIRateLimit:  getEnvInt("API_RATE_LIMIT", 120),
		APIRateWindow: getEnvDuration("API_RATE_WINDOW", time.Minute),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field requirements. A missing billing secret outside
// development is a startup fault rather than a silently open webhook.
func (c *Config) Validate() error {
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("DATABASE_DRIVER must be either 'postgres' or 'sqlite', got: %s", c.DatabaseDriver)
	}

	if c.Env != "development" {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when ENV is '%s'", c.Env)
		}
		if c.InternalAPIToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required when ENV is '%s'", c.Env)
		}
	}

	// Validate poster configuration
	if c.PosterProvider == "http" {
		if c.PosterURL == "" {
			return fmt.Errorf("POSTER_URL is required when POSTER_PROVIDER is 'http'")
		}
	} else if c.PosterProvider != "mock" {
		return fmt.Errorf("POSTER_PROVIDER must be either 'http' or 'mock', got: %s", c.PosterProvider)
	}

	if _, err := c.PlanCatalog(); err != nil {
		return fmt.Errorf("invalid plan configuration: %w", err)
	}

	return nil
}

// PlanCatalog builds the plan catalog from the configured caps.
func (c *Config) PlanCatalog() (*domain.PlanCatalog, error) {
	return domain.NewPlanCatalog(
		domain.Plan{ID: domain.PlanFree, MonthlyActionLimit: monthlyLimit(c.FreeMonthlyActionLimit), DailyPostCap: c.FreeDailyPostCap},
		domain.Plan{ID: domain.PlanPro, MonthlyActionLimit: monthlyLimit(c.ProMonthlyActionLimit), DailyPostCap: c.ProDailyPostCap},
	)
}

// TierPolicy returns the status-to-tier mapping in effect.
func (c *Config) TierPolicy() domain.TierPolicy {
	return domain.TierPolicy{TrialGrantsPaidTier: c.TrialGrantsPaidTier}
}

func monthlyLimit(n int) *int {
	if n < 0 {
		return nil
	}
	return domain.Limit(n)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
