// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL       string // Access cache (optional)
	AccessCacheTTL time.Duration

	// Payment processor
	StripeSecretKey     string
	StripeAPIURL        string // Override for stripe-mock and tests
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	BreakerFailures     int           // consecutive processor failures before the breaker opens
	BreakerCooldown     time.Duration // how long an open breaker rejects calls

	// Security
	AdminToken          string
	RealtimeTokenSecret string // signs per-user /v1/ws tokens; random per process when empty
	RealtimeTokenTTL    time.Duration
	RateLimitRPM        int
	CORSAllowedOrigins  []string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRateLimitRPM     = 600
	DefaultWebhookTolerance = 5 * time.Minute
	DefaultAccessCacheTTL   = 30 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultRealtimeTokenTTL = 24 * time.Hour
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
		AccessCacheTTL:      getEnvDuration("ACCESS_CACHE_TTL", DefaultAccessCacheTTL),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:    getEnvDuration("WEBHOOK_TOLERANCE", DefaultWebhookTolerance),
		BreakerFailures:     int(getEnvInt64("PROCESSOR_BREAKER_FAILURES", DefaultBreakerFailures)),
		BreakerCooldown:     getEnvDuration("PROCESSOR_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		RealtimeTokenSecret: os.Getenv("REALTIME_TOKEN_SECRET"),
		RealtimeTokenTTL:    getEnvDuration("REALTIME_TOKEN_TTL", DefaultRealtimeTokenTTL),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE must be positive")
	}
	if c.AccessCacheTTL < 0 {
		return fmt.Errorf("ACCESS_CACHE_TTL must not be negative")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.BreakerFailures <= 0 {
		return fmt.Errorf("PROCESSOR_BREAKER_FAILURES must be positive")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("PROCESSOR_BREAKER_COOLDOWN must be positive")
	}
	if c.RealtimeTokenTTL <= 0 {
		return fmt.Errorf("REALTIME_TOKEN_TTL must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if len(c.AdminToken) < 32 {
		return fmt.Errorf("ADMIN_TOKEN of at least 32 characters is required in production")
	}
	if len(c.RealtimeTokenSecret) < 32 {
		return fmt.Errorf("REALTIME_TOKEN_SECRET of at least 32 characters is required in production")
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

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
