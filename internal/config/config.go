// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL  string
	ChainID int64

	// Oracle defaults (per-source overrides via the registration API)
	MaxPriceDeviation float64       // fraction, e.g. 0.05 = 5%
	MaxPriceAge       time.Duration // staleness cutoff
	BreakerCooldown   time.Duration // oracle circuit breaker re-arm delay

	// Emergency response
	AutoResponseEnabled  bool
	MaxAutoResponseValue float64 // ETH; larger incidents escalate to humans
	WebhookSecret        string  // HMAC secret for signing contact notifications

	// Audit trail
	AuditRetentionDays         int // default retention
	AuditExtendedRetentionDays int // retention for high-risk and violation entries

	// API
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Defaults mirror mainnet operation with conservative security settings.
const (
	DefaultRPCURL            = "https://eth.llamarpc.com"
	DefaultChainID           = 1 // Ethereum mainnet
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMaxDeviation      = 0.05
	DefaultMaxPriceAge       = 5 * time.Minute
	DefaultBreakerCooldown   = 10 * time.Minute
	DefaultMaxAutoValue      = 1000.0
	DefaultRetentionDays     = 90
	DefaultLongRetentionDays = 365
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		MaxPriceDeviation:    getEnvFloat("MAX_PRICE_DEVIATION", DefaultMaxDeviation),
		MaxPriceAge:          getEnvDuration("MAX_PRICE_AGE", DefaultMaxPriceAge),
		BreakerCooldown:      getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		AutoResponseEnabled:  getEnvBool("AUTO_RESPONSE_ENABLED", true),
		MaxAutoResponseValue: getEnvFloat("MAX_AUTO_RESPONSE_VALUE", DefaultMaxAutoValue),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		AuditRetentionDays:   int(getEnvInt64("AUDIT_RETENTION_DAYS", DefaultRetentionDays)),
		AuditExtendedRetentionDays: int(getEnvInt64("AUDIT_EXTENDED_RETENTION_DAYS",
			DefaultLongRetentionDays)),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.MaxPriceDeviation <= 0 || c.MaxPriceDeviation >= 1 {
		return fmt.Errorf("MAX_PRICE_DEVIATION must be in (0, 1), got %v", c.MaxPriceDeviation)
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("MAX_PRICE_AGE must be positive")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be positive")
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive")
	}
	if c.AuditExtendedRetentionDays < c.AuditRetentionDays {
		return fmt.Errorf("AUDIT_EXTENDED_RETENTION_DAYS must be >= AUDIT_RETENTION_DAYS")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
