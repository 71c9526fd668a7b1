// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Credits
	StartingCredits int64 // credits granted to a wallet on first use
	MaxPurchase     int64 // upper bound on a single credit-package purchase

	// API limits
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultStartingCredits = 0
	DefaultMaxPurchase     = 10000
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StartingCredits: getEnvInt64("STARTING_CREDITS", DefaultStartingCredits),
		MaxPurchase:     getEnvInt64("MAX_PURCHASE", DefaultMaxPurchase),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.StartingCredits < 0 {
		return fmt.Errorf("STARTING_CREDITS must not be negative")
	}
	if c.MaxPurchase <= 0 {
		return fmt.Errorf("MAX_PURCHASE must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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
