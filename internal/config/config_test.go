package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "STARTING_CREDITS", "")
	setEnv(t, "MAX_PURCHASE", "")
	setEnv(t, "RATE_LIMIT_RPM", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultStartingCredits), cfg.StartingCredits)
	assert.Equal(t, int64(DefaultMaxPurchase), cfg.MaxPurchase)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "STARTING_CREDITS", "100")
	setEnv(t, "MAX_PURCHASE", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(100), cfg.StartingCredits)
	assert.Equal(t, int64(500), cfg.MaxPurchase)
}

func TestLoad_RejectsNegativeStartingCredits(t *testing.T) {
	setEnv(t, "STARTING_CREDITS", "-10")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STARTING_CREDITS")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				StartingCredits: 0,
				MaxPurchase:     10000,
				RateLimitRPM:    120,
			},
			wantErr: "",
		},
		{
			name: "negative starting credits",
			config: Config{
				StartingCredits: -1,
				MaxPurchase:     10000,
				RateLimitRPM:    120,
			},
			wantErr: "STARTING_CREDITS must not be negative",
		},
		{
			name: "zero max purchase",
			config: Config{
				StartingCredits: 0,
				MaxPurchase:     0,
				RateLimitRPM:    120,
			},
			wantErr: "MAX_PURCHASE must be positive",
		},
		{
			name: "zero rate limit",
			config: Config{
				StartingCredits: 0,
				MaxPurchase:     10000,
				RateLimitRPM:    0,
			},
			wantErr: "RATE_LIMIT_RPM must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
