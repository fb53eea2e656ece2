package config

import (
	"os"
	"testing"
	"time"

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
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultMaxDeviation, cfg.MaxPriceDeviation)
	assert.Equal(t, DefaultMaxPriceAge, cfg.MaxPriceAge)
	assert.Equal(t, DefaultBreakerCooldown, cfg.BreakerCooldown)
	assert.True(t, cfg.AutoResponseEnabled)
	assert.Equal(t, DefaultRetentionDays, cfg.AuditRetentionDays)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "MAX_PRICE_DEVIATION", "0.02")
	setEnv(t, "MAX_PRICE_AGE", "30s")
	setEnv(t, "BREAKER_COOLDOWN", "2m")
	setEnv(t, "AUTO_RESPONSE_ENABLED", "false")
	setEnv(t, "AUDIT_RETENTION_DAYS", "30")
	setEnv(t, "AUDIT_EXTENDED_RETENTION_DAYS", "180")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.02, cfg.MaxPriceDeviation)
	assert.Equal(t, 30*time.Second, cfg.MaxPriceAge)
	assert.Equal(t, 2*time.Minute, cfg.BreakerCooldown)
	assert.False(t, cfg.AutoResponseEnabled)
	assert.Equal(t, 30, cfg.AuditRetentionDays)
	assert.Equal(t, 180, cfg.AuditExtendedRetentionDays)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	setEnv(t, "MAX_PRICE_DEVIATION", "not-a-number")
	setEnv(t, "MAX_PRICE_AGE", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxDeviation, cfg.MaxPriceDeviation)
	assert.Equal(t, DefaultMaxPriceAge, cfg.MaxPriceAge)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		RPCURL:                     "https://eth.llamarpc.com",
		MaxPriceDeviation:          0.05,
		MaxPriceAge:                5 * time.Minute,
		BreakerCooldown:            10 * time.Minute,
		AuditRetentionDays:         90,
		AuditExtendedRetentionDays: 365,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing rpc url",
			mutate:  func(c *Config) { c.RPCURL = "" },
			wantErr: "RPC_URL is required",
		},
		{
			name:    "deviation out of range",
			mutate:  func(c *Config) { c.MaxPriceDeviation = 1.5 },
			wantErr: "MAX_PRICE_DEVIATION",
		},
		{
			name:    "zero deviation",
			mutate:  func(c *Config) { c.MaxPriceDeviation = 0 },
			wantErr: "MAX_PRICE_DEVIATION",
		},
		{
			name:    "negative price age",
			mutate:  func(c *Config) { c.MaxPriceAge = -time.Second },
			wantErr: "MAX_PRICE_AGE",
		},
		{
			name:    "zero cooldown",
			mutate:  func(c *Config) { c.BreakerCooldown = 0 },
			wantErr: "BREAKER_COOLDOWN",
		},
		{
			name:    "extended retention shorter than default",
			mutate:  func(c *Config) { c.AuditExtendedRetentionDays = 30 },
			wantErr: "AUDIT_EXTENDED_RETENTION_DAYS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}
