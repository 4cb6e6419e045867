package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout())
	assert.Equal(t, time.Second, cfg.RateLimiting.Window())
	assert.Equal(t, int64(5), cfg.RateLimiting.Resources["cpu_rate"].MaxPerWindow)
	assert.Equal(t, 60*time.Second, cfg.Mint.AuctionPeriod())
	assert.Equal(t, "stub", cfg.LLM.Provider)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
world:
  seed: 42
budget:
  max_api_cost: 0.01
executor:
  timeout_seconds: 2
  max_invocation_depth: 3
rate_limiting:
  window_seconds: 2
  resources:
    cpu_rate: { max_per_window: 9 }
mint:
  auction_period: 10
  bidding_window: 4
  min_bid: 2
  mint_ratio: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.World.Seed)
	assert.True(t, cfg.Budget.MaxAPICostUSD().Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, 2*time.Second, cfg.Executor.Timeout())
	assert.Equal(t, 3, cfg.Executor.MaxInvocationDepth)
	assert.Equal(t, int64(9), cfg.RateLimiting.Resources["cpu_rate"].MaxPerWindow)
	assert.Equal(t, 10*time.Second, cfg.Mint.AuctionPeriod())
	assert.Equal(t, 4*time.Second, cfg.Mint.BiddingWindow())
	assert.Equal(t, int64(2), cfg.Mint.MinBid)
	// Untouched sections keep their defaults.
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, ":8789", cfg.Dashboard.Listen)
}

func TestLoadEmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Mint.MinBid, cfg.Mint.MinBid)
}

func TestEnvOverridesEndpoints(t *testing.T) {
	t.Setenv("TERRARIUM_REDIS_ADDR", "redis.internal:6390")
	t.Setenv("TERRARIUM_PG_DSN", "postgres://kernel@db/terrarium")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6390", cfg.Events.Redis.Addr)
	assert.Equal(t, "postgres://kernel@db/terrarium", cfg.Events.Postgres.DSN)
}

func TestAPIKeyReadsConfiguredVariable(t *testing.T) {
	t.Setenv("TERRARIUM_LLM_API_KEY", "sk-test")
	cfg := Default()
	assert.Equal(t, "sk-test", cfg.APIKey())

	cfg.LLM.APIKeyEnv = ""
	assert.Equal(t, "", cfg.APIKey())
}

func TestValidationRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Executor.TimeoutSeconds = 0 }},
		{"zero depth", func(c *Config) { c.Executor.MaxInvocationDepth = 0 }},
		{"zero window", func(c *Config) { c.RateLimiting.WindowSeconds = 0 }},
		{"zero resource max", func(c *Config) {
			c.RateLimiting.Resources["cpu_rate"] = RateResourceLimit{MaxPerWindow: 0}
		}},
		{"bidding window exceeds period", func(c *Config) {
			c.Mint.AuctionPeriodSeconds = 10
			c.Mint.BiddingWindowSeconds = 11
		}},
		{"zero min bid", func(c *Config) { c.Mint.MinBid = 0 }},
		{"zero mint ratio", func(c *Config) { c.Mint.MintRatio = 0 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Events.Postgres.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "mint: [not, a, map]")
	_, err := Load(path)
	assert.Error(t, err)
}
