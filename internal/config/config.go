// Package config loads and validates the kernel's runtime
// configuration from YAML, with environment-variable overrides for
// secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type Config struct {
	World        WorldConfig      `yaml:"world"`
	Budget       BudgetConfig     `yaml:"budget"`
	Executor     ExecutorConfig   `yaml:"executor"`
	RateLimiting RateConfig       `yaml:"rate_limiting"`
	Mint         MintConfig       `yaml:"mint"`
	LLM          LLMConfig        `yaml:"llm"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	Events       EventsConfig     `yaml:"events"`
	Checkpoint   CheckpointConfig `yaml:"checkpoint"`
	Dashboard    DashboardConfig  `yaml:"dashboard"`
}

type WorldConfig struct {
	Seed int64 `yaml:"seed"`
}

type BudgetConfig struct {
	// MaxAPICost is the global USD hard stop for LLM spend. Zero or
	// negative disables the cap. A float only in YAML; the ledger
	// sees a fixed-point decimal.
	MaxAPICost float64 `yaml:"max_api_cost"`
}

// MaxAPICostUSD is the cap as the fixed-point value the ledger uses.
func (b BudgetConfig) MaxAPICostUSD() decimal.Decimal {
	return decimal.NewFromFloat(b.MaxAPICost)
}

type ExecutorConfig struct {
	TimeoutSeconds     int      `yaml:"timeout_seconds"`
	AllowedImports     []string `yaml:"allowed_imports"`
	MaxInvocationDepth int      `yaml:"max_invocation_depth"`
	// DefaultDiskQuota is assigned to accounts opened for standing
	// artifacts created after genesis. Zero means unlimited.
	DefaultDiskQuota int64 `yaml:"default_disk_quota"`
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

type RateConfig struct {
	WindowSeconds int                          `yaml:"window_seconds"`
	Resources     map[string]RateResourceLimit `yaml:"resources"`
}

type RateResourceLimit struct {
	MaxPerWindow int64 `yaml:"max_per_window"`
}

func (r RateConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type MintConfig struct {
	AuctionPeriodSeconds    int    `yaml:"auction_period"`
	BiddingWindowSeconds    int    `yaml:"bidding_window"`
	FirstAuctionTickSeconds int    `yaml:"first_auction_tick"`
	MinBid                  int64  `yaml:"min_bid"`
	MintRatio               int64  `yaml:"mint_ratio"`
	UBISink                 string `yaml:"ubi_sink"`
}

func (m MintConfig) AuctionPeriod() time.Duration {
	return time.Duration(m.AuctionPeriodSeconds) * time.Second
}

func (m MintConfig) BiddingWindow() time.Duration {
	return time.Duration(m.BiddingWindowSeconds) * time.Second
}

func (m MintConfig) FirstAuctionTick() time.Duration {
	return time.Duration(m.FirstAuctionTickSeconds) * time.Second
}

type LLMConfig struct {
	Provider        string  `yaml:"provider"` // stub | openai
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url"`
	APIKeyEnv       string  `yaml:"api_key_env"`
	PricePerKInput  float64 `yaml:"price_per_1k_input"`
	PricePerKOutput float64 `yaml:"price_per_1k_output"`
}

// InputPriceUSD and OutputPriceUSD are the per-1000-token rates as
// fixed-point values.
func (l LLMConfig) InputPriceUSD() decimal.Decimal  { return decimal.NewFromFloat(l.PricePerKInput) }
func (l LLMConfig) OutputPriceUSD() decimal.Decimal { return decimal.NewFromFloat(l.PricePerKOutput) }

type SchedulerConfig struct {
	MaxRestarts          int `yaml:"max_restarts"`
	RestartWindowSeconds int `yaml:"restart_window_seconds"`
	BackoffCapSeconds    int `yaml:"backoff_cap_seconds"`
}

func (s SchedulerConfig) RestartWindow() time.Duration {
	return time.Duration(s.RestartWindowSeconds) * time.Second
}

func (s SchedulerConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapSeconds) * time.Second
}

type EventsConfig struct {
	LogPath         string             `yaml:"log_path"`
	FlushIntervalMS int                `yaml:"flush_interval_ms"`
	Redis           RedisMirrorConfig  `yaml:"redis"`
	Postgres        PostgresSinkConfig `yaml:"postgres"`
}

func (e EventsConfig) FlushInterval() time.Duration {
	return time.Duration(e.FlushIntervalMS) * time.Millisecond
}

type RedisMirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type PostgresSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type CheckpointConfig struct {
	Path            string `yaml:"path"`
	IntervalSeconds int    `yaml:"interval_seconds"`
}

func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration a bare kernel boots with.
func Default() *Config {
	return &Config{
		World:  WorldConfig{Seed: 0},
		Budget: BudgetConfig{MaxAPICost: 10.0},
		Executor: ExecutorConfig{
			TimeoutSeconds:     5,
			AllowedImports:     []string{"json", "math", "text", "time"},
			MaxInvocationDepth: 5,
		},
		RateLimiting: RateConfig{
			WindowSeconds: 1,
			Resources: map[string]RateResourceLimit{
				"cpu_rate": {MaxPerWindow: 5},
				"llm_rate": {MaxPerWindow: 2000},
			},
		},
		Mint: MintConfig{
			AuctionPeriodSeconds:    60,
			BiddingWindowSeconds:    30,
			FirstAuctionTickSeconds: 10,
			MinBid:                  1,
			MintRatio:               10,
		},
		LLM: LLMConfig{
			Provider:        "stub",
			Model:           "gpt-4o-mini",
			BaseURL:         "https://api.openai.com/v1",
			APIKeyEnv:       "TERRARIUM_LLM_API_KEY",
			PricePerKInput:  0.00015,
			PricePerKOutput: 0.0006,
		},
		Scheduler: SchedulerConfig{
			MaxRestarts:          5,
			RestartWindowSeconds: 300,
			BackoffCapSeconds:    60,
		},
		Events: EventsConfig{
			LogPath:         "./terrarium-events.jsonl",
			FlushIntervalMS: 250,
			Redis: RedisMirrorConfig{
				Addr:    "localhost:6379",
				Channel: "terrarium.events",
			},
			Postgres: PostgresSinkConfig{
				Table: "terrarium_events",
			},
		},
		Checkpoint: CheckpointConfig{
			Path: "./terrarium-checkpoint.json",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Listen:  ":8789",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets the environment override endpoint settings so secrets
// stay out of the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("TERRARIUM_REDIS_ADDR"); v != "" {
		c.Events.Redis.Addr = v
	}
	if v := os.Getenv("TERRARIUM_PG_DSN"); v != "" {
		c.Events.Postgres.DSN = v
	}
}

// APIKey resolves the LLM provider key from the configured variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Executor.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: executor.timeout_seconds must be positive, got %d", c.Executor.TimeoutSeconds)
	}
	if c.Executor.MaxInvocationDepth <= 0 {
		return fmt.Errorf("config: executor.max_invocation_depth must be positive, got %d", c.Executor.MaxInvocationDepth)
	}
	if c.RateLimiting.WindowSeconds <= 0 {
		return fmt.Errorf("config: rate_limiting.window_seconds must be positive, got %d", c.RateLimiting.WindowSeconds)
	}
	for name, res := range c.RateLimiting.Resources {
		if res.MaxPerWindow <= 0 {
			return fmt.Errorf("config: rate_limiting.resources.%s.max_per_window must be positive, got %d", name, res.MaxPerWindow)
		}
	}
	if c.Mint.AuctionPeriodSeconds <= 0 {
		return fmt.Errorf("config: mint.auction_period must be positive, got %d", c.Mint.AuctionPeriodSeconds)
	}
	if c.Mint.BiddingWindowSeconds <= 0 || c.Mint.BiddingWindowSeconds > c.Mint.AuctionPeriodSeconds {
		return fmt.Errorf("config: mint.bidding_window must be in (0, auction_period], got %d", c.Mint.BiddingWindowSeconds)
	}
	if c.Mint.MinBid < 1 {
		return fmt.Errorf("config: mint.min_bid must be at least 1, got %d", c.Mint.MinBid)
	}
	if c.Mint.MintRatio < 1 {
		return fmt.Errorf("config: mint.mint_ratio must be at least 1, got %d", c.Mint.MintRatio)
	}
	switch c.LLM.Provider {
	case "stub", "openai":
	default:
		return fmt.Errorf("config: llm.provider must be stub or openai, got %q", c.LLM.Provider)
	}
	if c.Scheduler.MaxRestarts < 1 {
		return fmt.Errorf("config: scheduler.max_restarts must be at least 1, got %d", c.Scheduler.MaxRestarts)
	}
	if c.Scheduler.BackoffCapSeconds < 1 {
		return fmt.Errorf("config: scheduler.backoff_cap_seconds must be at least 1, got %d", c.Scheduler.BackoffCapSeconds)
	}
	if c.Events.Postgres.Enabled && c.Events.Postgres.DSN == "" {
		return fmt.Errorf("config: events.postgres enabled without a dsn")
	}
	return nil
}
