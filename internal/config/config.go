// Package config loads and validates the engine TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General   General             `toml:"general"`
	API       API                 `toml:"api"`
	Scheduler Scheduler           `toml:"scheduler"`
	Defaults  OrgLimits           `toml:"defaults"`
	Retry     Retry               `toml:"retry"`
	HTTP      HTTP                `toml:"http"`
	Dedup     Dedup               `toml:"dedup"`
	Usage     Usage               `toml:"usage"`
	RateCard  RateCard            `toml:"ratecard"`
	OAuth     OAuth               `toml:"oauth"`
	Providers map[string]Provider `toml:"providers"`
}

type General struct {
	LogLevel          string   `toml:"log_level"`
	StateDB           string   `toml:"state_db"`
	Workers           int      `toml:"workers"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	InterruptWindow   Duration `toml:"interrupt_window"`
}

type API struct {
	Bind string `toml:"bind"`
}

type Scheduler struct {
	QueueDepth       int      `toml:"queue_depth"`
	QueueWaitTimeout Duration `toml:"queue_wait_timeout"`
	ExecutionTimeout Duration `toml:"execution_timeout"`
	NodeParallelism  int      `toml:"node_parallelism"`
}

// OrgLimits are the admission gates applied when an organization has no
// explicit limits record.
type OrgLimits struct {
	MaxConcurrent int `toml:"max_concurrent"`
	MaxPerMinute  int `toml:"max_per_minute"`
	MaxPerMonth   int `toml:"max_per_month"`
}

type Retry struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
}

type HTTP struct {
	OperationTimeout Duration `toml:"operation_timeout"`
	RefreshSkew      Duration `toml:"refresh_skew"`
}

type Dedup struct {
	Backend    string   `toml:"backend"` // "sqlite" or "redis"
	RedisAddr  string   `toml:"redis_addr"`
	DefaultTTL Duration `toml:"default_ttl"`
}

type Usage struct {
	ThresholdPct  int      `toml:"threshold_pct"`
	SweepInterval Duration `toml:"sweep_interval"`
	AlertBucket   Duration `toml:"alert_bucket"`
}

// RateCard converts metered usage into estimated cost. Token and API-call
// counters are metered separately; cost is derived here, never recomputed
// inside the ledger.
type RateCard struct {
	CostPerMtokMicros    int64 `toml:"cost_per_mtok_micros"`
	CostPerAPICallMicros int64 `toml:"cost_per_api_call_micros"`
}

type OAuth struct {
	CallbackBaseURL string `toml:"callback_base_url"`
}

// Provider holds per-connector deployment configuration consumed at client
// construction: base URL overrides, tenants, org URLs, regions.
type Provider struct {
	BaseURL string `toml:"base_url"`
	Domain  string `toml:"domain"`
	Tenant  string `toml:"tenant"`
	OrgURL  string `toml:"org_url"`
	Account string `toml:"account"`
	Region  string `toml:"region"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.General.LogLevel == "" {
		c.General.LogLevel = "info"
	}
	if c.General.StateDB == "" {
		c.General.StateDB = "engine.db"
	}
	if c.General.Workers <= 0 {
		c.General.Workers = 8
	}
	if c.General.HeartbeatInterval.Duration <= 0 {
		c.General.HeartbeatInterval.Duration = 15 * time.Second
	}
	if c.General.InterruptWindow.Duration <= 0 {
		c.General.InterruptWindow.Duration = 60 * time.Second
	}
	if c.API.Bind == "" {
		c.API.Bind = "127.0.0.1:8420"
	}
	if c.Scheduler.QueueDepth <= 0 {
		c.Scheduler.QueueDepth = 64
	}
	if c.Scheduler.QueueWaitTimeout.Duration <= 0 {
		c.Scheduler.QueueWaitTimeout.Duration = 10 * time.Minute
	}
	if c.Scheduler.ExecutionTimeout.Duration <= 0 {
		c.Scheduler.ExecutionTimeout.Duration = 5 * time.Minute
	}
	if c.Defaults.MaxConcurrent <= 0 {
		c.Defaults.MaxConcurrent = 5
	}
	if c.Defaults.MaxPerMinute <= 0 {
		c.Defaults.MaxPerMinute = 60
	}
	if c.Defaults.MaxPerMonth <= 0 {
		c.Defaults.MaxPerMonth = 10000
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay.Duration <= 0 {
		c.Retry.BaseDelay.Duration = time.Second
	}
	if c.Retry.MaxDelay.Duration <= 0 {
		c.Retry.MaxDelay.Duration = 30 * time.Second
	}
	if c.HTTP.OperationTimeout.Duration <= 0 {
		c.HTTP.OperationTimeout.Duration = 30 * time.Second
	}
	if c.HTTP.RefreshSkew.Duration <= 0 {
		c.HTTP.RefreshSkew.Duration = 60 * time.Second
	}
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "sqlite"
	}
	if c.Dedup.DefaultTTL.Duration <= 0 {
		c.Dedup.DefaultTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Usage.ThresholdPct <= 0 {
		c.Usage.ThresholdPct = 80
	}
	if c.Usage.SweepInterval.Duration <= 0 {
		c.Usage.SweepInterval.Duration = 5 * time.Minute
	}
	if c.Usage.AlertBucket.Duration <= 0 {
		c.Usage.AlertBucket.Duration = time.Hour
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Dedup.Backend) {
	case "sqlite":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			return fmt.Errorf("dedup.redis_addr is required when dedup.backend is redis")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend)
	}
	if c.Usage.ThresholdPct > 100 {
		return fmt.Errorf("usage.threshold_pct must be <= 100, got %d", c.Usage.ThresholdPct)
	}
	if c.Retry.BaseDelay.Duration > c.Retry.MaxDelay.Duration {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s",
			c.Retry.BaseDelay.Duration, c.Retry.MaxDelay.Duration)
	}
	return nil
}

// ExpandHome expands a leading ~ in path to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
