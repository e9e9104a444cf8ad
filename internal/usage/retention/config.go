package retention

import (
	"time"

	"github.com/smallbiznis/entitlements/internal/config"
)

// Config controls the daily_usage retention sweep.
type Config struct {
	Enabled      bool
	Days         int
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Days:         90,
		BatchSize:    500,
		PollInterval: time.Hour,
		RunTimeout:   time.Minute,
		LockTTL:      2 * time.Minute,
	}
}

// ConfigFrom maps the application config onto the sweep config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Enabled:      cfg.Retention.Enabled,
		Days:         cfg.Retention.Days,
		BatchSize:    cfg.Retention.BatchSize,
		PollInterval: cfg.Retention.Interval,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Days <= 0 {
		c.Days = defaults.Days
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
