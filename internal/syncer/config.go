package syncer

import (
	"time"

	"github.com/smallbiznis/adminis/internal/config"
)

// Config controls cycle cadence and fan-out.
type Config struct {
	RefreshInterval  time.Duration
	CycleTimeout     time.Duration
	FetchConcurrency int
	LockKey          string
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval:  time.Hour,
		CycleTimeout:     2 * time.Minute,
		FetchConcurrency: 4,
		LockKey:          "adminis-sync:cycle",
		LockTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = defaults.CycleTimeout
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaults.FetchConcurrency
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// The lock must outlive the cycle holding it.
	if c.LockTTL < c.CycleTimeout {
		c.LockTTL = c.CycleTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RefreshInterval:  cfg.Sync.RefreshInterval,
		CycleTimeout:     cfg.Sync.CycleTimeout,
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		LockKey:          cfg.AppName + ":cycle",
		LockTTL:          cfg.Redis.LockTTL,
	}.withDefaults()
}
