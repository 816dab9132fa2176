package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ADMINIS_BASE_URL", "")
	t.Setenv("REFRESH_INTERVAL", "")
	t.Setenv("REDIS_ADDR", "")

	cfg := Load()
	assert.Equal(t, DefaultBaseURL, cfg.Adminis.BaseURL)
	assert.Equal(t, time.Hour, cfg.Sync.RefreshInterval)
	assert.Equal(t, 20*time.Second, cfg.Adminis.RequestTimeout)
	assert.Equal(t, 4, cfg.Sync.FetchConcurrency)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADMINIS_BASE_URL", "https://staging.example.com/")
	t.Setenv("ADMINIS_EMAIL", "  owner@example.com ")
	t.Setenv("REFRESH_INTERVAL", "3600")
	t.Setenv("CYCLE_TIMEOUT", "90s")
	t.Setenv("FETCH_CONCURRENCY", "nope")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("METRICS_PUSH_ENABLED", "yes")

	cfg := Load()
	assert.Equal(t, "https://staging.example.com", cfg.Adminis.BaseURL)
	assert.Equal(t, "owner@example.com", cfg.Adminis.Email)
	assert.Equal(t, time.Hour, cfg.Sync.RefreshInterval)
	assert.Equal(t, 90*time.Second, cfg.Sync.CycleTimeout)
	assert.Equal(t, 4, cfg.Sync.FetchConcurrency)
	assert.True(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Push.Enabled)
}
