package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewSettingsHolder),
)

const DefaultBaseURL = "https://adminislocuinte.ro"

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	Adminis AdminisConfig
	Sync    SyncConfig
	Redis   RedisConfig
	Push    PushConfig
}

// AdminisConfig describes the upstream account. Password is never logged.
type AdminisConfig struct {
	BaseURL        string
	Email          string
	Password       string
	RequestTimeout time.Duration
	UserAgent      string
}

type SyncConfig struct {
	RefreshInterval  time.Duration
	CycleTimeout     time.Duration
	FetchConcurrency int
	SettingsPath     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// PushConfig describes where sync metrics are pushed after each cycle.
type PushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "adminis-sync"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		Adminis: AdminisConfig{
			BaseURL:        strings.TrimRight(strings.TrimSpace(getenv("ADMINIS_BASE_URL", DefaultBaseURL)), "/"),
			Email:          strings.TrimSpace(getenv("ADMINIS_EMAIL", "")),
			Password:       os.Getenv("ADMINIS_PASSWORD"),
			RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 20*time.Second),
			UserAgent:      getenv("ADMINIS_USER_AGENT", "adminis-sync/0.1"),
		},
		Sync: SyncConfig{
			RefreshInterval:  getenvDuration("REFRESH_INTERVAL", time.Hour),
			CycleTimeout:     getenvDuration("CYCLE_TIMEOUT", 2*time.Minute),
			FetchConcurrency: getenvInt("FETCH_CONCURRENCY", 4),
			SettingsPath:     strings.TrimSpace(getenv("SETTINGS_PATH", "")),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvInt("REDIS_DB", 0),
			LockTTL:  getenvDuration("LOCK_TTL", 5*time.Minute),
		},
		Push: PushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s", "1h") or plain seconds ("3600").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return def
}
