package session

import (
	"context"

	"github.com/smallbiznis/adminis/internal/clock"
	"github.com/smallbiznis/adminis/internal/config"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("session",
	fx.Provide(NewFromConfig),
	fx.Invoke(registerLifecycle),
)

func NewFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger, m *metrics.SyncMetrics) *Manager {
	creds := NewCredentials(cfg.Adminis.Email, cfg.Adminis.Password)
	if !creds.Complete() {
		log.Warn("upstream credentials not configured; waiting for PUT /api/credentials")
	}
	return NewManager(Config{
		BaseURL:        cfg.Adminis.BaseURL,
		RequestTimeout: cfg.Adminis.RequestTimeout,
		UserAgent:      cfg.Adminis.UserAgent,
	}, creds, clk, log, m)
}

func registerLifecycle(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			m.Close()
			return nil
		},
	})
}
