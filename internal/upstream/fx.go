package upstream

import (
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("upstream",
	fx.Provide(func(m *session.Manager, log *zap.Logger, sm *metrics.SyncMetrics, om *metrics.Metrics) *Client {
		return NewClient(m, log, sm, om)
	}),
)
