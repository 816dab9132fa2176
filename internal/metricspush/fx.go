package metricspush

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metricspush",
	fx.Provide(NewPusher),
	fx.Invoke(registerWorker),
)

func registerWorker(lc fx.Lifecycle, pusher Pusher, svc domain.Service, log *zap.Logger) {
	if pusher == nil {
		return
	}
	worker := NewWorker(pusher, prometheus.DefaultGatherer, log)

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting metrics push worker")
			go worker.Run(ctx, svc)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
