package syncer

import (
	"context"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/session"
	"github.com/smallbiznis/adminis/internal/upstream"
	"go.uber.org/fx"
)

var Module = fx.Module("syncer",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideCycleLock),
	fx.Provide(NewHub),
	fx.Provide(
		func(m *session.Manager) Authenticator { return m },
		func(c *upstream.Client) Fetcher { return c },
	),
	fx.Provide(New),
	fx.Provide(func(c *Coordinator) domain.Service { return c }),
	fx.Invoke(RegisterLifecycle),
)

// RegisterLifecycle starts the sync loop on start and stops it on shutdown.
func RegisterLifecycle(lc fx.Lifecycle, coord *Coordinator) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				coord.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					coord.Close()
					return nil
				},
			})
			return nil
		},
	})
}
