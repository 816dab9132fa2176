package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/adminis/internal/clock"
	"github.com/smallbiznis/adminis/internal/config"
	"github.com/smallbiznis/adminis/internal/metricspush"
	"github.com/smallbiznis/adminis/internal/observability"
	"github.com/smallbiznis/adminis/internal/server"
	"github.com/smallbiznis/adminis/internal/session"
	"github.com/smallbiznis/adminis/internal/syncer"
	"github.com/smallbiznis/adminis/internal/upstream"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core infrastructure
		config.Module,
		observability.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),

		// Sync core
		session.Module,
		upstream.Module,
		syncer.Module,
		metricspush.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
