package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/delta"
	"github.com/smallbiznis/usageledger/internal/identity"
	"github.com/smallbiznis/usageledger/internal/metricspush"
	"github.com/smallbiznis/usageledger/internal/migration"
	"github.com/smallbiznis/usageledger/internal/observability"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	"github.com/smallbiznis/usageledger/internal/ratelimit"
	"github.com/smallbiznis/usageledger/internal/scheduler"
	"github.com/smallbiznis/usageledger/internal/source"
	"github.com/smallbiznis/usageledger/internal/warehouse"
	"github.com/smallbiznis/usageledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		source.Module,
		identity.Module,
		delta.Module,
		ratelimit.Module,
		fx.Provide(fx.Annotate(ratelimit.NewWritePacer, fx.As(new(warehouse.Pacer)))),
		warehouse.Module,
		pipeline.Module,
		metricspush.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.WorkerID)
}
