package main

import (
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/observability"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	"github.com/smallbiznis/usageledger/internal/ratelimit"
	"github.com/smallbiznis/usageledger/internal/server"
	"github.com/smallbiznis/usageledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,

		// Read-only view of run history; the batch binary owns the schema.
		pipeline.QueryModule,
		ratelimit.Module,

		server.Module,
	)
	app.Run()
}
