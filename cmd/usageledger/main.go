package main

import (
	"context"
	"fmt"
	"os"
	"time"

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
	"github.com/smallbiznis/usageledger/internal/source"
	"github.com/smallbiznis/usageledger/internal/warehouse"
	"github.com/smallbiznis/usageledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	opts, err := parseFlags(os.Args[1:], time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	app := fx.New(
		fx.Supply(opts),
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

		fx.Invoke(StartBatch),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.WorkerID)
}

type batchParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Options    options
	Engine     *pipeline.Engine
	Publisher  *metricspush.Publisher
	Log        *zap.Logger
}

// StartBatch runs one ingestion once the app has started and shuts the app
// down with the run's exit code.
func StartBatch(p batchParams) {
	log := p.Log.Named("cmd.usageledger")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := runBatch(ctx, p.Engine, p.Publisher, p.Options, log)
				if err := p.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					log.Error("shutdown failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func runBatch(ctx context.Context, engine *pipeline.Engine, publisher *metricspush.Publisher, opts options, log *zap.Logger) int {
	start := time.Now()
	summary, err := engine.Run(ctx, pipeline.Request{
		From:      opts.From,
		To:        opts.To,
		Platforms: opts.Platforms,
	})
	if err != nil {
		log.Error("run rejected", zap.Error(err))
		return 1
	}

	if opts.SummaryOut != "" {
		if err := pipeline.ExportSummary(opts.SummaryOut, summary); err != nil {
			log.Error("write run summary failed", zap.String("path", opts.SummaryOut), zap.Error(err))
		}
	}

	if err := publisher.Publish(context.WithoutCancel(ctx), metricspush.ReportOf(summary, time.Since(start)), summary.FinishedAt); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}

	if !summary.Succeeded() {
		return 1
	}
	return 0
}
