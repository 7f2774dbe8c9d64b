// Package pipeline drives one ingestion run: for every selected platform it
// walks the requested activity dates in order, fetching, transforming and
// writing each date before moving to the next. Platforms run concurrently
// and fail independently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/config"
	deltaservice "github.com/smallbiznis/usageledger/internal/delta/service"
	"github.com/smallbiznis/usageledger/internal/identity"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	obscontext "github.com/smallbiznis/usageledger/internal/observability/context"
	"github.com/smallbiznis/usageledger/internal/observability/metrics"
	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/smallbiznis/usageledger/internal/ratelimit"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/smallbiznis/usageledger/internal/warehouse"
	"github.com/smallbiznis/usageledger/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Config    config.Config
	Engine    *config.EngineConfigHolder
	Fetcher   sourcedomain.Fetcher
	Identity  *identity.Loader
	Converter *deltaservice.Converter
	Writer    *warehouse.Writer
	Runs      domain.Repository
	RunLock   *ratelimit.RunLock       `optional:"true"`
	Metrics   *metrics.PipelineMetrics `optional:"true"`
	Telemetry *metrics.Metrics         `optional:"true"`
}

type Engine struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	cfg       config.Config
	engine    *config.EngineConfigHolder
	fetcher   sourcedomain.Fetcher
	identity  *identity.Loader
	converter *deltaservice.Converter
	writer    *warehouse.Writer
	runs      domain.Repository
	runLock   *ratelimit.RunLock
	metrics   *metrics.PipelineMetrics
	telemetry *metrics.Metrics
}

func New(p Params) *Engine {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Engine{
		db:        p.DB,
		log:       p.Log.Named("pipeline").With(zap.String("component", "pipeline")),
		clock:     c,
		cfg:       p.Config,
		engine:    p.Engine,
		fetcher:   p.Fetcher,
		identity:  p.Identity,
		converter: p.Converter,
		writer:    p.Writer,
		runs:      p.Runs,
		runLock:   p.RunLock,
		metrics:   p.Metrics,
		telemetry: p.Telemetry,
	}
}

// Request selects what one run processes. From and To are inclusive
// activity dates; an empty Platforms list means every configured platform.
type Request struct {
	From      time.Time
	To        time.Time
	Platforms []string
}

// Dates returns the requested activity dates in ascending order.
func (r Request) Dates() ([]time.Time, error) {
	from, to := sourcedomain.Day(r.From), sourcedomain.Day(r.To)
	if r.From.IsZero() || r.To.IsZero() || to.Before(from) {
		return nil, fmt.Errorf("%w: %s..%s", domain.ErrInvalidDateRange,
			from.Format(sourcedomain.DateLayout), to.Format(sourcedomain.DateLayout))
	}
	var dates []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates, nil
}

// Run executes one ingestion run and returns its summary. Platform failures
// are reported in the summary, not as an error; Run only fails when the
// request is invalid or ctx ends before the identity snapshot is loaded.
func (e *Engine) Run(ctx context.Context, req Request) (*RunSummary, error) {
	dates, err := req.Dates()
	if err != nil {
		return nil, err
	}
	engine := e.engine.Get()
	platforms := selectPlatforms(req.Platforms, engine)
	if len(platforms) == 0 {
		return nil, domain.ErrNoPlatforms
	}

	runID := correlation.NewID()
	ctx = obscontext.WithRunID(ctx, runID)
	ctx, _ = correlation.Ensure(ctx)

	summary := &RunSummary{
		RunID:     runID,
		Status:    domain.RunStatusRunning,
		StartedAt: e.clock.Now(),
		Dates:     formatDates(dates),
		Platforms: make([]*PlatformSummary, len(platforms)),
	}
	e.logRunStart(ctx, summary, platforms)
	e.saveRun(ctx, summary, req, platforms)

	snapshot, err := e.identity.Load(ctx)
	if err != nil {
		return nil, err
	}
	summary.Identity = identitySummary(snapshot)

	budgetCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.cfg.RunBudget > 0 {
		budgetCtx, cancel = context.WithTimeout(ctx, e.cfg.RunBudget)
	}
	defer cancel()

	var g errgroup.Group
	g.SetLimit(engine.Concurrency)
	for i, platform := range platforms {
		g.Go(func() error {
			summary.Platforms[i] = e.runPlatform(budgetCtx, platformRun{
				runID:    runID,
				platform: platform,
				engine:   engine,
				snapshot: snapshot,
				dates:    dates,
			})
			return nil
		})
	}
	_ = g.Wait()

	summary.finalize(e.clock.Now())
	e.saveRun(ctx, summary, req, platforms)
	e.logRunFinish(ctx, summary)
	return summary, nil
}

type platformRun struct {
	runID    string
	platform string
	engine   config.EngineConfig
	snapshot *identitydomain.Snapshot
	dates    []time.Time
}

func selectPlatforms(requested []string, engine config.EngineConfig) []string {
	if len(requested) == 0 {
		return engine.PlatformNames()
	}
	names := lo.FilterMap(requested, func(name string, _ int) (string, bool) {
		name = strings.ToLower(strings.TrimSpace(name))
		return name, name != ""
	})
	return lo.Uniq(names)
}

func formatDates(dates []time.Time) []string {
	return lo.Map(dates, func(d time.Time, _ int) string { return d.Format(sourcedomain.DateLayout) })
}

// saveRun persists the run record. Bookkeeping failures are logged and never
// change the outcome of the run.
func (e *Engine) saveRun(ctx context.Context, summary *RunSummary, req Request, platforms []string) {
	if e.runs == nil || e.db == nil {
		return
	}
	run, err := newIngestionRun(summary, req, platforms)
	if err == nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		err = e.runs.Save(saveCtx, e.db, run)
		cancel()
	}
	if err != nil {
		e.logger(ctx).Warn("pipeline.run.persist_failed", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}

// budgetError explains why a platform stopped before its remaining dates.
func budgetError(ctx context.Context, remaining int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %d dates not processed", domain.ErrRunBudgetExhausted, remaining)
	}
	return fmt.Errorf("run stopped with %d dates not processed: %w", remaining, ctx.Err())
}

func decimalFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
