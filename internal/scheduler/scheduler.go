package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/usageledger/internal/clock"
	"github.com/smallbiznis/usageledger/internal/metricspush"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	pipelinedomain "github.com/smallbiznis/usageledger/internal/pipeline/domain"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobDailyIngestion = "daily_ingestion"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.RunSummary, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Engine    *pipeline.Engine
	Publisher *metricspush.Publisher `optional:"true"`
	Config    Config                 `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	runner    Runner
	publisher *metricspush.Publisher

	// lastTarget is the most recent activity date a run was started for.
	lastTarget time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Engine == nil {
		return nil, ErrInvalidConfig
	}
	return newScheduler(p.Engine, p.Clock, p.Config, p.Publisher, p.Log), nil
}

func newScheduler(runner Runner, c clock.Clock, cfg Config, publisher *metricspush.Publisher, log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:       log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       cfg.withDefaults(),
		clock:     c,
		runner:    runner,
		publisher: publisher,
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce starts the daily ingestion when yesterday's data is due and has not
// been ingested by this process yet. A rejected run is retried on the next
// tick; a run that produced a summary is not, since the next day's lookback
// window covers the same dates again.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clock.Now().UTC()
	if now.Hour() < s.cfg.RunAtHour {
		return nil
	}
	target := sourcedomain.Day(now).AddDate(0, 0, -1)
	if !s.lastTarget.IsZero() && !target.After(s.lastTarget) {
		return nil
	}

	req := pipeline.Request{
		From: target.AddDate(0, 0, -(s.cfg.LookbackDays - 1)),
		To:   target,
	}
	return s.runJob(ctx, jobDailyIngestion, s.cfg.JobTimeout, func(ctx context.Context, run *jobRun) error {
		start := s.clock.Now()
		summary, err := s.runner.Run(ctx, req)
		if err != nil {
			return err
		}
		s.lastTarget = target

		for _, p := range summary.Platforms {
			if p.Status == pipelinedomain.StatusCompleted {
				run.AddProcessed(1)
			} else {
				run.IncError()
			}
		}
		s.publish(ctx, summary, s.clock.Now().Sub(start))
		return nil
	})
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name)
	s.logJobStart(ctx, run, zap.Duration("timeout", timeout))

	err := fn(ctx, run)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (s *Scheduler) publish(ctx context.Context, summary *pipeline.RunSummary, elapsed time.Duration) {
	if !s.publisher.Enabled() {
		return
	}
	err := s.publisher.Publish(context.WithoutCancel(ctx), metricspush.ReportOf(summary, elapsed), summary.FinishedAt)
	if err != nil {
		s.logger(ctx).Warn("metrics push failed", zap.Error(err))
	}
}
