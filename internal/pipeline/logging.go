package pipeline

import (
	"context"
	"strings"

	"github.com/smallbiznis/usageledger/internal/errs"
	obslogger "github.com/smallbiznis/usageledger/internal/observability/logger"
	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"go.uber.org/zap"
)

func (e *Engine) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, e.log)
}

func (e *Engine) logRunStart(ctx context.Context, summary *RunSummary, platforms []string) {
	e.logger(ctx).Info("pipeline.run.start",
		zap.String("run_id", summary.RunID),
		zap.Strings("platforms", platforms),
		zap.Strings("dates", summary.Dates),
		zap.Duration("budget", e.cfg.RunBudget),
	)
}

func (e *Engine) logRunFinish(ctx context.Context, summary *RunSummary) {
	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.String("status", summary.Status),
		zap.Int64("duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds()),
		zap.String("identity_version", summary.Identity.Version),
		zap.Bool("identity_stale", summary.Identity.Stale),
		zap.String("uncertain_usd", summary.UncertainUSD.StringFixed(2)),
		zap.Int("facts_scored", summary.Quality.Count),
		zap.Float64("quality_p50", summary.Quality.P50),
	}
	log := e.logger(ctx)
	if !summary.Succeeded() {
		log.Warn("pipeline.run.finish", fields...)
		return
	}
	log.Info("pipeline.run.finish", fields...)
}

func (e *Engine) logPlatformStart(ctx context.Context, p *platformState) {
	e.logger(ctx).Info("pipeline.platform.start",
		zap.Int("dates", len(p.dates)),
		zap.String("identity_version", p.snapshot.Version),
	)
}

func (e *Engine) logPlatformFinish(ctx context.Context, p *platformState) {
	s := p.summary
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Int64("duration_ms", e.clock.Now().Sub(p.started).Milliseconds()),
		zap.Int("dates_processed", len(s.DatesProcessed)),
		zap.Int("dates_skipped", len(s.DatesSkipped)),
		zap.Int("inserted", s.Write.Inserted),
		zap.Int("replaced", s.Write.Replaced),
		zap.Int("pruned", s.Write.Pruned),
		zap.Int("unattributed_records", s.Unattributed.Records),
		zap.String("unattributed_usd", s.Unattributed.AmountUSD.StringFixed(2)),
		zap.Int("ambiguous_partitions", s.Ambiguous.Count),
		zap.Int("reconciliation_warnings", s.Reconciliation.Warnings),
		zap.Int("negative_deltas", s.NegativeDeltas.Count),
		zap.String("uncertain_usd", s.UncertainUSD.StringFixed(2)),
	}
	log := e.logger(ctx)
	if s.Status != domain.StatusCompleted {
		log.Warn("pipeline.platform.finish", fields...)
		return
	}
	log.Info("pipeline.platform.finish", fields...)
}

func (e *Engine) logPlatformError(ctx context.Context, p *platformState, stage string, err error) {
	e.logger(ctx).Error("pipeline.platform.failed",
		zap.String("stage", stage),
		zap.String("error_type", errs.Kind(err)),
		zap.Bool("retryable", errs.IsRetryable(err)),
		zap.Strings("dates_skipped", p.summary.DatesSkipped),
		zap.String("error", strings.TrimSpace(err.Error())),
	)
}
