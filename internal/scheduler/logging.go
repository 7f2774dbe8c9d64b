package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/usageledger/internal/observability/context"
	obslogger "github.com/smallbiznis/usageledger/internal/observability/logger"
	"github.com/smallbiznis/usageledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) newJobRun(ctx context.Context, job string) (context.Context, *jobRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &jobRun{
		job:       job,
		runID:     correlation.NewID(),
		startedAt: s.clock.Now(),
	}
	ctx = obscontext.WithRequestID(ctx, run.runID)
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun, fields ...zap.Field) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start", append([]zap.Field{
		zap.String("job", run.job),
		zap.String("job_run_id", run.runID),
	}, fields...)...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, fields ...zap.Field) {
	if run == nil {
		return
	}
	fields = append([]zap.Field{
		zap.String("job", run.job),
		zap.String("job_run_id", run.runID),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}, fields...)
	log := s.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}
