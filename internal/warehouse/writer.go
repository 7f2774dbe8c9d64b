// Package warehouse writes canonical facts by natural key. A batch that
// fails is retried alone; a batch that keeps failing is split until the
// offending rows are isolated. Stale keys of a partition are pruned only
// after every batch of that partition succeeded.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	factsdomain "github.com/smallbiznis/usageledger/internal/facts/domain"
	"github.com/smallbiznis/usageledger/internal/observability/metrics"
	"github.com/smallbiznis/usageledger/internal/retry"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pacer throttles batches. A nil Pacer does not throttle.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Partition is the (platform, activity_date) slice a write replaces.
type Partition struct {
	Platform     string
	ActivityDate time.Time
}

type WriteResult struct {
	Table      string
	Inserted   int
	Replaced   int
	Pruned     int
	Batches    int
	Retries    int
	FailedKeys []string
	Errors     []error
}

func (r WriteResult) Failed() bool {
	return len(r.Errors) > 0
}

func (r WriteResult) Err() error {
	return errors.Join(r.Errors...)
}

// Add merges other into r.
func (r *WriteResult) Add(other WriteResult) {
	r.Inserted += other.Inserted
	r.Replaced += other.Replaced
	r.Pruned += other.Pruned
	r.Batches += other.Batches
	r.Retries += other.Retries
	r.FailedKeys = append(r.FailedKeys, other.FailedKeys...)
	r.Errors = append(r.Errors, other.Errors...)
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Engine  *config.EngineConfigHolder
	GenID   *snowflake.Node
	Pacer   Pacer                    `optional:"true"`
	Metrics *metrics.PipelineMetrics `optional:"true"`
}

type Writer struct {
	db      *gorm.DB
	log     *zap.Logger
	engine  *config.EngineConfigHolder
	genID   *snowflake.Node
	pacer   Pacer
	metrics *metrics.PipelineMetrics
}

func New(p Params) *Writer {
	return &Writer{
		db:      p.DB,
		log:     p.Log.Named("warehouse.writer"),
		engine:  p.Engine,
		genID:   p.GenID,
		pacer:   p.Pacer,
		metrics: p.Metrics,
	}
}

type keyed interface {
	factsdomain.UsageFact | factsdomain.CostFact
	Key() string
}

type batchCounts struct {
	inserted int
	replaced int
}

func (w *Writer) WriteCostFacts(ctx context.Context, partition Partition, facts []factsdomain.CostFact) WriteResult {
	return writeFacts(ctx, w, TableCostFacts, partition, facts)
}

func (w *Writer) WriteUsageFacts(ctx context.Context, partition Partition, facts []factsdomain.UsageFact) WriteResult {
	return writeFacts(ctx, w, TableUsageFacts, partition, facts)
}

func writeFacts[T keyed](ctx context.Context, w *Writer, table string, partition Partition, rows []T) WriteResult {
	engine := w.engine.Get()
	policy := retry.PolicyFrom(engine.Retry)
	res := WriteResult{Table: table}
	partition.ActivityDate = sourcedomain.Day(partition.ActivityDate)

	for _, chunk := range lo.Chunk(rows, engine.Writer.BatchSize) {
		if err := w.wait(ctx); err != nil {
			res.Errors = append(res.Errors, err)
			return res
		}
		res.Batches++

		counts, err := retry.Do(ctx, policy, func(attempt int, err error, next time.Duration) {
			res.Retries++
			w.metrics.IncWriteRetry(table, errs.Kind(err))
			w.log.Warn("warehouse.batch.retry",
				zap.String("table", table),
				zap.String("platform", partition.Platform),
				zap.Int("rows", len(chunk)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}, func(ctx context.Context) (batchCounts, error) {
			return upsertBatch(ctx, w.db, table, chunk)
		})
		if err == nil {
			res.Inserted += counts.inserted
			res.Replaced += counts.replaced
			w.metrics.IncWriteBatch(table, metrics.OutcomeInserted)
			continue
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, err)
			return res
		}

		w.metrics.IncWriteBatch(table, metrics.OutcomeFailed)
		w.log.Warn("warehouse.batch.failed",
			zap.String("table", table),
			zap.String("platform", partition.Platform),
			zap.Int("rows", len(chunk)),
			zap.Error(err),
		)
		isolate(ctx, w, table, policy, chunk, err, &res)
	}

	if res.Failed() {
		w.log.Warn("warehouse.prune.skipped",
			zap.String("table", table),
			zap.String("platform", partition.Platform),
			zap.Int("failed_rows", len(res.FailedKeys)),
		)
		return res
	}

	keep := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		keep[r.Key()] = struct{}{}
	}
	pruned, err := retry.Do(ctx, policy, nil, func(ctx context.Context) (int, error) {
		return w.prune(ctx, table, partition, keep, engine.Writer.BatchSize)
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("prune %s %s/%s: %w", table, partition.Platform,
			partition.ActivityDate.Format(sourcedomain.DateLayout), err))
		return res
	}
	res.Pruned = pruned
	return res
}

// isolate splits a failed batch in halves, one attempt each, until single
// rows remain. Rows that still fail are reported by natural key.
func isolate[T keyed](ctx context.Context, w *Writer, table string, policy retry.Policy, rows []T, cause error, res *WriteResult) {
	if len(rows) == 1 {
		key := rows[0].Key()
		res.FailedKeys = append(res.FailedKeys, key)
		if errs.IsRetryable(cause) {
			res.Errors = append(res.Errors, &errs.WriteConflictError{Table: table, NaturalKeys: []string{key}, Err: cause})
		} else {
			res.Errors = append(res.Errors, fmt.Errorf("%s natural_key %s: %w", table, key, cause))
		}
		return
	}

	single := policy
	single.MaxAttempts = 1
	mid := len(rows) / 2
	for _, half := range [][]T{rows[:mid], rows[mid:]} {
		counts, err := retry.Do(ctx, single, nil, func(ctx context.Context) (batchCounts, error) {
			return upsertBatch(ctx, w.db, table, half)
		})
		if err == nil {
			res.Inserted += counts.inserted
			res.Replaced += counts.replaced
			continue
		}
		isolate(ctx, w, table, policy, half, err, res)
	}
}

func upsertBatch[T keyed](ctx context.Context, db *gorm.DB, table string, rows []T) (batchCounts, error) {
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key())
	}

	var counts batchCounts
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []string
		if err := tx.Table(table).Where("natural_key IN ?", keys).Pluck("natural_key", &existing).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "natural_key"}},
			UpdateAll: true,
		}).Create(&rows).Error; err != nil {
			return err
		}
		counts.replaced = len(existing)
		counts.inserted = len(rows) - len(existing)
		return nil
	})
	return counts, err
}

func (w *Writer) prune(ctx context.Context, table string, partition Partition, keep map[string]struct{}, batchSize int) (int, error) {
	var existing []string
	err := w.db.WithContext(ctx).Table(table).
		Where("platform = ? AND activity_date = ?", partition.Platform, partition.ActivityDate).
		Pluck("natural_key", &existing).Error
	if err != nil {
		return 0, err
	}

	stale := lo.Filter(existing, func(key string, _ int) bool {
		_, ok := keep[key]
		return !ok
	})
	if len(stale) == 0 {
		return 0, nil
	}

	pruned := 0
	for _, chunk := range lo.Chunk(stale, batchSize) {
		tx := w.db.WithContext(ctx).Exec("DELETE FROM "+table+" WHERE natural_key IN ?", chunk)
		if tx.Error != nil {
			return pruned, tx.Error
		}
		pruned += int(tx.RowsAffected)
	}
	w.log.Info("warehouse.partition.pruned",
		zap.String("table", table),
		zap.String("platform", partition.Platform),
		zap.String("activity_date", partition.ActivityDate.Format(sourcedomain.DateLayout)),
		zap.Int("pruned", pruned),
	)
	return pruned, nil
}

func (w *Writer) wait(ctx context.Context) error {
	if w.pacer == nil {
		return nil
	}
	return w.pacer.Wait(ctx)
}
