package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/usageledger/internal/retry"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReplaceRaw overwrites the raw landing partition of batch in one
// transaction, so a re-ingest never leaves rows of an earlier fetch behind.
func (w *Writer) ReplaceRaw(ctx context.Context, runID string, batch sourcedomain.Batch) error {
	engine := w.engine.Get()
	date := sourcedomain.Day(batch.ActivityDate)

	usage := make([]RawUsageRow, 0, len(batch.Usage))
	for _, r := range batch.Usage {
		metrics := make(datatypes.JSONMap, len(r.Metrics))
		for k, v := range r.Metrics {
			metrics[k] = v
		}
		usage = append(usage, RawUsageRow{
			ID:             w.genID.Generate(),
			Platform:       batch.Platform,
			ActivityDate:   date,
			VendorIdentity: r.VendorIdentity,
			VendorLabel:    r.VendorLabel,
			Dimensions:     dimensionsJSON(r.Dimensions),
			Metrics:        metrics,
			IngestionRunID: runID,
			FetchedAt:      batch.FetchedAt,
		})
	}
	cost := make([]RawCostRow, 0, len(batch.Cost))
	for _, r := range batch.Cost {
		cost = append(cost, RawCostRow{
			ID:             w.genID.Generate(),
			Platform:       batch.Platform,
			ActivityDate:   date,
			VendorIdentity: r.VendorIdentity,
			VendorLabel:    r.VendorLabel,
			Dimensions:     dimensionsJSON(r.Dimensions),
			AmountUSD:      r.AmountUSD,
			IngestionRunID: runID,
			FetchedAt:      batch.FetchedAt,
		})
	}

	err := retry.Run(ctx, retry.PolicyFrom(engine.Retry), nil, func(ctx context.Context) error {
		return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("DELETE FROM "+TableRawUsage+" WHERE platform = ? AND activity_date = ?", batch.Platform, date).Error; err != nil {
				return err
			}
			if err := tx.Exec("DELETE FROM "+TableRawCost+" WHERE platform = ? AND activity_date = ?", batch.Platform, date).Error; err != nil {
				return err
			}
			if len(usage) > 0 {
				if err := tx.CreateInBatches(usage, engine.Writer.BatchSize).Error; err != nil {
					return err
				}
			}
			if len(cost) > 0 {
				if err := tx.CreateInBatches(cost, engine.Writer.BatchSize).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("replace raw partition %s/%s: %w", batch.Platform, date.Format(sourcedomain.DateLayout), err)
	}

	w.log.Debug("warehouse.raw.replaced",
		zap.String("platform", batch.Platform),
		zap.String("activity_date", date.Format(sourcedomain.DateLayout)),
		zap.Int("usage_rows", len(usage)),
		zap.Int("cost_rows", len(cost)),
	)
	return nil
}

// AppendSnapshots records the cumulative readings seen by a run. History is
// never rewritten.
func (w *Writer) AppendSnapshots(ctx context.Context, runID string, recordedAt time.Time, snapshots []sourcedomain.CumulativeSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	engine := w.engine.Get()
	rows := make([]SnapshotRow, 0, len(snapshots))
	for _, s := range snapshots {
		rows = append(rows, SnapshotRow{
			ID:                  w.genID.Generate(),
			Platform:            s.Platform,
			VendorIdentity:      s.VendorIdentity,
			BillingCycleStart:   sourcedomain.Day(s.BillingCycleStart),
			SnapshotDate:        sourcedomain.Day(s.SnapshotDate),
			CumulativeAmountUSD: s.CumulativeAmountUSD,
			IngestionRunID:      runID,
			RecordedAt:          recordedAt,
		})
	}
	return retry.Run(ctx, retry.PolicyFrom(engine.Retry), nil, func(ctx context.Context) error {
		return w.db.WithContext(ctx).CreateInBatches(rows, engine.Writer.BatchSize).Error
	})
}

func dimensionsJSON(d sourcedomain.Dimensions) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
