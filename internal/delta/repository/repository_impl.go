package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() deltadomain.Repository {
	return &repo{}
}

func (r *repo) PriorDeltas(ctx context.Context, db *gorm.DB, platform, vendorIdentity string, cycleStart, before time.Time) ([]decimal.Decimal, error) {
	var rows []struct {
		DeltaUSD decimal.Decimal
	}
	err := db.WithContext(ctx).Raw(
		`SELECT delta_usd FROM cost_delta_ledger
		 WHERE platform = ? AND vendor_identity = ? AND billing_cycle_start = ? AND activity_date < ?
		 ORDER BY activity_date ASC`,
		platform,
		vendorIdentity,
		cycleStart,
		before,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.DeltaUSD)
	}
	return out, nil
}

// ReplacePartition makes entries the whole ledger for (platform, activityDate).
// Identities missing from entries lose their delta for the day.
func (r *repo) ReplacePartition(ctx context.Context, db *gorm.DB, platform string, activityDate time.Time, entries []deltadomain.LedgerEntry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM cost_delta_ledger WHERE platform = ? AND activity_date = ?", platform, activityDate).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "platform"}, {Name: "vendor_identity"}, {Name: "activity_date"}},
			DoUpdates: clause.AssignmentColumns([]string{"billing_cycle_start", "cumulative_usd", "delta_usd", "clamped_usd", "ingestion_run_id", "updated_at"}),
		}).Create(&entries).Error
	})
}

func (r *repo) LatestActivityDate(ctx context.Context, db *gorm.DB, platform string) (time.Time, bool, error) {
	var entry deltadomain.LedgerEntry
	err := db.WithContext(ctx).
		Where("platform = ?", platform).
		Order("activity_date DESC").
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if entry.Platform == "" {
		return time.Time{}, false, nil
	}
	return entry.ActivityDate.UTC(), true, nil
}
