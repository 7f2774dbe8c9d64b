package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrEmptyVendorIdentity = errors.New("empty_vendor_identity")
	ErrCycleAfterSnapshot  = errors.New("billing_cycle_after_snapshot")
)

// LedgerEntry is the daily delta recorded for one identity. The sum of a
// cycle's entries before a date is that identity's prior cumulative spend.
type LedgerEntry struct {
	Platform          string          `json:"platform" gorm:"primaryKey;type:text"`
	VendorIdentity    string          `json:"vendor_identity" gorm:"primaryKey;type:text"`
	ActivityDate      time.Time       `json:"activity_date" gorm:"primaryKey"`
	BillingCycleStart time.Time       `json:"billing_cycle_start" gorm:"not null;index:ix_cost_delta_ledger_cycle"`
	CumulativeUSD     decimal.Decimal `json:"cumulative_usd" gorm:"type:numeric(20,6);not null"`
	DeltaUSD          decimal.Decimal `json:"delta_usd" gorm:"type:numeric(20,6);not null"`
	ClampedUSD        decimal.Decimal `json:"clamped_usd" gorm:"type:numeric(20,6);not null"`
	IngestionRunID    string          `json:"ingestion_run_id" gorm:"type:text;not null"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "cost_delta_ledger" }

// DeltaEntry is the converted spend of one identity for one day.
type DeltaEntry struct {
	Platform          string
	VendorIdentity    string
	VendorLabel       string
	BillingCycleStart time.Time
	ActivityDate      time.Time
	CumulativeUSD     decimal.Decimal
	PriorUSD          decimal.Decimal
	DeltaUSD          decimal.Decimal
	// ClampedUSD is the magnitude removed when the raw delta was negative.
	ClampedUSD decimal.Decimal
	// FirstInCycle marks a catch-up delta with no prior history.
	FirstInCycle bool
}

func (e DeltaEntry) Clamped() bool {
	return e.ClampedUSD.IsPositive()
}

func (e DeltaEntry) LedgerEntry(runID string, now time.Time) LedgerEntry {
	return LedgerEntry{
		Platform:          e.Platform,
		VendorIdentity:    e.VendorIdentity,
		ActivityDate:      e.ActivityDate,
		BillingCycleStart: e.BillingCycleStart,
		CumulativeUSD:     e.CumulativeUSD,
		DeltaUSD:          e.DeltaUSD,
		ClampedUSD:        e.ClampedUSD,
		IngestionRunID:    runID,
		UpdatedAt:         now,
	}
}

type Repository interface {
	// PriorDeltas returns the deltas recorded in cycleStart's cycle strictly
	// before date.
	PriorDeltas(ctx context.Context, db *gorm.DB, platform, vendorIdentity string, cycleStart, before time.Time) ([]decimal.Decimal, error)
	// ReplacePartition swaps every ledger row of (platform, activityDate) for
	// entries in one transaction.
	ReplacePartition(ctx context.Context, db *gorm.DB, platform string, activityDate time.Time, entries []LedgerEntry) error
	LatestActivityDate(ctx context.Context, db *gorm.DB, platform string) (time.Time, bool, error)
}
