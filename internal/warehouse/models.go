package warehouse

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TableUsageFacts         = "usage_facts"
	TableCostFacts          = "cost_facts"
	TableRawUsage           = "raw_usage_records"
	TableRawCost            = "raw_cost_records"
	TableCumulativeSnapshot = "cumulative_snapshots"
)

// RawUsageRow lands a vendor usage record as fetched. A partition is always
// replaced as a whole.
type RawUsageRow struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	Platform       string            `json:"platform" gorm:"type:text;not null;index:ix_raw_usage_partition,priority:1"`
	ActivityDate   time.Time         `json:"activity_date" gorm:"not null;index:ix_raw_usage_partition,priority:2"`
	VendorIdentity string            `json:"vendor_identity" gorm:"type:text;not null"`
	VendorLabel    string            `json:"vendor_label" gorm:"type:text"`
	Dimensions     datatypes.JSONMap `json:"dimensions"`
	Metrics        datatypes.JSONMap `json:"metrics"`
	IngestionRunID string            `json:"ingestion_run_id" gorm:"type:text;not null"`
	FetchedAt      time.Time         `json:"fetched_at"`
}

func (RawUsageRow) TableName() string { return TableRawUsage }

type RawCostRow struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	Platform       string            `json:"platform" gorm:"type:text;not null;index:ix_raw_cost_partition,priority:1"`
	ActivityDate   time.Time         `json:"activity_date" gorm:"not null;index:ix_raw_cost_partition,priority:2"`
	VendorIdentity string            `json:"vendor_identity" gorm:"type:text;not null"`
	VendorLabel    string            `json:"vendor_label" gorm:"type:text"`
	Dimensions     datatypes.JSONMap `json:"dimensions"`
	AmountUSD      decimal.Decimal   `json:"amount_usd" gorm:"type:numeric(20,6);not null"`
	IngestionRunID string            `json:"ingestion_run_id" gorm:"type:text;not null"`
	FetchedAt      time.Time         `json:"fetched_at"`
}

func (RawCostRow) TableName() string { return TableRawCost }

// SnapshotRow is the append-only history of cumulative spend readings.
type SnapshotRow struct {
	ID                  snowflake.ID    `json:"id" gorm:"primaryKey"`
	Platform            string          `json:"platform" gorm:"type:text;not null;index:ix_cumulative_snapshots_identity,priority:1"`
	VendorIdentity      string          `json:"vendor_identity" gorm:"type:text;not null;index:ix_cumulative_snapshots_identity,priority:2"`
	BillingCycleStart   time.Time       `json:"billing_cycle_start" gorm:"not null"`
	SnapshotDate        time.Time       `json:"snapshot_date" gorm:"not null;index:ix_cumulative_snapshots_identity,priority:3"`
	CumulativeAmountUSD decimal.Decimal `json:"cumulative_amount_usd" gorm:"type:numeric(20,6);not null"`
	IngestionRunID      string          `json:"ingestion_run_id" gorm:"type:text;not null"`
	RecordedAt          time.Time       `json:"recorded_at" gorm:"not null"`
}

func (SnapshotRow) TableName() string { return TableCumulativeSnapshot }
