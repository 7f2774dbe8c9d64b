package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	FlagUnattributed           = "unattributed"
	FlagKeywordInferred        = "keyword_inferred"
	FlagAmbiguousGranularity   = "ambiguous_granularity"
	FlagReconciliationMismatch = "reconciliation_mismatch"
	FlagStaleIdentity          = "stale_identity"
	FlagLateData               = "late_data"
	FlagNegativeDeltaClamped   = "negative_delta_clamped"
)

// DimensionBillingCycle tags cost facts derived from cumulative snapshots.
const DimensionBillingCycle = "billing_cycle_start"

// Subject is the "who" part of a natural key: the canonical email when
// attributed, the vendor identity otherwise.
func Subject(email *string, vendorIdentity string) string {
	if email != nil && *email != "" {
		return "email:" + strings.ToLower(*email)
	}
	return "vendor:" + vendorIdentity
}

// NaturalKey is the stable identity of a canonical fact across runs.
func NaturalKey(platform string, activityDate time.Time, subject, dimensionKey string) string {
	payload := fmt.Sprintf(
		"%s|%s|%s|%s",
		strings.ToLower(platform),
		activityDate.UTC().Format("2006-01-02"),
		subject,
		dimensionKey,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

type UsageFact struct {
	NaturalKey            string            `json:"natural_key" gorm:"primaryKey;type:char(64)"`
	Platform              string            `json:"platform" gorm:"type:text;not null;index:ix_usage_facts_partition,priority:1"`
	ActivityDate          time.Time         `json:"activity_date" gorm:"not null;index:ix_usage_facts_partition,priority:2"`
	CanonicalEmail        *string           `json:"canonical_email" gorm:"type:text;index"`
	VendorIdentity        string            `json:"vendor_identity" gorm:"type:text;not null"`
	DimensionKey          string            `json:"dimension_key" gorm:"type:text;not null"`
	Dimensions            datatypes.JSONMap `json:"dimensions" gorm:"not null"`
	Metrics               datatypes.JSONMap `json:"metrics" gorm:"not null"`
	RecordCount           int               `json:"record_count" gorm:"not null"`
	AttributionMethod     string            `json:"attribution_method" gorm:"type:text;not null"`
	AttributionConfidence float64           `json:"attribution_confidence" gorm:"not null"`
	DataQualityScore      float64           `json:"data_quality_score" gorm:"not null"`
	QualityFlags          string            `json:"quality_flags" gorm:"type:text"`
	IngestionRunID        string            `json:"ingestion_run_id" gorm:"type:text;not null"`
}

func (UsageFact) TableName() string { return "usage_facts" }

type CostFact struct {
	NaturalKey            string            `json:"natural_key" gorm:"primaryKey;type:char(64)"`
	Platform              string            `json:"platform" gorm:"type:text;not null;index:ix_cost_facts_partition,priority:1"`
	ActivityDate          time.Time         `json:"activity_date" gorm:"not null;index:ix_cost_facts_partition,priority:2"`
	CanonicalEmail        *string           `json:"canonical_email" gorm:"type:text;index"`
	VendorIdentity        string            `json:"vendor_identity" gorm:"type:text;not null"`
	DimensionKey          string            `json:"dimension_key" gorm:"type:text;not null"`
	Dimensions            datatypes.JSONMap `json:"dimensions" gorm:"not null"`
	AmountUSD             decimal.Decimal   `json:"amount_usd" gorm:"type:numeric(20,6);not null"`
	RecordCount           int               `json:"record_count" gorm:"not null"`
	GranularityLevel      string            `json:"granularity_level" gorm:"type:text"`
	AttributionMethod     string            `json:"attribution_method" gorm:"type:text;not null"`
	AttributionConfidence float64           `json:"attribution_confidence" gorm:"not null"`
	DataQualityScore      float64           `json:"data_quality_score" gorm:"not null"`
	QualityFlags          string            `json:"quality_flags" gorm:"type:text"`
	IngestionRunID        string            `json:"ingestion_run_id" gorm:"type:text;not null"`
}

func (CostFact) TableName() string { return "cost_facts" }

func (f UsageFact) Key() string { return f.NaturalKey }
func (f CostFact) Key() string  { return f.NaturalKey }

// Attributed reports whether the fact carries a canonical user.
func (f CostFact) Attributed() bool { return f.CanonicalEmail != nil }

func (f CostFact) HasFlag(flag string) bool  { return hasFlag(f.QualityFlags, flag) }
func (f UsageFact) HasFlag(flag string) bool { return hasFlag(f.QualityFlags, flag) }

func hasFlag(flags, flag string) bool {
	for _, f := range strings.Split(flags, ",") {
		if f == flag {
			return true
		}
	}
	return false
}
