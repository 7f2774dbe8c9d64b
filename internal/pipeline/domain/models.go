package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusPartial   = "PARTIAL"
	RunStatusFailed    = "FAILED"
)

// IngestionRun is the persisted record of one batch run. Summary holds the
// full run summary as JSON.
type IngestionRun struct {
	ID              string         `json:"id" gorm:"primaryKey;type:text"`
	Status          string         `json:"status" gorm:"type:text;not null;index"`
	DateFrom        time.Time      `json:"date_from" gorm:"not null"`
	DateTo          time.Time      `json:"date_to" gorm:"not null"`
	Platforms       string         `json:"platforms" gorm:"type:text;not null"`
	IdentityVersion string         `json:"identity_version" gorm:"type:text"`
	UncertainUSD    string         `json:"uncertain_usd" gorm:"type:text"`
	Summary         datatypes.JSON `json:"summary"`
	StartedAt       time.Time      `json:"started_at" gorm:"not null;index"`
	FinishedAt      *time.Time     `json:"finished_at"`
}

func (IngestionRun) TableName() string { return "ingestion_runs" }

type RunCursor struct {
	ID        string
	StartedAt time.Time
}

type ListFilter struct {
	Status string
	Cursor *RunCursor
	Limit  int
}

type Repository interface {
	Save(ctx context.Context, db *gorm.DB, run *IngestionRun) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*IngestionRun, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*IngestionRun, error)
}
