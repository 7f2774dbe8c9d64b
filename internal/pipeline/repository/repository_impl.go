package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, run *domain.IngestionRun) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(run).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.IngestionRun, error) {
	var run domain.IngestionRun
	err := db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.IngestionRun, error) {
	var runs []*domain.IngestionRun
	stmt := db.WithContext(ctx).Model(&domain.IngestionRun{}).
		Omit("summary")

	if status := strings.ToUpper(strings.TrimSpace(filter.Status)); status != "" {
		stmt = stmt.Where("status = ?", status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(started_at < ?) OR (started_at = ? AND id < ?)",
			filter.Cursor.StartedAt,
			filter.Cursor.StartedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("started_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
