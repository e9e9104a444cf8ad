package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlements/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Store {
	return &repo{}
}

func (r *repo) ReadTier(ctx context.Context, db *gorm.DB, id string) (*domain.PlanConfig, error) {
	var row domain.PlanConfig
	err := db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) ListTiers(ctx context.Context, db *gorm.DB) ([]domain.PlanConfig, error) {
	var rows []domain.PlanConfig
	if err := db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveTier inserts or replaces the row. created_at is kept on update.
func (r *repo) SaveTier(ctx context.Context, db *gorm.DB, row *domain.PlanConfig) (bool, error) {
	existing, err := r.ReadTier(ctx, db, row.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		row.CreatedAt = existing.CreatedAt
	}

	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "billing_period", "quotas", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return false, err
	}
	return existing == nil, nil
}

func (r *repo) DeleteTier(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PlanConfig{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.PlanConfig{}).Count(&count).Error
	return count, err
}
