package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureRow(ctx context.Context, db *gorm.DB, row *domain.DailyUsage) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(row).Error
}

func (r *repo) LockRow(ctx context.Context, db *gorm.DB, id string, forUpdate bool) (*domain.DailyUsage, error) {
	stmt := db.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	var row domain.DailyUsage
	err := stmt.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, id, column string, count int, expectedVersion int64, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.DailyUsage{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			column:       count,
			"version":    gorm.Expr("version + 1"),
			"updated_at": updatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.DailyUsage, error) {
	return r.LockRow(ctx, db, id, false)
}

func (r *repo) DeleteByID(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.DailyUsage{}).Error
}

func (r *repo) ListExpired(ctx context.Context, db *gorm.DB, dayKey string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.DailyUsage{}).
		Where("day_key < ?", dayKey).
		Order("day_key ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.DailyUsage{})
	return res.RowsAffected, res.Error
}
