package repository

import (
	"context"
	"errors"

	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	stmt := db.WithContext(ctx)
	if forUpdate {
		stmt = stmt.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}

	var subscription subscriptiondomain.Subscription
	err := stmt.Where("user_id = ?", userID).Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	subscription.DeletedAt = gorm.DeletedAt{}
	return db.WithContext(ctx).Unscoped().Save(subscription).Error
}

func (r *repo) SoftDelete(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	res := db.WithContext(ctx).Where("user_id = ?", userID).Delete(&subscriptiondomain.Subscription{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertChange(ctx context.Context, db *gorm.DB, change *subscriptiondomain.PlanChange) error {
	return db.WithContext(ctx).Create(change).Error
}

func (r *repo) ListChanges(ctx context.Context, db *gorm.DB, userID string, limit int) ([]subscriptiondomain.PlanChange, error) {
	var changes []subscriptiondomain.PlanChange
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}
