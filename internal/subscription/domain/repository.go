package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	// FindByUserID ignores soft-deleted records. forUpdate takes a row lock where the dialect has one.
	FindByUserID(ctx context.Context, db *gorm.DB, userID string, forUpdate bool) (*Subscription, error)
	// Save writes every column and revives a soft-deleted record with the same key.
	Save(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	SoftDelete(ctx context.Context, db *gorm.DB, userID string) (bool, error)
	InsertChange(ctx context.Context, db *gorm.DB, change *PlanChange) error
	ListChanges(ctx context.Context, db *gorm.DB, userID string, limit int) ([]PlanChange, error)
}
