package domain

import (
	"context"

	"gorm.io/gorm"
)

// Store is the authoritative plan_configs table.
type Store interface {
	// ReadTier returns nil without error when the row does not exist.
	ReadTier(ctx context.Context, db *gorm.DB, id string) (*PlanConfig, error)
	ListTiers(ctx context.Context, db *gorm.DB) ([]PlanConfig, error)
	SaveTier(ctx context.Context, db *gorm.DB, row *PlanConfig) (created bool, err error)
	// DeleteTier reports whether a row was removed.
	DeleteTier(ctx context.Context, db *gorm.DB, id string) (bool, error)
	Count(ctx context.Context, db *gorm.DB) (int64, error)
}
