package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// EnsureRow inserts row unless one with the same id exists.
	EnsureRow(ctx context.Context, db *gorm.DB, row *DailyUsage) error
	// LockRow reads the row, taking a row lock when forUpdate is set.
	LockRow(ctx context.Context, db *gorm.DB, id string, forUpdate bool) (*DailyUsage, error)
	// CompareAndSwap writes count to column only if the row is still at expectedVersion.
	CompareAndSwap(ctx context.Context, db *gorm.DB, id, column string, count int, expectedVersion int64, updatedAt time.Time) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*DailyUsage, error)
	DeleteByID(ctx context.Context, db *gorm.DB, id string) error
	// ListExpired returns up to limit ids of rows older than dayKey.
	ListExpired(ctx context.Context, db *gorm.DB, dayKey string, limit int) ([]string, error)
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []string) (int64, error)
}
