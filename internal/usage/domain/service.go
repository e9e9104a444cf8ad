package domain

import (
	"context"
	"errors"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"gorm.io/gorm"
)

// Ledger is the per-user-per-day usage store.
type Ledger interface {
	// Increment adds one to today's counter for action and returns the new count.
	Increment(ctx context.Context, userID string, action plandomain.ActionKind) (int, error)
	// Consume increments only while the count is below limit (-1 means no limit).
	// A denial is not an error.
	Consume(ctx context.Context, userID string, action plandomain.ActionKind, limit int) (Consumption, error)
	// GetToday never creates a row; a missing row reads as zero usage.
	GetToday(ctx context.Context, userID string) (UsageRecord, error)
	// Reset deletes the day's row inside the caller's transaction. An empty dayKey means today.
	Reset(ctx context.Context, tx *gorm.DB, userID, dayKey string) error
	// Today is the current day key according to the ledger's clock.
	Today() string
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAction = errors.New("invalid_action")
	// ErrUnavailable means the store could not be reached or did not answer in time.
	ErrUnavailable = errors.New("usage_store_unavailable")
	// ErrPermissionDenied means the store rejected the caller.
	ErrPermissionDenied = errors.New("usage_permission_denied")
	// ErrConflict is a lost write race. Once retries are exhausted it arrives joined with db.ErrRetryable.
	ErrConflict = db.ErrConflict
)
