package domain

import (
	"context"
	"errors"
)

// Purchase is the outcome reported by the billing collaborator.
type Purchase struct {
	ProductID string `json:"product_id"`
	Success   bool   `json:"success"`
}

type CancelOptions struct {
	// AtPeriodEnd keeps the paid tier until Expire is called for the period end.
	AtPeriodEnd bool `json:"at_period_end"`
}

// Service mutates a user's tier. Every mutation that changes the governing tier
// also clears today's usage in the same transaction.
type Service interface {
	// EnsureSubscription creates the free subscription at signup; existing records are returned unchanged.
	EnsureSubscription(ctx context.Context, userID string) (Subscription, error)
	// Get returns ErrSubscriptionNotFound when the user has no live record.
	Get(ctx context.Context, userID string) (Subscription, error)
	ChangePlan(ctx context.Context, userID, tierID string) (Subscription, error)
	CancelPlan(ctx context.Context, userID string, opts CancelOptions) (Subscription, error)
	// Expire handles the external period-end event of a subscription cancelled at period end.
	Expire(ctx context.Context, userID string) (Subscription, error)
	// ApplyPurchase ignores unsuccessful purchases and otherwise switches to the purchased tier.
	ApplyPurchase(ctx context.Context, userID string, purchase Purchase) (Subscription, error)
	// Delete soft-deletes the subscription at account deletion.
	Delete(ctx context.Context, userID string) error
	History(ctx context.Context, userID string, limit int) ([]PlanChange, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidTier          = errors.New("invalid_tier")
	ErrInvalidProduct       = errors.New("invalid_product")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
