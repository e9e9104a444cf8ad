package domain

import (
	"context"
	"errors"
)

// Catalog resolves tier definitions. Reads never fail: store trouble degrades to
// stale cache and then to the baked-in catalog.
type Catalog interface {
	// GetTier returns the tier, or the free tier when the id is unknown.
	GetTier(ctx context.Context, tierID string) Tier
	// Resolve reports ok=false when the id is neither stored nor baked in.
	Resolve(ctx context.Context, tierID string) (Tier, bool)
	// Lookup is the strict read used before assigning a tier. It returns
	// ErrNotFound for an unknown id and ErrUnavailable when the store could not
	// confirm a non-default id.
	Lookup(ctx context.Context, tierID string) (Tier, error)
	ListTiers(ctx context.Context) []Tier
	// Invalidate drops the given ids from the cache; no ids drops everything.
	Invalidate(tierIDs ...string)

	Upsert(ctx context.Context, req UpsertRequest) (Tier, error)
	Remove(ctx context.Context, tierID string) error
}

type UpsertRequest struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name"`
	BillingPeriod string         `json:"billing_period"`
	Quotas        map[string]int `json:"quotas"`
}

var (
	ErrInvalidTierID        = errors.New("invalid_tier_id")
	ErrInvalidAction        = errors.New("invalid_action")
	ErrInvalidQuota         = errors.New("invalid_quota")
	ErrInvalidBillingPeriod = errors.New("invalid_billing_period")
	ErrNotFound             = errors.New("not_found")
	// ErrUnavailable means the plan store could not be read.
	ErrUnavailable = errors.New("plan_store_unavailable")
)
