// Package domain holds the entitlement decision types and the degraded-view policy.
package domain

import (
	"context"
	"errors"
	"fmt"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
)

const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnknownAction   = "unknown action"
	ReasonFailOpen        = "usage store unavailable; allowed"
)

// Decision is the outcome of one entitlement check.
type Decision struct {
	Allowed   bool                  `json:"allowed"`
	Reason    string                `json:"reason,omitempty"`
	Action    plandomain.ActionKind `json:"action"`
	TierID    string                `json:"tier_id,omitempty"`
	Count     int                   `json:"count"`
	Limit     int                   `json:"limit"`
	Remaining int                   `json:"remaining"`
	FailOpen  bool                  `json:"fail_open,omitempty"`
}

// Snapshot is the full usage view of one user. It is always complete, never a delta.
type Snapshot struct {
	UserID        string                  `json:"user_id,omitempty"`
	Authenticated bool                    `json:"authenticated"`
	Degraded      bool                    `json:"degraded,omitempty"`
	Tier          plandomain.Tier         `json:"tier"`
	Usage         usagedomain.UsageRecord `json:"usage"`
	Limits        map[string]int          `json:"limits"`
	Remaining     map[string]int          `json:"remaining"`
}

// Remaining is what is left of limit after count; unlimited stays unlimited.
func Remaining(count, limit int) int {
	if limit == plandomain.Unlimited {
		return plandomain.Unlimited
	}
	if count >= limit {
		return 0
	}
	return limit - count
}

// DenialReason names the limit, the current usage and what to do about it.
func DenialReason(action plandomain.ActionKind, count, limit int) string {
	return fmt.Sprintf("Daily %s limit reached (%d/%d). Upgrade your plan for more usage.", action, count, limit)
}

// NewSnapshot assembles the snapshot for tier and usage.
func NewSnapshot(userID string, tier plandomain.Tier, usage usagedomain.UsageRecord) Snapshot {
	remaining := make(map[string]int, len(tier.Quotas))
	for _, action := range plandomain.Actions() {
		remaining[string(action)] = Remaining(usage.Count(action), tier.Limit(action))
	}
	return Snapshot{
		UserID:        userID,
		Authenticated: userID != "",
		Tier:          tier,
		Usage:         usage,
		Limits:        tier.Limits(),
		Remaining:     remaining,
	}
}

// UnauthorizedDefault is the single view served when the user is unknown or the
// stores cannot answer: the free tier with zero usage.
func UnauthorizedDefault(free plandomain.Tier, userID, dayKey string) Snapshot {
	snap := NewSnapshot(userID, free, usagedomain.EmptyRecord(userID, dayKey))
	snap.Degraded = userID != ""
	return snap
}

// Degradable reports whether err should degrade to the default view or fail open
// instead of reaching the caller.
func Degradable(err error) bool {
	return errors.Is(err, usagedomain.ErrUnavailable) ||
		errors.Is(err, usagedomain.ErrPermissionDenied) ||
		errors.Is(err, context.DeadlineExceeded)
}
