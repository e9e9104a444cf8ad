package domain

import (
	"context"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

// Checker gates quota-limited actions.
type Checker interface {
	// CanPerform peeks without consuming and never creates a usage row.
	CanPerform(ctx context.Context, userID string, action plandomain.ActionKind) Decision
	// PerformAndConsume atomically checks and consumes one unit. A denial is not an error;
	// the only errors are invalid input and db.ErrRetryable.
	PerformAndConsume(ctx context.Context, userID string, action plandomain.ActionKind) (Decision, error)
	GetUsageSnapshot(ctx context.Context, userID string) Snapshot
}
