// Package engine is the current-user entry point. It resolves the acting user
// through the identity provider and delegates to the catalog, checker, tier
// assignment and notifier held by one instance.
package engine

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/auth"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/notifier"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"go.uber.org/fx"
)

type Params struct {
	fx.In

	Identity      auth.IdentityProvider
	Catalog       plandomain.Catalog
	Checker       entitlementdomain.Checker
	Subscriptions subscriptiondomain.Service
	Notifier      *notifier.Notifier
}

type Engine struct {
	identity      auth.IdentityProvider
	catalog       plandomain.Catalog
	checker       entitlementdomain.Checker
	subscriptions subscriptiondomain.Service
	notifier      *notifier.Notifier
}

func New(p Params) *Engine {
	return &Engine{
		identity:      p.Identity,
		catalog:       p.Catalog,
		checker:       p.Checker,
		subscriptions: p.Subscriptions,
		notifier:      p.Notifier,
	}
}

func (e *Engine) currentUser(ctx context.Context) string {
	userID, ok := e.identity.CurrentUserID(ctx)
	if !ok {
		return ""
	}
	return userID
}

func (e *Engine) requireUser(ctx context.Context) (string, error) {
	userID := e.currentUser(ctx)
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

func (e *Engine) CanPerform(ctx context.Context, action plandomain.ActionKind) entitlementdomain.Decision {
	return e.checker.CanPerform(ctx, e.currentUser(ctx), action)
}

func (e *Engine) PerformAndConsume(ctx context.Context, action plandomain.ActionKind) (entitlementdomain.Decision, error) {
	return e.checker.PerformAndConsume(ctx, e.currentUser(ctx), action)
}

func (e *Engine) GetUsageSnapshot(ctx context.Context) entitlementdomain.Snapshot {
	return e.checker.GetUsageSnapshot(ctx, e.currentUser(ctx))
}

func (e *Engine) ChangePlan(ctx context.Context, tierID string) (subscriptiondomain.Subscription, error) {
	userID, err := e.requireUser(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return e.subscriptions.ChangePlan(ctx, userID, tierID)
}

func (e *Engine) CancelPlan(ctx context.Context, opts subscriptiondomain.CancelOptions) (subscriptiondomain.Subscription, error) {
	userID, err := e.requireUser(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return e.subscriptions.CancelPlan(ctx, userID, opts)
}

func (e *Engine) ApplyPurchase(ctx context.Context, purchase subscriptiondomain.Purchase) (subscriptiondomain.Subscription, error) {
	userID, err := e.requireUser(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return e.subscriptions.ApplyPurchase(ctx, userID, purchase)
}

// Subscription returns the current subscription, creating the free one on first access.
func (e *Engine) Subscription(ctx context.Context) (subscriptiondomain.Subscription, error) {
	userID, err := e.requireUser(ctx)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	sub, err := e.subscriptions.EnsureSubscription(ctx, userID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return sub, nil
}

func (e *Engine) History(ctx context.Context, limit int) ([]subscriptiondomain.PlanChange, error) {
	userID, err := e.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return e.subscriptions.History(ctx, userID, limit)
}

// Subscribe streams snapshots of the current user until unsubscribe is called or ctx ends.
func (e *Engine) Subscribe(ctx context.Context, callback notifier.Callback) (unsubscribe func()) {
	return e.notifier.Subscribe(ctx, e.currentUser(ctx), callback)
}

func (e *Engine) ListTiers(ctx context.Context) []plandomain.Tier {
	return e.catalog.ListTiers(ctx)
}
