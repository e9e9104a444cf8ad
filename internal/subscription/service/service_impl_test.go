package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/events"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	usagerepository "github.com/smallbiznis/entitlements/internal/usage/repository"
	usageservice "github.com/smallbiznis/entitlements/internal/usage/service"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// staticCatalog serves the baked-in tiers without a store.
type staticCatalog struct {
	tiers map[string]plandomain.Tier
	// lookupErr, when set, is returned by Lookup for ids outside tiers.
	lookupErr error
}

func (c staticCatalog) GetTier(ctx context.Context, tierID string) plandomain.Tier {
	tier, _ := c.Resolve(ctx, tierID)
	return tier
}

func (c staticCatalog) Resolve(_ context.Context, tierID string) (plandomain.Tier, bool) {
	tier, ok := c.tiers[tierID]
	if !ok {
		return plandomain.FreeTier(c.tiers), false
	}
	return tier, true
}

func (c staticCatalog) Lookup(_ context.Context, tierID string) (plandomain.Tier, error) {
	if tier, ok := c.tiers[tierID]; ok {
		return tier, nil
	}
	if c.lookupErr != nil {
		return plandomain.Tier{}, c.lookupErr
	}
	return plandomain.Tier{}, plandomain.ErrNotFound
}

func (c staticCatalog) ListTiers(context.Context) []plandomain.Tier { return nil }
func (c staticCatalog) Invalidate(...string)                        {}
func (c staticCatalog) Upsert(context.Context, plandomain.UpsertRequest) (plandomain.Tier, error) {
	return plandomain.Tier{}, nil
}
func (c staticCatalog) Remove(context.Context, string) error { return nil }

type fixture struct {
	db     *gorm.DB
	bus    *events.MemoryBus
	clock  *clock.FakeClock
	ledger *usageservice.Service
	svc    *Service
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PlanChange{},
		&usagedomain.DailyUsage{},
	))
	return conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{
		db:    setupTestDB(t),
		bus:   bus,
		clock: clock.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
	}
	cfg := config.Config{Ledger: config.LedgerConfig{MaxRetries: 3, TxTimeout: 10 * time.Second}}
	f.ledger = usageservice.New(usageservice.Params{
		DB:     f.db,
		Log:    zap.NewNop(),
		Config: cfg,
		Repo:   usagerepository.Provide(),
		Bus:    bus,
		Clock:  f.clock,
	})
	f.svc = New(ServiceParam{
		DB:      f.db,
		Log:     zap.NewNop(),
		Config:  cfg,
		GenID:   node,
		Clock:   f.clock,
		Repo:    repository.Provide(),
		Catalog: staticCatalog{tiers: plandomain.DefaultCatalog(nil)},
		Ledger:  f.ledger,
		Bus:     bus,
	})
	return f
}

func (f *fixture) use(t *testing.T, userID string, action plandomain.ActionKind, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.ledger.Increment(context.Background(), userID, action)
		require.NoError(t, err)
	}
}

func (f *fixture) usage(t *testing.T, userID string, action plandomain.ActionKind) int {
	t.Helper()
	rec, err := f.ledger.GetToday(context.Background(), userID)
	require.NoError(t, err)
	return rec.Count(action)
}

func TestEnsureSubscriptionCreatesFreeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.EnsureSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, sub.TierID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusFree, sub.Status)
	assert.True(t, sub.IsActive)

	f.clock.Advance(time.Hour)
	again, err := f.svc.EnsureSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sub.ActivatedAt.UTC(), again.ActivatedAt.UTC())

	history, err := f.svc.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.ReasonSignup, history[0].Reason)
}

func TestChangePlanResetsTodayUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProMonthly)
	require.NoError(t, err)
	f.use(t, "u1", plandomain.ActionAIMessage, 7)
	require.Equal(t, 7, f.usage(t, "u1", plandomain.ActionAIMessage))

	sub, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierPremiumYearly)
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierPremiumYearly, sub.TierID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.PeriodEnd)
	assert.Equal(t, f.clock.Now().AddDate(1, 0, 0), sub.PeriodEnd.UTC())
	assert.Equal(t, 0, f.usage(t, "u1", plandomain.ActionAIMessage))

	history, err := f.svc.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, plandomain.TierProMonthly, history[0].FromTier)
	assert.Equal(t, plandomain.TierPremiumYearly, history[0].ToTier)
}

func TestChangePlanKeepsOlderDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.use(t, "u1", plandomain.ActionPdfExport, 1)
	yesterday := f.ledger.Today()
	f.clock.Advance(24 * time.Hour)

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProMonthly)
	require.NoError(t, err)

	var row usagedomain.DailyUsage
	require.NoError(t, f.db.First(&row, "id = ?", usagedomain.RecordID("u1", yesterday)).Error)
	assert.Equal(t, 1, row.PdfExports)
}

func TestChangePlanUnknownTierFallsBackToFree(t *testing.T) {
	f := newFixture(t)

	sub, err := f.svc.ChangePlan(context.Background(), "u1", "enterprise-gold")
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, sub.TierID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusFree, sub.Status)
	assert.Nil(t, sub.PeriodEnd)

	_, err = f.svc.ChangePlan(context.Background(), "u1", "  ")
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTier)
}

func TestChangePlanUnconfirmedTierIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.catalog = staticCatalog{
		tiers:     plandomain.DefaultCatalog(nil),
		lookupErr: fmt.Errorf("%w: connection refused", plandomain.ErrUnavailable),
	}

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProMonthly)
	require.NoError(t, err)

	_, err = f.svc.ChangePlan(ctx, "u1", "team-annual")
	require.ErrorIs(t, err, db.ErrRetryable)
	require.ErrorIs(t, err, plandomain.ErrUnavailable)

	_, err = f.svc.ApplyPurchase(ctx, "u1", subscriptiondomain.Purchase{ProductID: "team-annual", Success: true})
	require.ErrorIs(t, err, db.ErrRetryable)

	sub, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierProMonthly, sub.TierID, "the paid tier is kept")
}

func TestCancelImmediateDemotesToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProMonthly)
	require.NoError(t, err)
	f.use(t, "u1", plandomain.ActionSummaryNote, 4)

	sub, err := f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{})
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, sub.TierID)
	assert.False(t, sub.IsActive)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.Equal(t, plandomain.TierFree, sub.EffectiveTierID())
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, 0, f.usage(t, "u1", plandomain.ActionSummaryNote))

	_, err = f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancelAtPeriodEndThenExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierPremiumMonthly)
	require.NoError(t, err)
	f.use(t, "u1", plandomain.ActionAIMessage, 3)

	sub, err := f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{AtPeriodEnd: true})
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierPremiumMonthly, sub.TierID)
	assert.True(t, sub.IsActive)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.Equal(t, 3, f.usage(t, "u1", plandomain.ActionAIMessage))

	_, err = f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{AtPeriodEnd: true})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	sub, err = f.svc.Expire(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, plandomain.TierFree, sub.TierID)
	assert.False(t, sub.IsActive)
	assert.Equal(t, 0, f.usage(t, "u1", plandomain.ActionAIMessage))

	_, err = f.svc.Expire(ctx, "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancelWithoutPaidPlanIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CancelPlan(ctx, "nobody", subscriptiondomain.CancelOptions{})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.EnsureSubscription(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{AtPeriodEnd: true})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	_, err = f.svc.Expire(ctx, "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestCancelledAtPeriodEndCanSwitchAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProMonthly)
	require.NoError(t, err)
	_, err = f.svc.CancelPlan(ctx, "u1", subscriptiondomain.CancelOptions{AtPeriodEnd: true})
	require.NoError(t, err)

	sub, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierProYearly)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.CancelledAt)
}

func TestApplyPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.ApplyPurchase(ctx, "u1", subscriptiondomain.Purchase{ProductID: plandomain.TierProMonthly, Success: false})
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, sub.TierID)
	_, err = f.svc.Get(ctx, "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	sub, err = f.svc.ApplyPurchase(ctx, "u1", subscriptiondomain.Purchase{ProductID: plandomain.TierProMonthly, Success: true})
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierProMonthly, sub.TierID)

	history, err := f.svc.History(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.ReasonPurchase, history[0].Reason)

	_, err = f.svc.ApplyPurchase(ctx, "u1", subscriptiondomain.Purchase{Success: true})
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidProduct)
}

func TestDeleteSoftDeletesAndSignupRevives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "u1", plandomain.TierPremiumMonthly)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, "u1"))

	_, err = f.svc.Get(ctx, "u1")
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	require.ErrorIs(t, f.svc.Delete(ctx, "u1"), subscriptiondomain.ErrSubscriptionNotFound)

	var raw subscriptiondomain.Subscription
	require.NoError(t, f.db.Unscoped().First(&raw, "user_id = ?", "u1").Error)
	assert.True(t, raw.DeletedAt.Valid)

	sub, err := f.svc.EnsureSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, sub.TierID)

	got, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plandomain.TierFree, got.TierID)
}

func TestChangePlanPublishesUserChanged(t *testing.T) {
	f := newFixture(t)
	sub, err := f.bus.Subscribe(context.Background(), events.TopicUsersChanged)
	require.NoError(t, err)
	defer sub.Close()

	_, err = f.svc.ChangePlan(context.Background(), "u1", plandomain.TierProMonthly)
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		var evt events.UserChanged
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		assert.Equal(t, "u1", evt.UserID)
		assert.Equal(t, events.ReasonPlanChanged, evt.Reason)
	case <-time.After(time.Second):
		t.Fatal("no users-changed event")
	}
}

func TestRejectsEmptyUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ChangePlan(ctx, "", plandomain.TierProMonthly)
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidUser)
	_, err = f.svc.Get(ctx, " ")
	require.ErrorIs(t, err, subscriptiondomain.ErrInvalidUser)
	require.ErrorIs(t, f.svc.Delete(ctx, ""), subscriptiondomain.ErrInvalidUser)
}
