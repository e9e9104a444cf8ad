package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/events"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	usagerepository "github.com/smallbiznis/entitlements/internal/usage/repository"
	usageservice "github.com/smallbiznis/entitlements/internal/usage/service"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

// fakeSubscriptions only answers Get; tiers are assigned directly by the test.
type fakeSubscriptions struct {
	subscriptiondomain.Service

	mu    sync.Mutex
	tiers map[string]string
	err   error
}

func (f *fakeSubscriptions) Get(_ context.Context, userID string) (subscriptiondomain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return subscriptiondomain.Subscription{}, f.err
	}
	tier, ok := f.tiers[userID]
	if !ok {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscriptiondomain.Subscription{UserID: userID, TierID: tier, Status: subscriptiondomain.SubscriptionStatusActive, IsActive: true}, nil
}

func (f *fakeSubscriptions) assign(userID, tierID string) {
	f.mu.Lock()
	f.tiers[userID] = tierID
	f.mu.Unlock()
}

// failingLedger fails every store call with err.
type failingLedger struct {
	usagedomain.Ledger
	err error
}

func (l failingLedger) Consume(context.Context, string, plandomain.ActionKind, int) (usagedomain.Consumption, error) {
	return usagedomain.Consumption{}, l.err
}

func (l failingLedger) GetToday(context.Context, string) (usagedomain.UsageRecord, error) {
	return usagedomain.UsageRecord{}, l.err
}

func (l failingLedger) Today() string { return "2026-05-04" }

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	subs   *fakeSubscriptions
	ledger *usageservice.Service
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&usagedomain.DailyUsage{}))

	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{
		db:    conn,
		clock: clock.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
		subs:  &fakeSubscriptions{tiers: map[string]string{}},
	}
	f.ledger = usageservice.New(usageservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		Config: config.Config{Ledger: config.LedgerConfig{MaxRetries: 3, TxTimeout: 2 * time.Minute}},
		Repo:   usagerepository.Provide(),
		Bus:    bus,
		Clock:  f.clock,
	})
	f.svc = f.newChecker(f.ledger)
	return f
}

func (f *fixture) newChecker(ledger usagedomain.Ledger) *Service {
	return New(Params{
		Log:           zap.NewNop(),
		Catalog:       staticCatalog{tiers: plandomain.DefaultCatalog(nil)},
		Ledger:        ledger,
		Subscriptions: f.subs,
	})
}

func TestPerformAndConsumeFreeTierLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := f.svc.PerformAndConsume(ctx, "u1", plandomain.ActionAIMessage)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, i, d.Count)
		require.Equal(t, 5-i, d.Remaining)
		require.Equal(t, plandomain.TierFree, d.TierID)
	}

	d, err := f.svc.PerformAndConsume(ctx, "u1", plandomain.ActionAIMessage)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 5, d.Count)
	require.Equal(t, "Daily aiMessages limit reached (5/5). Upgrade your plan for more usage.", d.Reason)
}

func TestCanPerformNeverMutates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := f.svc.CanPerform(ctx, "u1", plandomain.ActionPdfExport)
		require.True(t, d.Allowed)
		require.Equal(t, 0, d.Count)
	}

	var rows int64
	require.NoError(t, f.db.Model(&usagedomain.DailyUsage{}).Count(&rows).Error)
	require.Zero(t, rows)

	_, err := f.svc.PerformAndConsume(ctx, "u1", plandomain.ActionPdfExport)
	require.NoError(t, err)
	d := f.svc.CanPerform(ctx, "u1", plandomain.ActionPdfExport)
	require.False(t, d.Allowed)
	require.Equal(t, 1, d.Count)
	require.Contains(t, d.Reason, "(1/1)")

	rec, err := f.ledger.GetToday(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, rec.Count(plandomain.ActionPdfExport))
}

func TestUnauthenticatedIsDenied(t *testing.T) {
	f := newFixture(t)

	d := f.svc.CanPerform(context.Background(), "", plandomain.ActionAIMessage)
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonUnauthenticated, d.Reason)

	d, err := f.svc.PerformAndConsume(context.Background(), " ", plandomain.ActionAIMessage)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonUnauthenticated, d.Reason)
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)

	d := f.svc.CanPerform(context.Background(), "u1", plandomain.ActionKind("videoRenders"))
	require.False(t, d.Allowed)
	require.Equal(t, domain.ReasonUnknownAction, d.Reason)

	_, err := f.svc.PerformAndConsume(context.Background(), "u1", plandomain.ActionKind("videoRenders"))
	require.ErrorIs(t, err, plandomain.ErrInvalidAction)
}

func TestUnlimitedAlwaysAllowedAndCounted(t *testing.T) {
	f := newFixture(t)
	f.subs.assign("u1", plandomain.TierPremiumMonthly)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		d, err := f.svc.PerformAndConsume(ctx, "u1", plandomain.ActionSummaryNote)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, i, d.Count)
		require.Equal(t, plandomain.Unlimited, d.Remaining)
	}
}

func TestConcurrentPerformAndConsumeAllowsExactlyQuota(t *testing.T) {
	f := newFixture(t)
	f.subs.assign("u1", plandomain.TierProMonthly)

	// pdfExports on pro is 20.
	const attempts = 120
	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.svc.PerformAndConsume(context.Background(), "u1", plandomain.ActionPdfExport)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 20, allowed.Load())
}

func TestFailOpenOnUnavailableStore(t *testing.T) {
	f := newFixture(t)
	checker := f.newChecker(failingLedger{err: fmt.Errorf("%w: dial tcp: refused", usagedomain.ErrUnavailable)})

	d, err := checker.PerformAndConsume(context.Background(), "u1", plandomain.ActionAIMessage)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.FailOpen)

	d = checker.CanPerform(context.Background(), "u1", plandomain.ActionAIMessage)
	require.True(t, d.Allowed)
	require.True(t, d.FailOpen)
}

func TestFailOpenOnPermissionDenied(t *testing.T) {
	f := newFixture(t)
	checker := f.newChecker(failingLedger{err: fmt.Errorf("%w: 42501", usagedomain.ErrPermissionDenied)})

	d, err := checker.PerformAndConsume(context.Background(), "u1", plandomain.ActionBulletNote)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.True(t, d.FailOpen)
}

func TestRetryableIsSurfaced(t *testing.T) {
	f := newFixture(t)
	checker := f.newChecker(failingLedger{err: errors.Join(db.ErrRetryable, db.ErrConflict)})

	_, err := checker.PerformAndConsume(context.Background(), "u1", plandomain.ActionAIMessage)
	require.ErrorIs(t, err, db.ErrRetryable)
}

// contendedRepo loses every version check, as if another writer always got there first.
type contendedRepo struct {
	usagedomain.Repository
}

func (contendedRepo) CompareAndSwap(context.Context, *gorm.DB, string, string, int, int64, time.Time) (bool, error) {
	return false, nil
}

func TestExhaustedLedgerConflictIsSurfacedAsRetryable(t *testing.T) {
	f := newFixture(t)
	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	ledger := usageservice.New(usageservice.Params{
		DB:  f.db,
		Log: zap.NewNop(),
		Config: config.Config{Ledger: config.LedgerConfig{
			MaxRetries: 2,
			RetryBase:  time.Millisecond,
			RetryMax:   2 * time.Millisecond,
			TxTimeout:  time.Minute,
		}},
		Repo:  contendedRepo{Repository: usagerepository.Provide()},
		Bus:   bus,
		Clock: f.clock,
	})
	checker := f.newChecker(ledger)

	d, err := checker.PerformAndConsume(context.Background(), "u1", plandomain.ActionAIMessage)
	require.ErrorIs(t, err, db.ErrRetryable)
	require.False(t, d.Allowed)
	require.False(t, d.FailOpen)

	rec, err := f.ledger.GetToday(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, rec.Count(plandomain.ActionAIMessage))
}

func TestSubscriptionReadFailureFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.subs.err = errors.New("connection reset")

	d, err := f.svc.PerformAndConsume(context.Background(), "u1", plandomain.ActionAIMessage)
	require.NoError(t, err)
	require.True(t, d.FailOpen)

	snap := f.svc.GetUsageSnapshot(context.Background(), "u1")
	require.True(t, snap.Degraded)
	require.Equal(t, plandomain.TierFree, snap.Tier.ID)
}

func TestGetUsageSnapshot(t *testing.T) {
	f := newFixture(t)
	f.subs.assign("u1", plandomain.TierProYearly)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.PerformAndConsume(ctx, "u1", plandomain.ActionDetailedNote)
		require.NoError(t, err)
	}

	snap := f.svc.GetUsageSnapshot(ctx, "u1")
	assert.True(t, snap.Authenticated)
	assert.False(t, snap.Degraded)
	assert.Equal(t, plandomain.TierProYearly, snap.Tier.ID)
	assert.Equal(t, 3, snap.Usage.Count(plandomain.ActionDetailedNote))
	assert.Equal(t, 100, snap.Limits[string(plandomain.ActionDetailedNote)])
	assert.Equal(t, 97, snap.Remaining[string(plandomain.ActionDetailedNote)])
}

func TestGetUsageSnapshotDefaults(t *testing.T) {
	f := newFixture(t)

	anon := f.svc.GetUsageSnapshot(context.Background(), "")
	assert.False(t, anon.Authenticated)
	assert.Equal(t, plandomain.TierFree, anon.Tier.ID)
	assert.Equal(t, 5, anon.Remaining[string(plandomain.ActionAIMessage)])

	checker := f.newChecker(failingLedger{err: usagedomain.ErrUnavailable})
	degraded := checker.GetUsageSnapshot(context.Background(), "u1")
	assert.True(t, degraded.Degraded)
	assert.Equal(t, "u1", degraded.UserID)
	assert.Equal(t, plandomain.TierFree, degraded.Tier.ID)
	assert.Zero(t, degraded.Usage.Count(plandomain.ActionAIMessage))
}
