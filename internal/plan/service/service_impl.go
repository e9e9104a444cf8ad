package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/events"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	defaultTTL          = 5 * time.Minute
	defaultFetchTimeout = 2 * time.Second
	// fallbackTTL bounds how long an outage answer is served before the next
	// background refresh is attempted.
	fallbackTTL = 15 * time.Second
)

var tierIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Store    domain.Store
	Bus      events.Bus
	Clock    clock.Clock
	Defaults *config.CatalogDefaultsHolder `optional:"true"`
	Metrics  *metrics.Metrics              `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	store    domain.Store
	bus      events.Bus
	clock    clock.Clock
	defaults *config.CatalogDefaultsHolder
	metrics  *metrics.Metrics

	ttl          time.Duration
	fetchTimeout time.Duration

	cache cache.Cache[string, domain.Tier]
	group singleflight.Group

	defaultsMu  sync.RWMutex
	defaultsMap map[string]domain.Tier
}

func New(p Params) *Service {
	ttl := p.Config.Catalog.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	fetchTimeout := p.Config.Catalog.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Service{
		db:           p.DB,
		log:          p.Log.Named("plan.catalog"),
		store:        p.Store,
		bus:          p.Bus,
		clock:        clk,
		defaults:     p.Defaults,
		metrics:      p.Metrics,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		cache:        cache.NewTTLCache[string, domain.Tier](cache.WithClock(clk)),
	}
	s.rebuildDefaults(p.Defaults.Get())
	p.Defaults.OnChange(func(tiers []config.TierDefault) {
		s.rebuildDefaults(tiers)
		s.Invalidate()
	})
	return s
}

// NewCatalog exposes the service through the domain interface.
func NewCatalog(s *Service) domain.Catalog { return s }

func (s *Service) GetTier(ctx context.Context, tierID string) domain.Tier {
	tier, ok := s.Resolve(ctx, tierID)
	if !ok {
		return s.freeTier()
	}
	return tier
}

func (s *Service) Resolve(ctx context.Context, tierID string) (domain.Tier, bool) {
	id := strings.TrimSpace(tierID)
	if id == "" {
		return s.freeTier(), false
	}

	entry, cached := s.cache.Peek(id)
	if cached && entry.Fresh(s.clock.Now()) {
		return s.visible(entry.Value)
	}

	if cached {
		// Expired: serve the stale value and let one background refresh replace it.
		s.refreshAsync(ctx, id)
		return s.visible(entry.Value)
	}

	tier, err := s.load(ctx, id)
	if err != nil {
		return s.fallback(id, err)
	}
	return s.visible(tier)
}

func (s *Service) Lookup(ctx context.Context, tierID string) (domain.Tier, error) {
	id := strings.TrimSpace(tierID)
	if id == "" {
		return domain.Tier{}, domain.ErrInvalidTierID
	}

	entry, cached := s.cache.Peek(id)
	if cached && entry.Fresh(s.clock.Now()) && entry.Value.Source != domain.SourceUnverified {
		return confirmed(entry.Value)
	}

	tier, err := s.load(ctx, id)
	if err == nil {
		return confirmed(tier)
	}
	if cached && entry.Value.Source != domain.SourceUnverified {
		s.log.Warn("plan catalog unavailable; using stale tier for assignment", zap.String("tier_id", id), zap.Error(err))
		return confirmed(entry.Value)
	}
	if def, ok := s.defaultCatalog()[id]; ok {
		return def, nil
	}
	return domain.Tier{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func confirmed(tier domain.Tier) (domain.Tier, error) {
	if tier.Source == domain.SourceMissing {
		return domain.Tier{}, domain.ErrNotFound
	}
	return tier, nil
}

func (s *Service) ListTiers(ctx context.Context) []domain.Tier {
	defaults := s.defaultCatalog()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	rows, err := s.store.ListTiers(fetchCtx, s.db)
	if err != nil {
		s.log.Warn("plan catalog list failed; serving cached and default tiers", zap.Error(err))
		s.metrics.RecordCatalogFallback("list")
		return s.listFromCache(defaults)
	}
	s.metrics.RecordCatalogRefresh("ok")

	byID := make(map[string]domain.Tier, len(defaults)+len(rows))
	for id, tier := range defaults {
		byID[id] = tier
	}
	for _, row := range rows {
		tier := domain.MergeOverDefault(row, defaults)
		byID[tier.ID] = tier
		s.cache.Set(tier.ID, tier, s.ttl)
	}

	out := make([]domain.Tier, 0, len(byID))
	for _, tier := range byID {
		out = append(out, tier)
	}
	domain.SortTiers(out)
	return out
}

func (s *Service) Invalidate(tierIDs ...string) {
	if len(tierIDs) == 0 {
		s.cache.Clear()
		return
	}
	s.cache.Delete(tierIDs...)
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (domain.Tier, error) {
	id := strings.TrimSpace(req.ID)
	if !tierIDPattern.MatchString(id) {
		return domain.Tier{}, domain.ErrInvalidTierID
	}
	period := strings.ToLower(strings.TrimSpace(req.BillingPeriod))
	switch period {
	case "", domain.BillingNone, domain.BillingMonthly, domain.BillingYearly:
	default:
		return domain.Tier{}, domain.ErrInvalidBillingPeriod
	}

	quotas := make(domain.Quotas, len(req.Quotas))
	for key, limit := range req.Quotas {
		action, ok := domain.ParseAction(key)
		if !ok {
			return domain.Tier{}, domain.ErrInvalidAction
		}
		if limit < domain.Unlimited {
			return domain.Tier{}, domain.ErrInvalidQuota
		}
		quotas[action] = limit
	}

	now := s.clock.Now()
	row := &domain.PlanConfig{
		ID:            id,
		DisplayName:   strings.TrimSpace(req.DisplayName),
		BillingPeriod: period,
		Quotas:        domain.EncodeQuotas(quotas),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.store.SaveTier(ctx, tx, row)
		return err
	})
	if err != nil {
		return domain.Tier{}, err
	}

	tier := domain.MergeOverDefault(*row, s.defaultCatalog())
	s.cache.Set(id, tier, s.ttl)

	kind := events.PlanModified
	if created {
		kind = events.PlanAdded
	}
	s.publish(ctx, kind, tier)

	s.log.Info("plan tier saved", zap.String("tier_id", id), zap.String("kind", string(kind)))
	return tier, nil
}

func (s *Service) Remove(ctx context.Context, tierID string) error {
	id := strings.TrimSpace(tierID)
	if id == "" {
		return domain.ErrInvalidTierID
	}

	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		deleted, err = s.store.DeleteTier(ctx, tx, id)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNotFound
	}

	s.applyRemoved(id)
	s.publish(ctx, events.PlanRemoved, domain.Tier{ID: id})

	s.log.Info("plan tier removed", zap.String("tier_id", id))
	return nil
}

// HandleChange applies a change pushed by any instance.
func (s *Service) HandleChange(evt events.PlanConfigChanged) {
	id := strings.TrimSpace(evt.TierID)
	if id == "" {
		return
	}

	switch evt.Kind {
	case events.PlanAdded, events.PlanModified:
		if len(evt.Tier) == 0 {
			s.cache.Delete(id)
			return
		}
		var pushed domain.Tier
		if err := json.Unmarshal(evt.Tier, &pushed); err != nil || pushed.ID != id {
			s.log.Warn("plan change payload unreadable; dropping cache entry", zap.String("tier_id", id), zap.Error(err))
			s.cache.Delete(id)
			return
		}
		row := domain.PlanConfig{
			ID:            id,
			DisplayName:   pushed.DisplayName,
			BillingPeriod: pushed.BillingPeriod,
			Quotas:        domain.EncodeQuotas(pushed.Quotas),
			UpdatedAt:     time.Unix(0, pushed.Revision).UTC(),
		}
		s.cache.Set(id, domain.MergeOverDefault(row, s.defaultCatalog()), s.ttl)
	case events.PlanRemoved:
		s.applyRemoved(id)
	default:
		s.log.Warn("unknown plan change kind", zap.String("kind", string(evt.Kind)), zap.String("tier_id", id))
	}
}

// applyRemoved reverts id to its default; ids without a default become unknown.
func (s *Service) applyRemoved(id string) {
	if tier, ok := s.defaultCatalog()[id]; ok {
		s.cache.Set(id, tier, s.ttl)
		return
	}
	s.cache.Set(id, domain.Tier{ID: id, Source: domain.SourceMissing}, s.ttl)
}

func (s *Service) publish(ctx context.Context, kind events.PlanChangeKind, tier domain.Tier) {
	evt := events.PlanConfigChanged{Kind: kind, TierID: tier.ID}
	if kind != events.PlanRemoved {
		payload, err := json.Marshal(tier)
		if err == nil {
			evt.Tier = payload
		}
	}
	if err := events.PublishJSON(ctx, s.bus, events.TopicPlanConfigsChanged, evt); err != nil {
		s.log.Warn("plan change publish failed", zap.String("tier_id", tier.ID), zap.Error(err))
	}
}

// load fetches id from the store once per key, caching the result (including
// negative lookups). The fetch is detached from the caller's cancellation so a
// shared in-flight fetch is not aborted by one impatient caller.
func (s *Service) load(ctx context.Context, id string) (domain.Tier, error) {
	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, id)
	})
	if err != nil {
		return domain.Tier{}, err
	}
	return v.(domain.Tier), nil
}

func (s *Service) refreshAsync(ctx context.Context, id string) {
	ch := s.group.DoChan(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fetchCtx, id)
	})
	go func() {
		res := <-ch
		if res.Err != nil {
			s.log.Warn("plan catalog refresh failed; serving stale tier", zap.String("tier_id", id), zap.Error(res.Err))
			s.metrics.RecordCatalogFallback("stale")
		}
	}()
}

func (s *Service) fetch(ctx context.Context, id string) (domain.Tier, error) {
	row, err := s.store.ReadTier(ctx, s.db, id)
	if err != nil {
		s.metrics.RecordCatalogRefresh("error")
		return domain.Tier{}, err
	}
	s.metrics.RecordCatalogRefresh("ok")

	defaults := s.defaultCatalog()
	var tier domain.Tier
	switch {
	case row != nil:
		tier = domain.MergeOverDefault(*row, defaults)
	default:
		if def, ok := defaults[id]; ok {
			tier = def
		} else {
			tier = domain.Tier{ID: id, Source: domain.SourceMissing}
		}
	}
	s.cache.Set(id, tier, s.ttl)
	return tier, nil
}

func (s *Service) fallback(id string, err error) (domain.Tier, bool) {
	if entry, ok := s.cache.Peek(id); ok {
		s.log.Warn("plan catalog unavailable; serving stale tier", zap.String("tier_id", id), zap.Error(err))
		s.metrics.RecordCatalogFallback("stale")
		return s.visible(entry.Value)
	}

	s.log.Warn("plan catalog unavailable; serving default tier", zap.String("tier_id", id), zap.Error(err))
	s.metrics.RecordCatalogFallback("default")

	// Cache the answer briefly so reads during the outage do not each wait on the store.
	ttl := min(fallbackTTL, s.ttl)
	if tier, ok := s.defaultCatalog()[id]; ok {
		s.cache.Set(id, tier, ttl)
		return tier, true
	}
	s.cache.Set(id, domain.Tier{ID: id, Source: domain.SourceUnverified}, ttl)
	return s.freeTier(), false
}

func (s *Service) listFromCache(defaults map[string]domain.Tier) []domain.Tier {
	byID := make(map[string]domain.Tier, len(defaults))
	for id, tier := range defaults {
		byID[id] = tier
	}
	for id := range defaults {
		if entry, ok := s.cache.Peek(id); ok && entry.Value.Source != domain.SourceMissing && entry.Value.Source != domain.SourceUnverified {
			byID[id] = entry.Value
		}
	}
	out := make([]domain.Tier, 0, len(byID))
	for _, tier := range byID {
		out = append(out, tier)
	}
	domain.SortTiers(out)
	return out
}

func (s *Service) rebuildDefaults(overrides []config.TierDefault) {
	converted := make([]domain.TierOverride, 0, len(overrides))
	for _, o := range overrides {
		converted = append(converted, domain.TierOverride{
			ID:            o.ID,
			DisplayName:   o.DisplayName,
			BillingPeriod: o.BillingPeriod,
			Quotas:        o.Quotas,
		})
	}
	catalog := domain.DefaultCatalog(converted)

	s.defaultsMu.Lock()
	s.defaultsMap = catalog
	s.defaultsMu.Unlock()
}

func (s *Service) defaultCatalog() map[string]domain.Tier {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaultsMap
}

func (s *Service) freeTier() domain.Tier {
	return domain.FreeTier(s.defaultCatalog())
}

// DefaultTiers returns the baked-in catalog including operator overrides.
func (s *Service) DefaultTiers() []domain.Tier {
	defaults := s.defaultCatalog()
	out := make([]domain.Tier, 0, len(defaults))
	for _, tier := range defaults {
		out = append(out, tier)
	}
	domain.SortTiers(out)
	return out
}

func (s *Service) visible(tier domain.Tier) (domain.Tier, bool) {
	if tier.Source == domain.SourceMissing || tier.Source == domain.SourceUnverified {
		return s.freeTier(), false
	}
	return tier, true
}
