package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/events"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultHistoryLimit = 50

var tracer = otel.Tracer("entitlements/subscription")

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	catalog plandomain.Catalog
	ledger  usagedomain.Ledger
	bus     events.Bus
	txOpts  db.TxOptions
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository
	Catalog plandomain.Catalog
	Ledger  usagedomain.Ledger
	Bus     events.Bus
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return New(p)
}

func New(p ServiceParam) *Service {
	opts := db.DefaultTxOptions()
	if p.Config.Ledger.MaxRetries > 0 {
		opts.MaxRetries = p.Config.Ledger.MaxRetries
	}
	if p.Config.Ledger.RetryBase > 0 {
		opts.RetryBase = p.Config.Ledger.RetryBase
	}
	if p.Config.Ledger.RetryMax > 0 {
		opts.RetryMax = p.Config.Ledger.RetryMax
	}
	if p.Config.Ledger.TxTimeout > 0 {
		opts.Timeout = p.Config.Ledger.TxTimeout
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   clk,
		repo:    p.Repo,
		catalog: p.Catalog,
		ledger:  p.Ledger,
		bus:     p.Bus,
		txOpts:  opts,
	}
}

// transition describes one state change. apply returns the next record and whether
// the governing tier changed, which clears today's usage.
type transition struct {
	op     string
	reason subscriptiondomain.TransitionReason
	event  string
	apply  func(current *subscriptiondomain.Subscription, now time.Time) (next *subscriptiondomain.Subscription, reset bool, err error)
}

func (s *Service) EnsureSubscription(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	return s.run(ctx, userID, transition{
		op:     "ensure",
		reason: subscriptiondomain.ReasonSignup,
		apply: func(current *subscriptiondomain.Subscription, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
			if current != nil {
				return current, false, nil
			}
			fresh := subscriptiondomain.FreeSubscription(userID, now)
			return &fresh, false, nil
		},
	})
}

func (s *Service) Get(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}

	item, err := s.repo.FindByUserID(ctx, s.db, userID, false)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) ChangePlan(ctx context.Context, userID, tierID string) (subscriptiondomain.Subscription, error) {
	return s.changePlan(ctx, userID, tierID, subscriptiondomain.ReasonPlanChange)
}

func (s *Service) changePlan(ctx context.Context, userID, tierID string, reason subscriptiondomain.TransitionReason) (subscriptiondomain.Subscription, error) {
	tierID = strings.TrimSpace(tierID)
	if tierID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTier
	}

	tier, err := s.catalog.Lookup(ctx, tierID)
	switch {
	case err == nil:
	case errors.Is(err, plandomain.ErrNotFound):
		s.log.Warn("unknown tier requested; assigning free tier",
			zap.String("user_id", userID),
			zap.String("tier_id", tierID),
		)
		tier = s.catalog.GetTier(ctx, plandomain.TierFree)
	default:
		// An unconfirmed id is never downgraded to free.
		s.log.Warn("plan catalog unavailable; refusing tier change",
			zap.String("user_id", userID),
			zap.String("tier_id", tierID),
			zap.Error(err),
		)
		return subscriptiondomain.Subscription{}, errors.Join(db.ErrRetryable, err)
	}

	return s.run(ctx, userID, transition{
		op:     "change_plan",
		reason: reason,
		event:  events.ReasonPlanChanged,
		apply: func(current *subscriptiondomain.Subscription, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
			next := subscriptiondomain.FreeSubscription(userID, now)
			if current != nil {
				next.CreatedAt = current.CreatedAt
			}
			next.TierID = tier.ID
			if !tier.IsFree() {
				next.Status = subscriptiondomain.SubscriptionStatusActive
				next.PeriodEnd = periodEnd(tier.BillingPeriod, now)
			}
			return &next, true, nil
		},
	})
}

func (s *Service) CancelPlan(ctx context.Context, userID string, opts subscriptiondomain.CancelOptions) (subscriptiondomain.Subscription, error) {
	if opts.AtPeriodEnd {
		return s.run(ctx, userID, transition{
			op:     "cancel_at_period_end",
			reason: subscriptiondomain.ReasonCancelAtPeriodEnd,
			event:  events.ReasonPlanCancelled,
			apply: func(current *subscriptiondomain.Subscription, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
				if current == nil || current.Status != subscriptiondomain.SubscriptionStatusActive {
					return nil, false, subscriptiondomain.ErrInvalidTransition
				}
				next := *current
				next.Status = subscriptiondomain.SubscriptionStatusCancelled
				next.CancelledAt = &now
				next.UpdatedAt = now
				return &next, false, nil
			},
		})
	}

	return s.run(ctx, userID, transition{
		op:     "cancel",
		reason: subscriptiondomain.ReasonCancel,
		event:  events.ReasonPlanCancelled,
		apply: func(current *subscriptiondomain.Subscription, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
			if current == nil || !isPaid(current) {
				return nil, false, subscriptiondomain.ErrInvalidTransition
			}
			next := *current
			next.TierID = plandomain.TierFree
			next.IsActive = false
			next.Status = subscriptiondomain.SubscriptionStatusCancelled
			next.CancelledAt = &now
			next.PeriodEnd = nil
			next.UpdatedAt = now
			return &next, true, nil
		},
	})
}

func (s *Service) Expire(ctx context.Context, userID string) (subscriptiondomain.Subscription, error) {
	return s.run(ctx, userID, transition{
		op:     "expire",
		reason: subscriptiondomain.ReasonExpire,
		event:  events.ReasonPlanExpired,
		apply: func(current *subscriptiondomain.Subscription, now time.Time) (*subscriptiondomain.Subscription, bool, error) {
			if current == nil || current.Status != subscriptiondomain.SubscriptionStatusCancelled || !current.IsActive {
				return nil, false, subscriptiondomain.ErrInvalidTransition
			}
			next := *current
			next.TierID = plandomain.TierFree
			next.IsActive = false
			next.Status = subscriptiondomain.SubscriptionStatusExpired
			next.PeriodEnd = &now
			next.UpdatedAt = now
			return &next, true, nil
		},
	})
}

func (s *Service) ApplyPurchase(ctx context.Context, userID string, purchase subscriptiondomain.Purchase) (subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}
	productID := strings.TrimSpace(purchase.ProductID)
	if productID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidProduct
	}

	if !purchase.Success {
		s.log.Info("unsuccessful purchase ignored", zap.String("user_id", userID), zap.String("product_id", productID))
		current, err := s.Get(ctx, userID)
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return subscriptiondomain.FreeSubscription(userID, s.clock.Now()), nil
		}
		return current, err
	}

	return s.changePlan(ctx, userID, productID, subscriptiondomain.ReasonPurchase)
}

func (s *Service) Delete(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.ErrInvalidUser
	}

	var deleted bool
	err := db.RunInTx(ctx, s.db, s.txOpts, func(tx *gorm.DB) error {
		var err error
		deleted, err = s.repo.SoftDelete(tx.Statement.Context, tx, userID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	s.publish(ctx, userID, events.ReasonSubscriptionGone)
	return nil
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]subscriptiondomain.PlanChange, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.repo.ListChanges(ctx, s.db, userID, limit)
}

func (s *Service) run(ctx context.Context, userID string, t transition) (subscriptiondomain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}

	ctx, span := tracer.Start(ctx, "subscription."+t.op)
	defer span.End()

	rowLocks := db.SupportsRowLocks(s.db)
	opts := s.txOpts
	opts.OnRetry = func(attempt int, err error) {
		s.log.Debug("subscription transaction conflict; retrying",
			zap.String("user_id", userID),
			zap.String("op", t.op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	var (
		result  subscriptiondomain.Subscription
		changed bool
	)
	err := db.RunInTx(ctx, s.db, opts, func(tx *gorm.DB) error {
		txCtx := tx.Statement.Context
		now := s.clock.Now()
		changed = false

		current, err := s.repo.FindByUserID(txCtx, tx, userID, rowLocks)
		if err != nil {
			return err
		}

		next, reset, err := t.apply(current, now)
		if err != nil {
			return err
		}
		if next == current {
			result = *current
			return nil
		}

		if err := s.repo.Save(txCtx, tx, next); err != nil {
			return err
		}
		if reset {
			if err := s.ledger.Reset(txCtx, tx, userID, ""); err != nil {
				return err
			}
		}

		change := &subscriptiondomain.PlanChange{
			ID:        s.genID.Generate(),
			UserID:    userID,
			ToTier:    next.TierID,
			ToStatus:  next.Status,
			Reason:    t.reason,
			CreatedAt: now,
		}
		if current != nil {
			change.FromTier = current.TierID
			change.FromStatus = current.Status
		}
		if err := s.repo.InsertChange(txCtx, tx, change); err != nil {
			return err
		}

		result = *next
		changed = true
		return nil
	})
	if err != nil {
		if !isDomainErr(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "subscription transaction failed")
			if !errors.Is(err, db.ErrRetryable) {
				err = fmt.Errorf("subscription %s: %w", t.op, err)
			}
		}
		return subscriptiondomain.Subscription{}, err
	}

	span.SetAttributes(
		attribute.String("plan.tier_id", result.TierID),
		attribute.String("subscription.status", string(result.Status)),
	)
	if changed {
		s.log.Info("subscription updated",
			zap.String("user_id", userID),
			zap.String("op", t.op),
			zap.String("tier_id", result.TierID),
			zap.String("status", string(result.Status)),
		)
		if t.event != "" {
			s.publish(ctx, userID, t.event)
		}
	}
	return result, nil
}

func (s *Service) publish(ctx context.Context, userID, reason string) {
	err := events.PublishJSON(context.WithoutCancel(ctx), s.bus, events.TopicUsersChanged, events.UserChanged{
		UserID:     userID,
		Reason:     reason,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("subscription change publish failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func isPaid(sub *subscriptiondomain.Subscription) bool {
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusActive:
		return true
	case subscriptiondomain.SubscriptionStatusCancelled:
		return sub.IsActive
	default:
		return false
	}
}

func periodEnd(billingPeriod string, from time.Time) *time.Time {
	var end time.Time
	switch billingPeriod {
	case plandomain.BillingMonthly:
		end = from.AddDate(0, 1, 0)
	case plandomain.BillingYearly:
		end = from.AddDate(1, 0, 0)
	default:
		return nil
	}
	return &end
}

func isDomainErr(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrInvalidTransition) ||
		errors.Is(err, subscriptiondomain.ErrInvalidUser) ||
		errors.Is(err, subscriptiondomain.ErrInvalidTier) ||
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound)
}
