package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	modePeek    = "peek"
	modeConsume = "consume"
)

var tracer = otel.Tracer("entitlements/checker")

type Params struct {
	fx.In

	Log           *zap.Logger
	Catalog       plandomain.Catalog
	Ledger        usagedomain.Ledger
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	catalog       plandomain.Catalog
	ledger        usagedomain.Ledger
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) domain.Checker {
	return New(p)
}

func New(p Params) *Service {
	return &Service{
		log:           p.Log.Named("entitlement.checker"),
		catalog:       p.Catalog,
		ledger:        p.Ledger,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
}

func (s *Service) CanPerform(ctx context.Context, userID string, action plandomain.ActionKind) domain.Decision {
	ctx, span := s.start(ctx, "entitlement.can_perform", userID, action)
	defer span.End()

	decision, err := s.canPerform(ctx, strings.TrimSpace(userID), action)
	if err != nil {
		decision = s.failOpen(ctx, span, modePeek, userID, action, err)
	}
	s.finish(span, modePeek, decision)
	return decision
}

func (s *Service) canPerform(ctx context.Context, userID string, action plandomain.ActionKind) (domain.Decision, error) {
	decision := domain.Decision{Action: action}
	if userID == "" {
		decision.Reason = domain.ReasonUnauthenticated
		return decision, nil
	}
	if _, ok := usagedomain.ColumnFor(action); !ok {
		decision.Reason = domain.ReasonUnknownAction
		return decision, nil
	}

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return decision, err
	}
	usage, err := s.ledger.GetToday(ctx, userID)
	if err != nil {
		return decision, err
	}

	return decide(action, tier, usage.Count(action), false), nil
}

func (s *Service) PerformAndConsume(ctx context.Context, userID string, action plandomain.ActionKind) (domain.Decision, error) {
	ctx, span := s.start(ctx, "entitlement.perform_and_consume", userID, action)
	defer span.End()

	userID = strings.TrimSpace(userID)
	decision := domain.Decision{Action: action}
	if userID == "" {
		decision.Reason = domain.ReasonUnauthenticated
		s.finish(span, modeConsume, decision)
		return decision, nil
	}
	if _, ok := usagedomain.ColumnFor(action); !ok {
		return decision, plandomain.ErrInvalidAction
	}

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		decision = s.failOpen(ctx, span, modeConsume, userID, action, err)
		s.finish(span, modeConsume, decision)
		return decision, nil
	}

	limit := tier.Limit(action)
	res, err := s.ledger.Consume(ctx, userID, action, limit)
	switch {
	case err == nil:
	case domain.Degradable(err):
		decision = s.failOpen(ctx, span, modeConsume, userID, action, err)
		decision.TierID = tier.ID
		decision.Limit = limit
		s.finish(span, modeConsume, decision)
		return decision, nil
	default:
		if errors.Is(err, db.ErrRetryable) {
			s.metrics.RecordDecision(string(action), modeConsume, "retryable")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "consume failed")
		return decision, err
	}

	decision = decide(action, tier, res.Count, res.Allowed)
	s.finish(span, modeConsume, decision)
	return decision, nil
}

func (s *Service) GetUsageSnapshot(ctx context.Context, userID string) domain.Snapshot {
	ctx, span := tracer.Start(ctx, "entitlement.usage_snapshot")
	defer span.End()

	userID = strings.TrimSpace(userID)
	free := s.catalog.GetTier(ctx, plandomain.TierFree)
	if userID == "" {
		return domain.UnauthorizedDefault(free, "", s.ledger.Today())
	}

	tier, err := s.tierFor(ctx, userID)
	if err != nil {
		return s.degraded(ctx, span, free, userID, err)
	}
	usage, err := s.ledger.GetToday(ctx, userID)
	if err != nil {
		return s.degraded(ctx, span, free, userID, err)
	}
	return domain.NewSnapshot(userID, tier, usage)
}

// tierFor resolves the governing tier; a user without a subscription is on the free tier.
func (s *Service) tierFor(ctx context.Context, userID string) (plandomain.Tier, error) {
	sub, err := s.subscriptions.Get(ctx, userID)
	switch {
	case err == nil:
		return s.catalog.GetTier(ctx, sub.EffectiveTierID()), nil
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return s.catalog.GetTier(ctx, plandomain.TierFree), nil
	case ctx.Err() != nil:
		return plandomain.Tier{}, ctx.Err()
	default:
		return plandomain.Tier{}, fmt.Errorf("%w: subscription read: %v", usagedomain.ErrUnavailable, err)
	}
}

func (s *Service) failOpen(ctx context.Context, span trace.Span, mode, userID string, action plandomain.ActionKind, err error) domain.Decision {
	reason := "unavailable"
	if errors.Is(err, usagedomain.ErrPermissionDenied) {
		reason = "permission_denied"
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	s.metrics.RecordFailOpen(string(action), reason)
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("entitlement.fail_open", true))

	s.log.Warn("entitlement check failed open",
		zap.String("user_id", userID),
		zap.String("action", string(action)),
		zap.String("mode", mode),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return domain.Decision{
		Allowed:   true,
		Reason:    domain.ReasonFailOpen,
		Action:    action,
		Remaining: plandomain.Unlimited,
		Limit:     plandomain.Unlimited,
		FailOpen:  true,
	}
}

func (s *Service) degraded(ctx context.Context, span trace.Span, free plandomain.Tier, userID string, err error) domain.Snapshot {
	span.RecordError(err)
	s.log.Warn("usage snapshot degraded to default view", zap.String("user_id", userID), zap.Error(err))
	return domain.UnauthorizedDefault(free, userID, s.ledger.Today())
}

func (s *Service) start(ctx context.Context, name, userID string, action plandomain.ActionKind) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("entitlement.action", string(action)),
		attribute.Bool("entitlement.authenticated", strings.TrimSpace(userID) != ""),
	))
}

func (s *Service) finish(span trace.Span, mode string, d domain.Decision) {
	outcome := "denied"
	switch {
	case d.FailOpen:
		outcome = "fail_open"
	case d.Allowed:
		outcome = "allowed"
	}
	s.metrics.RecordDecision(string(d.Action), mode, outcome)
	span.SetAttributes(
		attribute.Bool("entitlement.allowed", d.Allowed),
		attribute.String("plan.tier_id", d.TierID),
		attribute.Int("entitlement.count", d.Count),
		attribute.Int("entitlement.limit", d.Limit),
	)
}

// decide builds the decision for count against the tier's limit. When consumed is
// set the count already includes this use.
func decide(action plandomain.ActionKind, tier plandomain.Tier, count int, consumed bool) domain.Decision {
	limit := tier.Limit(action)
	d := domain.Decision{
		Action: action,
		TierID: tier.ID,
		Count:  count,
		Limit:  limit,
	}
	switch {
	case consumed:
		d.Allowed = true
	case limit == plandomain.Unlimited:
		d.Allowed = true
	default:
		d.Allowed = count < limit
	}
	d.Remaining = domain.Remaining(count, limit)
	if !d.Allowed {
		d.Reason = domain.DenialReason(action, count, limit)
	}
	return d
}
