package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/events"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/internal/usage/domain"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("entitlements/usage")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Repo    domain.Repository
	Bus     events.Bus
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	bus     events.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
	txOpts  db.TxOptions
}

func NewService(p Params) domain.Ledger {
	return New(p)
}

func New(p Params) *Service {
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
		db:      p.DB,
		log:     p.Log.Named("usage.ledger"),
		repo:    p.Repo,
		bus:     p.Bus,
		clock:   clk,
		metrics: p.Metrics,
		txOpts:  opts,
	}
}

func (s *Service) Today() string {
	return domain.DayKey(s.clock.Now())
}

func (s *Service) Increment(ctx context.Context, userID string, action plandomain.ActionKind) (int, error) {
	res, err := s.consume(ctx, "increment", userID, action, plandomain.Unlimited)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

func (s *Service) Consume(ctx context.Context, userID string, action plandomain.ActionKind, limit int) (domain.Consumption, error) {
	return s.consume(ctx, "consume", userID, action, limit)
}

func (s *Service) consume(ctx context.Context, op, userID string, action plandomain.ActionKind, limit int) (domain.Consumption, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Consumption{}, domain.ErrInvalidUser
	}
	column, ok := domain.ColumnFor(action)
	if !ok {
		return domain.Consumption{}, domain.ErrInvalidAction
	}

	ctx, span := tracer.Start(ctx, "usage."+op)
	defer span.End()
	span.SetAttributes(attribute.String("entitlement.action", string(action)), attribute.Int("entitlement.limit", limit))

	now := s.clock.Now()
	day := domain.DayKey(now)
	id := domain.RecordID(userID, day)
	rowLocks := db.SupportsRowLocks(s.db)

	opts := s.txOpts
	opts.OnRetry = func(attempt int, err error) {
		s.metrics.RecordLedgerRetry(op)
		s.log.Debug("ledger transaction conflict; retrying",
			zap.String("user_id", userID),
			zap.String("action", string(action)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	start := time.Now()
	var result domain.Consumption
	err := db.RunInTx(ctx, s.db, opts, func(tx *gorm.DB) error {
		txCtx := tx.Statement.Context
		result = domain.Consumption{Limit: limit}

		if limit == 0 {
			row, err := s.repo.FindByID(txCtx, tx, id)
			if err != nil {
				return err
			}
			if row == nil {
				result.Record = domain.EmptyRecord(userID, day)
				return nil
			}
			result.Count = row.Count(action)
			result.Record = row.Record()
			return nil
		}

		if err := s.repo.EnsureRow(txCtx, tx, &domain.DailyUsage{
			ID:        id,
			UserID:    userID,
			DayKey:    day,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}

		row, err := s.repo.LockRow(txCtx, tx, id, rowLocks)
		if err != nil {
			return err
		}
		if row == nil {
			// Deleted by a concurrent plan change between insert and read.
			return db.ErrConflict
		}

		current := row.Count(action)
		if limit != plandomain.Unlimited && current >= limit {
			result.Count = current
			result.Record = row.Record()
			return nil
		}

		swapped, err := s.repo.CompareAndSwap(txCtx, tx, id, column, current+1, row.Version, now)
		if err != nil {
			return err
		}
		if !swapped {
			return db.ErrConflict
		}

		row.SetCount(action, current+1)
		row.Version++
		row.UpdatedAt = now
		result.Allowed = true
		result.Count = current + 1
		result.Record = row.Record()
		return nil
	})

	outcome := "allowed"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Allowed:
		outcome = "denied"
	}
	s.metrics.ObserveLedgerTx(op, outcome, time.Since(start))

	if err != nil {
		translated := s.translate(ctx, err)
		span.RecordError(translated)
		span.SetStatus(codes.Error, "ledger transaction failed")
		return domain.Consumption{}, translated
	}

	span.SetAttributes(attribute.Bool("entitlement.allowed", result.Allowed), attribute.Int("entitlement.count", result.Count))
	if result.Allowed {
		s.publishChanged(ctx, userID)
	}
	return result, nil
}

func (s *Service) GetToday(ctx context.Context, userID string) (domain.UsageRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UsageRecord{}, domain.ErrInvalidUser
	}
	day := s.Today()

	readCtx, cancel := context.WithTimeout(ctx, s.txOpts.Timeout)
	defer cancel()
	row, err := s.repo.FindByID(readCtx, s.db, domain.RecordID(userID, day))
	if err != nil {
		return domain.UsageRecord{}, s.translate(ctx, err)
	}
	if row == nil {
		return domain.EmptyRecord(userID, day), nil
	}
	return row.Record(), nil
}

func (s *Service) Reset(ctx context.Context, tx *gorm.DB, userID, dayKey string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrInvalidUser
	}
	if dayKey == "" {
		dayKey = s.Today()
	}
	if _, err := domain.ParseDayKey(dayKey); err != nil {
		return fmt.Errorf("invalid day key %q: %w", dayKey, err)
	}
	if tx == nil {
		tx = s.db
	}
	return s.repo.DeleteByID(ctx, tx, domain.RecordID(userID, dayKey))
}

// translate maps store failures onto the ledger's error taxonomy so driver errors
// never reach callers.
func (s *Service) translate(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrRetryable):
		return err
	case errors.Is(err, domain.ErrInvalidUser), errors.Is(err, domain.ErrInvalidAction):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case db.IsPermissionErr(err):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
}

func (s *Service) publishChanged(ctx context.Context, userID string) {
	err := events.PublishJSON(context.WithoutCancel(ctx), s.bus, events.TopicUsersChanged, events.UserChanged{
		UserID:     userID,
		Reason:     events.ReasonUsageIncremented,
		OccurredAt: s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("usage change publish failed", zap.String("user_id", userID), zap.Error(err))
	}
}
