package retention

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKey = "entitlements:usage:retention"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    usagedomain.Repository
	Clock   clock.Clock
	Config  Config            `optional:"true"`
	Locker  *ratelimit.Locker `optional:"true"`
	Metrics *metrics.Metrics  `optional:"true"`
}

// Worker deletes daily_usage rows older than the retention window. With several
// replicas only the holder of the redis lock sweeps in a given round.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    usagedomain.Repository
	clock   clock.Clock
	locker  *ratelimit.Locker
	metrics *metrics.Metrics
	cfg     Config
}

func NewWorker(p Params) *Worker {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("usage.retention"),
		repo:    p.Repo,
		clock:   clk,
		locker:  p.Locker,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("usage retention run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps until no expired rows remain and returns how many were deleted.
func (w *Worker) RunOnce(parentCtx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	var deleted int64
	ran, err := w.locker.WithLock(ctx, lockKey, w.cfg.LockTTL, func(ctx context.Context) error {
		cutoff := w.Cutoff()
		for {
			n, err := w.sweepBatch(ctx, cutoff)
			deleted += n
			if err != nil {
				return err
			}
			if n < int64(w.cfg.BatchSize) {
				return nil
			}
		}
	})
	if !ran && err == nil {
		w.log.Debug("usage retention skipped; lock held elsewhere")
		return 0, nil
	}
	if deleted > 0 {
		w.metrics.RecordRetentionDeleted(deleted)
		w.log.Info("usage retention swept", zap.Int64("deleted", deleted))
	}
	return deleted, err
}

// Cutoff is the oldest day key that is kept.
func (w *Worker) Cutoff() string {
	return usagedomain.DayKey(w.clock.Now().AddDate(0, 0, -w.cfg.Days))
}

func (w *Worker) sweepBatch(ctx context.Context, cutoff string) (int64, error) {
	var deleted int64
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := w.repo.ListExpired(ctx, tx, cutoff, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		deleted, err = w.repo.DeleteByIDs(ctx, tx, ids)
		return err
	})
	return deleted, err
}
