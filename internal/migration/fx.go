package migration

import (
	"context"

	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, clk clock.Clock, log *zap.Logger) error {
		if err := Migrate(conn); err != nil {
			return err
		}
		seeded, err := seed.EnsurePlanConfigs(context.Background(), conn, clk.Now())
		if err != nil {
			return err
		}
		if seeded > 0 {
			log.Info("seeded plan catalog", zap.Int("tiers", seeded))
		}
		return nil
	}),
)
