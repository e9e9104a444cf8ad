package seed

import (
	"context"
	"errors"
	"time"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsurePlanConfigs writes the baked-in tiers into an empty plan_configs table so
// operators have rows to edit. A non-empty table is left alone.
func EnsurePlanConfigs(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}

	var seeded int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&plandomain.PlanConfig{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		tiers := make([]plandomain.Tier, 0, 5)
		for _, tier := range plandomain.DefaultCatalog(nil) {
			tiers = append(tiers, tier)
		}
		plandomain.SortTiers(tiers)

		rows := make([]plandomain.PlanConfig, 0, len(tiers))
		for _, tier := range tiers {
			rows = append(rows, plandomain.PlanConfig{
				ID:            tier.ID,
				DisplayName:   tier.DisplayName,
				BillingPeriod: tier.BillingPeriod,
				Quotas:        plandomain.EncodeQuotas(tier.Quotas),
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return res.Error
		}
		seeded = int(res.RowsAffected)
		return nil
	})
	return seeded, err
}
