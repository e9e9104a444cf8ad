package domain

import (
	"sort"
	"strings"
)

var bakedIn = map[string]Tier{
	TierFree: {
		ID:            TierFree,
		DisplayName:   "Free",
		BillingPeriod: BillingNone,
		Quotas: Quotas{
			ActionAIMessage:    5,
			ActionSummaryNote:  3,
			ActionDetailedNote: 2,
			ActionBulletNote:   3,
			ActionPdfExport:    1,
		},
	},
	TierProMonthly: {
		ID:            TierProMonthly,
		DisplayName:   "Pro",
		BillingPeriod: BillingMonthly,
		Quotas:        proQuotas(),
	},
	TierProYearly: {
		ID:            TierProYearly,
		DisplayName:   "Pro",
		BillingPeriod: BillingYearly,
		Quotas:        proQuotas(),
	},
	TierPremiumMonthly: {
		ID:            TierPremiumMonthly,
		DisplayName:   "Premium",
		BillingPeriod: BillingMonthly,
		Quotas:        premiumQuotas(),
	},
	TierPremiumYearly: {
		ID:            TierPremiumYearly,
		DisplayName:   "Premium",
		BillingPeriod: BillingYearly,
		Quotas:        premiumQuotas(),
	},
}

func proQuotas() Quotas {
	return Quotas{
		ActionAIMessage:    500,
		ActionSummaryNote:  100,
		ActionDetailedNote: 100,
		ActionBulletNote:   100,
		ActionPdfExport:    20,
	}
}

func premiumQuotas() Quotas {
	return Quotas{
		ActionAIMessage:    1000,
		ActionSummaryNote:  Unlimited,
		ActionDetailedNote: Unlimited,
		ActionBulletNote:   Unlimited,
		ActionPdfExport:    Unlimited,
	}
}

// TierOverride adjusts a baked-in tier or declares an extra one.
type TierOverride struct {
	ID            string
	DisplayName   string
	BillingPeriod string
	Quotas        map[string]int
}

// DefaultCatalog returns the compiled-in tiers with overrides applied on top.
// Every tier in the result carries a quota for every action.
func DefaultCatalog(overrides []TierOverride) map[string]Tier {
	out := make(map[string]Tier, len(bakedIn)+len(overrides))
	for id, tier := range bakedIn {
		tier.Quotas = tier.Quotas.Clone()
		tier.Source = SourceDefault
		out[id] = tier
	}

	// The free override lands first so new tiers inherit the configured free
	// quotas whatever the file order.
	ordered := make([]TierOverride, len(overrides))
	copy(ordered, overrides)
	sort.SliceStable(ordered, func(i, j int) bool {
		return strings.TrimSpace(ordered[i].ID) == TierFree && strings.TrimSpace(ordered[j].ID) != TierFree
	})

	for _, o := range ordered {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			continue
		}
		base, ok := out[id]
		if !ok {
			base = Tier{ID: id, BillingPeriod: BillingNone, Quotas: out[TierFree].Quotas.Clone(), Source: SourceDefault}
		}
		if name := strings.TrimSpace(o.DisplayName); name != "" {
			base.DisplayName = name
		}
		if period := strings.TrimSpace(o.BillingPeriod); period != "" {
			base.BillingPeriod = period
		}
		for key, limit := range o.Quotas {
			if action, ok := ParseAction(key); ok && limit >= Unlimited {
				base.Quotas[action] = limit
			}
		}
		out[id] = base
	}
	return out
}

// FreeTier returns the free tier out of a default catalog, falling back to the compiled-in one.
func FreeTier(defaults map[string]Tier) Tier {
	if tier, ok := defaults[TierFree]; ok {
		return tier
	}
	tier := bakedIn[TierFree]
	tier.Quotas = tier.Quotas.Clone()
	tier.Source = SourceDefault
	return tier
}

// MergeOverDefault builds a tier from a stored row. Actions the row leaves out inherit
// the default of the same id, or the free tier when the id has no default.
func MergeOverDefault(row PlanConfig, defaults map[string]Tier) Tier {
	base, ok := defaults[row.ID]
	if !ok {
		base = FreeTier(defaults)
		base.ID = row.ID
		base.DisplayName = row.ID
		base.BillingPeriod = BillingNone
	}

	quotas := base.Quotas.Clone()
	for action, limit := range row.QuotaMap() {
		if limit < Unlimited {
			continue
		}
		quotas[action] = limit
	}

	tier := Tier{
		ID:            row.ID,
		DisplayName:   base.DisplayName,
		BillingPeriod: base.BillingPeriod,
		Quotas:        quotas,
		Revision:      row.UpdatedAt.UnixNano(),
		Source:        SourceStore,
	}
	if name := strings.TrimSpace(row.DisplayName); name != "" {
		tier.DisplayName = name
	}
	if period := strings.TrimSpace(row.BillingPeriod); period != "" {
		tier.BillingPeriod = period
	}
	return tier
}
