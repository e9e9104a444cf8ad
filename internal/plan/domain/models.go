package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ActionKind is a meterable action gated by a daily quota.
type ActionKind string

const (
	ActionAIMessage    ActionKind = "aiMessages"
	ActionSummaryNote  ActionKind = "summaryNotes"
	ActionDetailedNote ActionKind = "detailedNotes"
	ActionBulletNote   ActionKind = "bulletNotes"
	ActionPdfExport    ActionKind = "pdfExports"
)

var allActions = []ActionKind{
	ActionAIMessage,
	ActionSummaryNote,
	ActionDetailedNote,
	ActionBulletNote,
	ActionPdfExport,
}

// Actions returns every known action in display order.
func Actions() []ActionKind {
	return append([]ActionKind(nil), allActions...)
}

// ParseAction matches wire names case-insensitively.
func ParseAction(raw string) (ActionKind, bool) {
	raw = strings.TrimSpace(raw)
	for _, action := range allActions {
		if strings.EqualFold(raw, string(action)) {
			return action, true
		}
	}
	return "", false
}

func (a ActionKind) String() string { return string(a) }

// Unlimited is the quota sentinel for "no daily cap".
const Unlimited = -1

const (
	TierFree           = "free"
	TierProMonthly     = "pro-monthly"
	TierProYearly      = "pro-yearly"
	TierPremiumMonthly = "premium-monthly"
	TierPremiumYearly  = "premium-yearly"
)

const (
	BillingNone    = "none"
	BillingMonthly = "monthly"
	BillingYearly  = "yearly"
)

// Source records where a tier snapshot came from.
type Source string

const (
	SourceStore   Source = "store"
	SourceDefault Source = "default"
	// SourceMissing marks a cached negative lookup; it never leaves the catalog.
	SourceMissing Source = "missing"
	// SourceUnverified marks a short-lived placeholder for an id the store could
	// not be asked about; reads treat it as unknown until a refresh succeeds.
	SourceUnverified Source = "unverified"
)

type Quotas map[ActionKind]int

func (q Quotas) Clone() Quotas {
	out := make(Quotas, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Tier is an immutable snapshot of one plan tier. Callers must not mutate Quotas.
type Tier struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Quotas        Quotas `json:"quotas"`
	BillingPeriod string `json:"billing_period"`
	Revision      int64  `json:"revision"`
	Source        Source `json:"source"`
}

// Limit returns the daily quota for action. Unknown actions have no allowance.
func (t Tier) Limit(action ActionKind) int {
	if limit, ok := t.Quotas[action]; ok {
		return limit
	}
	return 0
}

func (t Tier) Unlimited(action ActionKind) bool {
	return t.Limit(action) == Unlimited
}

func (t Tier) IsFree() bool { return t.ID == TierFree }

// Limits returns a copy of the quota map keyed by wire name.
func (t Tier) Limits() map[string]int {
	out := make(map[string]int, len(t.Quotas))
	for action, limit := range t.Quotas {
		out[string(action)] = limit
	}
	return out
}

// PlanConfig is the persisted tier definition in plan_configs.
type PlanConfig struct {
	ID            string            `gorm:"primaryKey;type:varchar(64)"`
	DisplayName   string            `gorm:"type:varchar(128);not null;default:''"`
	BillingPeriod string            `gorm:"type:varchar(16);not null;default:'none'"`
	Quotas        datatypes.JSONMap `gorm:"not null"`
	CreatedAt     time.Time         `gorm:"not null"`
	UpdatedAt     time.Time         `gorm:"not null"`
}

func (PlanConfig) TableName() string { return "plan_configs" }

// QuotaMap decodes the JSON column. Values scanned from the database arrive
// as json.Number; unknown action names and non-integer values are ignored.
func (p PlanConfig) QuotaMap() Quotas {
	out := make(Quotas, len(p.Quotas))
	for key, raw := range p.Quotas {
		action, ok := ParseAction(key)
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				continue
			}
			out[action] = int(n)
		case float64:
			out[action] = int(v)
		case int:
			out[action] = v
		case int64:
			out[action] = int(v)
		}
	}
	return out
}

// EncodeQuotas converts a quota map to the JSON column form.
func EncodeQuotas(q Quotas) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(q))
	for action, limit := range q {
		out[string(action)] = limit
	}
	return out
}

var tierOrder = map[string]int{
	TierFree:           0,
	TierProMonthly:     1,
	TierProYearly:      2,
	TierPremiumMonthly: 3,
	TierPremiumYearly:  4,
}

// SortTiers orders the baked-in tiers first, then custom tiers by id.
func SortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		oi, iKnown := tierOrder[tiers[i].ID]
		oj, jKnown := tierOrder[tiers[j].ID]
		switch {
		case iKnown && jKnown:
			return oi < oj
		case iKnown:
			return true
		case jKnown:
			return false
		default:
			return tiers[i].ID < tiers[j].ID
		}
	})
}
