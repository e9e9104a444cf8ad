// Package domain contains the per-user daily usage ledger model.
package domain

import (
	"time"

	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

const dayLayout = "2006-01-02"

// DayKey is the UTC calendar day of t. Quotas reset at UTC midnight.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ParseDayKey validates a yyyy-mm-dd day key.
func ParseDayKey(day string) (time.Time, error) {
	return time.Parse(dayLayout, day)
}

// RecordID is the primary key of one (user, day) row.
func RecordID(userID, dayKey string) string {
	return userID + "_" + dayKey
}

// DailyUsage is one row of daily_usage. Counters only grow within a day; version
// guards every write so a lost race is detected instead of overwritten.
type DailyUsage struct {
	ID            string    `gorm:"primaryKey;type:varchar(191)"`
	UserID        string    `gorm:"type:varchar(128);not null;uniqueIndex:ix_daily_usage_user_day,priority:1"`
	DayKey        string    `gorm:"type:varchar(10);not null;uniqueIndex:ix_daily_usage_user_day,priority:2;index:ix_daily_usage_day"`
	AIMessages    int       `gorm:"column:ai_messages;not null;default:0"`
	SummaryNotes  int       `gorm:"column:summary_notes;not null;default:0"`
	DetailedNotes int       `gorm:"column:detailed_notes;not null;default:0"`
	BulletNotes   int       `gorm:"column:bullet_notes;not null;default:0"`
	PdfExports    int       `gorm:"column:pdf_exports;not null;default:0"`
	Version       int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (DailyUsage) TableName() string { return "daily_usage" }

var actionColumns = map[plandomain.ActionKind]string{
	plandomain.ActionAIMessage:    "ai_messages",
	plandomain.ActionSummaryNote:  "summary_notes",
	plandomain.ActionDetailedNote: "detailed_notes",
	plandomain.ActionBulletNote:   "bullet_notes",
	plandomain.ActionPdfExport:    "pdf_exports",
}

// ColumnFor maps an action to its counter column.
func ColumnFor(action plandomain.ActionKind) (string, bool) {
	col, ok := actionColumns[action]
	return col, ok
}

func (d *DailyUsage) Count(action plandomain.ActionKind) int {
	switch action {
	case plandomain.ActionAIMessage:
		return d.AIMessages
	case plandomain.ActionSummaryNote:
		return d.SummaryNotes
	case plandomain.ActionDetailedNote:
		return d.DetailedNotes
	case plandomain.ActionBulletNote:
		return d.BulletNotes
	case plandomain.ActionPdfExport:
		return d.PdfExports
	default:
		return 0
	}
}

func (d *DailyUsage) SetCount(action plandomain.ActionKind, n int) {
	switch action {
	case plandomain.ActionAIMessage:
		d.AIMessages = n
	case plandomain.ActionSummaryNote:
		d.SummaryNotes = n
	case plandomain.ActionDetailedNote:
		d.DetailedNotes = n
	case plandomain.ActionBulletNote:
		d.BulletNotes = n
	case plandomain.ActionPdfExport:
		d.PdfExports = n
	}
}

// Record converts the row to its read model.
func (d *DailyUsage) Record() UsageRecord {
	rec := EmptyRecord(d.UserID, d.DayKey)
	for _, action := range plandomain.Actions() {
		rec.Counts[action] = d.Count(action)
	}
	rec.LastUpdated = d.UpdatedAt
	return rec
}

// UsageRecord is a user's counters for one UTC day.
type UsageRecord struct {
	UserID      string                        `json:"user_id"`
	DayKey      string                        `json:"day"`
	Counts      map[plandomain.ActionKind]int `json:"counts"`
	LastUpdated time.Time                     `json:"last_updated"`
}

// EmptyRecord is the zero-usage record; it is what a missing row reads as.
func EmptyRecord(userID, dayKey string) UsageRecord {
	counts := make(map[plandomain.ActionKind]int, len(actionColumns))
	for _, action := range plandomain.Actions() {
		counts[action] = 0
	}
	return UsageRecord{UserID: userID, DayKey: dayKey, Counts: counts}
}

func (r UsageRecord) Count(action plandomain.ActionKind) int {
	return r.Counts[action]
}

// Consumption is the outcome of one check-and-increment.
type Consumption struct {
	Allowed bool
	Count   int
	Limit   int
	Record  UsageRecord
}
