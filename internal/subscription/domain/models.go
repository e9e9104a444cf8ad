// Package domain contains the per-user subscription model and its plan change history.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"gorm.io/gorm"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusFree      SubscriptionStatus = "FREE"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

// Subscription is the single live tier assignment of a user.
type Subscription struct {
	UserID      string             `gorm:"primaryKey;type:varchar(128)" json:"user_id"`
	TierID      string             `gorm:"type:varchar(64);not null" json:"tier_id"`
	IsActive    bool               `gorm:"not null;default:true" json:"is_active"`
	Status      SubscriptionStatus `gorm:"type:varchar(16);not null" json:"status"`
	ActivatedAt time.Time          `gorm:"not null" json:"activated_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
	PeriodEnd   *time.Time         `json:"period_end,omitempty"`
	CreatedAt   time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"not null" json:"updated_at"`
	DeletedAt   gorm.DeletedAt     `gorm:"index" json:"-"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EffectiveTierID is the tier whose quotas currently apply.
func (s *Subscription) EffectiveTierID() string {
	if s == nil || s.TierID == "" || s.Status == SubscriptionStatusExpired {
		return plandomain.TierFree
	}
	return s.TierID
}

// FreeSubscription is how a user without a stored subscription is treated.
func FreeSubscription(userID string, now time.Time) Subscription {
	return Subscription{
		UserID:      userID,
		TierID:      plandomain.TierFree,
		IsActive:    true,
		Status:      SubscriptionStatusFree,
		ActivatedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

type TransitionReason string

const (
	ReasonSignup            TransitionReason = "signup"
	ReasonPurchase          TransitionReason = "purchase"
	ReasonPlanChange        TransitionReason = "plan_change"
	ReasonCancel            TransitionReason = "cancel"
	ReasonCancelAtPeriodEnd TransitionReason = "cancel_at_period_end"
	ReasonExpire            TransitionReason = "expire"
)

// PlanChange is one row of the append-only tier history.
type PlanChange struct {
	ID         snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID     string             `gorm:"type:varchar(128);not null;index:ix_plan_changes_user,priority:1" json:"user_id"`
	FromTier   string             `gorm:"type:varchar(64);not null;default:''" json:"from_tier"`
	ToTier     string             `gorm:"type:varchar(64);not null" json:"to_tier"`
	FromStatus SubscriptionStatus `gorm:"type:varchar(16);not null;default:''" json:"from_status"`
	ToStatus   SubscriptionStatus `gorm:"type:varchar(16);not null" json:"to_status"`
	Reason     TransitionReason   `gorm:"type:varchar(32);not null" json:"reason"`
	CreatedAt  time.Time          `gorm:"not null;index:ix_plan_changes_user,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (PlanChange) TableName() string { return "plan_changes" }
