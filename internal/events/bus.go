package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	TopicPlanConfigsChanged = "entitlements.plan_configs.changed"
	TopicUsersChanged       = "entitlements.users.changed"
)

var ErrBusClosed = errors.New("event_bus_closed")

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages until closed. Close is idempotent.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus is a fire-and-forget topic fanout. Delivery is best effort; subscribers must
// tolerate drops and duplicates.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}

// PlanChangeKind mirrors the store's change feed.
type PlanChangeKind string

const (
	PlanAdded    PlanChangeKind = "added"
	PlanModified PlanChangeKind = "modified"
	PlanRemoved  PlanChangeKind = "removed"
)

// PlanConfigChanged announces a write to plan_configs. Tier holds the
// serialized tier for added/modified and may be empty.
type PlanConfigChanged struct {
	Kind   PlanChangeKind  `json:"kind"`
	TierID string          `json:"tier_id"`
	Tier   json.RawMessage `json:"tier,omitempty"`
}

// UserChanged announces that a user's subscription or usage moved.
type UserChanged struct {
	UserID     string    `json:"user_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ReasonUsageIncremented = "usage_incremented"
	ReasonPlanChanged      = "plan_changed"
	ReasonPlanCancelled    = "plan_cancelled"
	ReasonPlanExpired      = "plan_expired"
	ReasonSubscriptionGone = "subscription_deleted"
)

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, bus Bus, topic string, v any) error {
	if bus == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, topic, payload)
}
