package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types delivered to transaction parties.
const (
	EventTransactionCreated   = "transaction.created"
	EventTransactionFunded    = "transaction.funded"
	EventTransactionShipped   = "transaction.shipped"
	EventTransactionDelivered = "transaction.delivered"
	EventTransactionCompleted = "transaction.completed"
	EventTransactionCancelled = "transaction.cancelled"
	EventDisputeOpened        = "dispute.opened"
	EventDisputeMessage       = "dispute.message"
	EventDisputeEscalated     = "dispute.escalated"
	EventDisputeResolved      = "dispute.resolved"
)

// ChannelPattern matches every per-user notification channel.
const ChannelPattern = "notifications:*"

type Event struct {
	Type       string         `json:"type"`
	UserID     uuid.UUID      `json:"user_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// UserChannel is the pub/sub channel carrying notifications for one user.
func UserChannel(userID uuid.UUID) string {
	return "notifications:" + userID.String()
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, handler func(Event)) error
}

// Notifier is a fire-and-forget sink. Notify never blocks the caller on
// delivery and never reports failure.
type Notifier interface {
	Notify(userID uuid.UUID, eventType string, payload map[string]any)
}
