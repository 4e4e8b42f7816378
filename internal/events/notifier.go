package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/clock"
	"github.com/social-marketplace/backend/internal/metrics"
	"go.uber.org/zap"
)

// AsyncNotifier publishes each notification once on its own goroutine.
// Failures are logged and counted, never retried.
type AsyncNotifier struct {
	pub     Publisher
	clock   clock.Clock
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewAsyncNotifier(pub Publisher, clk clock.Clock, timeout time.Duration, log *zap.Logger) *AsyncNotifier {
	return &AsyncNotifier{pub: pub, clock: clk, timeout: timeout, log: log}
}

func (n *AsyncNotifier) Notify(userID uuid.UUID, eventType string, payload map[string]any) {
	event := Event{
		Type:       eventType,
		UserID:     userID,
		Payload:    payload,
		OccurredAt: n.clock.Now(),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.pub.Publish(ctx, UserChannel(userID), event); err != nil {
			metrics.NotificationFailures.WithLabelValues(eventType).Inc()
			n.log.Warn("notification not delivered",
				zap.String("user_id", userID.String()),
				zap.String("event_type", eventType),
				zap.Any("transaction_id", payload["transaction_id"]),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every in-flight notification has been attempted.
func (n *AsyncNotifier) Wait() {
	n.wg.Wait()
}

// Recorder keeps notifications in memory. Used by tests and local runs
// without redis.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(userID uuid.UUID, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Type: eventType, UserID: userID, Payload: payload})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// For returns the event types delivered to userID in order.
func (r *Recorder) For(userID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
