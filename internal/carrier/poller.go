package carrier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/metrics"
	"github.com/social-marketplace/backend/internal/models"
	"go.uber.org/zap"
)

// ShipmentSource lists shipped transactions that carry a tracking number.
type ShipmentSource interface {
	ListShippedWithTracking(ctx context.Context, limit int) ([]models.Transaction, error)
}

type DeliveryConfirmer interface {
	MarkDelivered(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error)
}

type StatusFetcher interface {
	Fetch(ctx context.Context, number string) (*TrackingStatus, error)
}

// Throttle reports whether key may be polled now and, if so, reserves it
// for ttl.
type Throttle interface {
	Allow(ctx context.Context, key string, ttl time.Duration) bool
}

// RedisThrottle shares poll reservations between worker replicas.
type RedisThrottle struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisThrottle(rdb *redis.Client, log *zap.Logger) *RedisThrottle {
	return &RedisThrottle{rdb: rdb, log: log}
}

func (t *RedisThrottle) Allow(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := t.rdb.SetNX(ctx, "rl:carrier:"+key, "1", ttl).Result()
	if err != nil {
		// fail open
		t.log.Warn("carrier throttle unavailable", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

type Poller struct {
	source    ShipmentSource
	fetcher   StatusFetcher
	confirmer DeliveryConfirmer
	throttle  Throttle
	interval  time.Duration
	batch     int
	log       *zap.Logger
}

// NewPoller builds a poller. throttle may be nil.
func NewPoller(source ShipmentSource, fetcher StatusFetcher, confirmer DeliveryConfirmer, throttle Throttle, interval time.Duration, batch int, log *zap.Logger) *Poller {
	if batch <= 0 {
		batch = 100
	}
	return &Poller{
		source:    source,
		fetcher:   fetcher,
		confirmer: confirmer,
		throttle:  throttle,
		interval:  interval,
		batch:     batch,
		log:       log,
	}
}

// PollOnce checks every shipped transaction with a tracking number and
// confirms the ones the carrier reports as delivered. It returns how many
// transactions moved to Delivered.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	shipments, err := p.source.ListShippedWithTracking(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	p.log.Info("polling carrier", zap.Int("shipments", len(shipments)))

	delivered := 0
	for _, t := range shipments {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if t.TrackingNumber == nil {
			continue
		}
		number := *t.TrackingNumber
		if p.throttle != nil && !p.throttle.Allow(ctx, number, p.interval) {
			continue
		}

		st, err := p.fetcher.Fetch(ctx, number)
		if err != nil {
			metrics.CarrierDeliveries.WithLabelValues("error").Inc()
			p.log.Warn("tracking lookup failed",
				zap.String("transaction_id", t.ID.String()),
				zap.String("tracking_number", number),
				zap.Error(err),
			)
			continue
		}
		if st.Status != StatusDelivered {
			metrics.CarrierDeliveries.WithLabelValues(string(st.Status)).Inc()
			continue
		}

		_, _, err = p.confirmer.MarkDelivered(ctx, t.ID, models.SystemActor)
		switch {
		case err == nil:
			delivered++
			metrics.CarrierDeliveries.WithLabelValues("delivered").Inc()
			p.log.Info("carrier confirmed delivery",
				zap.String("transaction_id", t.ID.String()),
				zap.String("tracking_number", number),
				zap.Timep("delivered_at", st.DeliveredAt),
			)
		case errors.Is(err, apperror.ErrInvalidTransition):
			// The buyer got there first, or a dispute froze the transaction.
			metrics.CarrierDeliveries.WithLabelValues("stale").Inc()
		default:
			metrics.CarrierDeliveries.WithLabelValues("error").Inc()
			p.log.Error("failed to record carrier delivery",
				zap.String("transaction_id", t.ID.String()),
				zap.Error(err),
			)
		}
	}
	return delivered, nil
}
