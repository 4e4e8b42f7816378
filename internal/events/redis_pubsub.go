package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher is the live notification sink. Nothing is stored: a
// notification published while nobody listens is gone.
type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	receivers, err := p.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.log.Debug("notification published",
		zap.String("channel", channel),
		zap.String("type", event.Type),
		zap.Int64("receivers", receivers),
	)
	return nil
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

// Subscribe confirms the pattern subscription and then delivers matching
// events to handler from a single goroutine until ctx is done.
func (s *RedisSubscriber) Subscribe(ctx context.Context, pattern string, handler func(Event)) error {
	sub := s.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	go s.consume(ctx, sub, handler)
	return nil
}

func (s *RedisSubscriber) consume(ctx context.Context, sub *redis.PubSub, handler func(Event)) {
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			event, err := decodeMessage(msg.Channel, msg.Payload)
			if err != nil {
				s.log.Error("dropping malformed notification", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(event)
		}
	}
}

// decodeMessage parses a payload and fills a missing recipient from the
// channel name.
func decodeMessage(channel, payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.UserID == uuid.Nil {
		id, err := uuid.Parse(strings.TrimPrefix(channel, "notifications:"))
		if err != nil {
			return Event{}, fmt.Errorf("no recipient in event or channel")
		}
		event.UserID = id
	}
	return event, nil
}
