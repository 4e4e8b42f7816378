package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/social-marketplace/backend/internal/config"
	"github.com/social-marketplace/backend/internal/db"
	"github.com/social-marketplace/backend/internal/events"
	"go.uber.org/zap"
)

// Notify bridge: forwards per-user notifications from Redis pub/sub to the
// Kafka topic consumed by the email and push senders.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	producer := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.NotificationsTopic, log)
	defer producer.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	err = subscriber.Subscribe(ctx, events.ChannelPattern, func(event events.Event) {
		pubCtx, pubCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pubCancel()

		if err := producer.Publish(pubCtx, events.UserChannel(event.UserID), event); err != nil {
			return
		}
		log.Debug("notification forwarded",
			zap.String("type", event.Type),
			zap.String("user_id", event.UserID.String()),
		)
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.String("pattern", events.ChannelPattern), zap.Error(err))
	}

	log.Info("notify-bridge started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.NotificationsTopic),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}
