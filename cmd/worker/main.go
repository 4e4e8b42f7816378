package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/social-marketplace/backend/internal/carrier"
	"github.com/social-marketplace/backend/internal/clock"
	"github.com/social-marketplace/backend/internal/config"
	"github.com/social-marketplace/backend/internal/db"
	"github.com/social-marketplace/backend/internal/events"
	apphttp "github.com/social-marketplace/backend/internal/http"
	"github.com/social-marketplace/backend/internal/ledger"
	"github.com/social-marketplace/backend/internal/lifecycle"
	"github.com/social-marketplace/backend/internal/lock"
	"github.com/social-marketplace/backend/internal/repositories"
	"github.com/social-marketplace/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.WorkerPoolSize, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	store := repositories.NewPgStore(pool)
	notifier := events.NewAsyncNotifier(events.NewRedisPublisher(rdb, log), clock.Real{}, cfg.NotifyTimeout, log)
	defer notifier.Wait()

	// No in-process timers here: the sweep below owns inspection expiry.
	txService := services.NewTransactionService(
		store,
		lifecycle.NewMachine(lifecycle.Policy{InspectionPeriod: cfg.InspectionPeriod}),
		ledger.NewHTTPGateway(cfg.LedgerURL, cfg.LedgerTimeout, log),
		lock.Chain{lock.NewKeyedMutex(), lock.NewRedisLocker(rdb, cfg.LockTTL, log)},
		notifier,
		clock.Real{},
		nil,
		cfg.LedgerTimeout,
		log,
	)

	var poller *carrier.Poller
	if cfg.CarrierTrackingURL != "" {
		tracker := carrier.NewTracker(cfg.CarrierTrackingURL, cfg.CarrierFetchTimeout, cfg.CarrierMaxRetries, log)
		poller = carrier.NewPoller(store, tracker, txService, carrier.NewRedisThrottle(rdb, log),
			cfg.CarrierPollInterval, cfg.AutoCompleteBatch, log)
	}

	// Ops endpoints
	ops := fiber.New(fiber.Config{DisableStartupMessage: true})
	apphttp.SetupOps(ops, rdb, pool)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		if err := ops.Listen(addr); err != nil {
			log.Error("ops server stopped", zap.Error(err))
		}
	}()
	defer ops.Shutdown()

	log.Info("worker started",
		zap.Duration("auto_complete_interval", cfg.AutoCompleteInterval),
		zap.Bool("carrier_polling", poller != nil),
	)

	sweepTicker := time.NewTicker(cfg.AutoCompleteInterval)
	defer sweepTicker.Stop()

	var carrierC <-chan time.Time
	if poller != nil {
		carrierTicker := time.NewTicker(cfg.CarrierPollInterval)
		defer carrierTicker.Stop()
		carrierC = carrierTicker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runAutoComplete(ctx, txService, cfg, log)

	for {
		select {
		case <-sweepTicker.C:
			runAutoComplete(ctx, txService, cfg, log)
		case <-carrierC:
			runCarrierPoll(ctx, poller, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runAutoComplete(ctx context.Context, txService *services.TransactionService, cfg *config.Config, log *zap.Logger) {
	n, err := txService.AutoCompleteExpired(ctx, cfg.AutoCompleteBatch, cfg.SweepConcurrency)
	if err != nil {
		log.Error("auto-complete sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("auto-completed transactions", zap.Int("count", n))
	}
}

func runCarrierPoll(ctx context.Context, poller *carrier.Poller, log *zap.Logger) {
	n, err := poller.PollOnce(ctx)
	if err != nil {
		log.Error("carrier poll failed", zap.Error(err))
		return
	}
	log.Info("carrier poll finished", zap.Int("delivered", n))
}
