package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/social-marketplace/backend/internal/clock"
	"github.com/social-marketplace/backend/internal/config"
	"github.com/social-marketplace/backend/internal/db"
	"github.com/social-marketplace/backend/internal/events"
	apphttp "github.com/social-marketplace/backend/internal/http"
	"github.com/social-marketplace/backend/internal/http/handlers"
	"github.com/social-marketplace/backend/internal/ledger"
	"github.com/social-marketplace/backend/internal/lifecycle"
	"github.com/social-marketplace/backend/internal/lock"
	"github.com/social-marketplace/backend/internal/repositories"
	"github.com/social-marketplace/backend/internal/services"
	"go.uber.org/zap"
)

const rearmLimit = 10000

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

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, db.APIPoolSize, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Collaborators
	store := repositories.NewPgStore(pool)
	gateway := ledger.NewHTTPGateway(cfg.LedgerURL, cfg.LedgerTimeout, log)
	locker := lock.Chain{lock.NewKeyedMutex(), lock.NewRedisLocker(rdb, cfg.LockTTL, log)}
	notifier := events.NewAsyncNotifier(events.NewRedisPublisher(rdb, log), clock.Real{}, cfg.NotifyTimeout, log)
	machine := lifecycle.NewMachine(lifecycle.Policy{InspectionPeriod: cfg.InspectionPeriod})

	txService := services.NewTransactionService(store, machine, gateway, locker, notifier, clock.Real{}, clock.Real{}, cfg.LedgerTimeout, log)
	if _, err := txService.RearmTimers(ctx, rearmLimit); err != nil {
		log.Error("failed to re-arm inspection timers", zap.Error(err))
	}

	// Handlers
	transactionHandler := handlers.NewTransactionHandler(txService, log)
	wsHub := handlers.NewWSHub(cfg.JWTSecret, events.NewRedisSubscriber(rdb, log), log)
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to start ws hub", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, pool, transactionHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		_ = app.Shutdown()
		cancel()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}

	// Let in-flight notifications drain before the process exits.
	notifier.Wait()
}
