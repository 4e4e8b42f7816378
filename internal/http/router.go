package http

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/social-marketplace/backend/internal/config"
	"github.com/social-marketplace/backend/internal/http/handlers"
	"github.com/social-marketplace/backend/internal/metrics"
	"github.com/social-marketplace/backend/internal/middleware"
	"go.uber.org/zap"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	db Pinger,
	transactionHandler *handlers.TransactionHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	SetupOps(app, rdb, db)

	api := app.Group("/api/v1",
		middleware.AuthMiddleware(cfg.JWTSecret, log),
		middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute, log),
	)

	// Transactions
	api.Post("/transactions", transactionHandler.Create)
	api.Get("/transactions", transactionHandler.List)
	api.Get("/transactions/:id", transactionHandler.Get)
	api.Get("/transactions/:id/events", transactionHandler.Events)
	api.Post("/transactions/:id/fund", transactionHandler.Fund)
	api.Post("/transactions/:id/ship", transactionHandler.Ship)
	api.Post("/transactions/:id/deliver", transactionHandler.Deliver)
	api.Post("/transactions/:id/confirm", transactionHandler.Confirm)
	api.Post("/transactions/:id/cancel", transactionHandler.Cancel)

	// Disputes
	api.Post("/transactions/:id/dispute", transactionHandler.RaiseDispute)
	api.Get("/transactions/:id/dispute", transactionHandler.GetDispute)
	api.Post("/transactions/:id/dispute/messages", transactionHandler.AddDisputeMessage)
	api.Post("/transactions/:id/dispute/escalate", transactionHandler.EscalateDispute)
	api.Post("/transactions/:id/dispute/resolve", transactionHandler.ResolveDispute)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}

// SetupOps mounts /health and /metrics. The worker serves only these.
func SetupOps(app *fiber.App, rdb *redis.Client, db Pinger) {
	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		status := fiber.Map{"status": "ok", "postgres": "ok", "redis": "ok"}
		code := fiber.StatusOK
		if err := db.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
			status["status"] = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			status["status"] = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(status)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}
