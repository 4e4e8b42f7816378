package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/social-marketplace/backend/internal/auth"
	"github.com/social-marketplace/backend/internal/models"
	"go.uber.org/zap"
)

const CtxActor = "actor"

func AuthMiddleware(jwtSecret string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(jwtSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxActor, claims.Actor())

		return c.Next()
	}
}

// GetActor returns the authenticated caller, or the zero Actor on public routes.
func GetActor(c *fiber.Ctx) models.Actor {
	actor, _ := c.Locals(CtxActor).(models.Actor)
	return actor
}
