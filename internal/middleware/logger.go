package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerMiddleware writes one access line per request. Probe endpoints are
// not logged. Strings taken from the request are copied since fiber reuses
// their buffers once the handler returns.
func LoggerMiddleware(log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := utils.CopyString(c.Path())
		switch path {
		case "/health", "/metrics":
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()

		level := zapcore.InfoLevel
		if status >= fiber.StatusInternalServerError {
			level = zapcore.WarnLevel
		}
		if ce := log.Check(level, "request"); ce != nil {
			fields := []zap.Field{
				zap.String("request_id", GetRequestID(c)),
				zap.String("method", utils.CopyString(c.Method())),
				zap.String("route", utils.CopyString(c.Route().Path)),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", utils.CopyString(c.IP())),
			}
			if id := GetActor(c).UserIDPtr(); id != nil {
				fields = append(fields, zap.String("actor_id", id.String()))
			}
			ce.Write(fields...)
		}
		return err
	}
}
