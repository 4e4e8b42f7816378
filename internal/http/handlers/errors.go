package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/http/dto"
	"github.com/social-marketplace/backend/internal/middleware"
	"go.uber.org/zap"
)

// writeError maps a service error to its HTTP status.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	resp := dto.ErrorResponse{Error: err.Error(), RequestID: middleware.GetRequestID(c)}

	var (
		terr *apperror.TransitionError
		verr *apperror.ValidationError
	)
	status := fiber.StatusInternalServerError
	switch {
	case errors.As(err, &terr):
		status = fiber.StatusConflict
		resp.Current = terr.Current
		resp.Allowed = terr.Allowed
	case errors.As(err, &verr):
		status = fiber.StatusBadRequest
		resp.Field = verr.Field
	case errors.Is(err, apperror.ErrForbidden):
		status = fiber.StatusForbidden
	case errors.Is(err, apperror.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, apperror.ErrLedger):
		status = fiber.StatusServiceUnavailable
		resp.Error = "escrow ledger unavailable, try again"
		resp.Retryable = true
	default:
		log.Error("request failed",
			zap.String("request_id", resp.RequestID),
			zap.String("path", utils.CopyString(c.Path())),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	return c.Status(status).JSON(resp)
}

func badRequest(c *fiber.Ctx, field, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Field:     field,
		RequestID: middleware.GetRequestID(c),
	})
}
