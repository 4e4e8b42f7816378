package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/http/dto"
	"github.com/social-marketplace/backend/internal/middleware"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/repositories"
	"github.com/social-marketplace/backend/internal/services"
	"go.uber.org/zap"
)

type TransactionHandler struct {
	svc *services.TransactionService
	log *zap.Logger
}

func NewTransactionHandler(svc *services.TransactionService, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{svc: svc, log: log}
}

func (h *TransactionHandler) Create(c *fiber.Ctx) error {
	var req dto.CreateTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "", "invalid request body")
	}

	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		return badRequest(c, "seller_id", "invalid seller_id")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "amount", "amount must be a decimal string")
	}
	in := services.CreateTransactionInput{SellerID: sellerID, Item: req.Item, Amount: amount}
	if req.PostID != nil && *req.PostID != "" {
		postID, err := uuid.Parse(*req.PostID)
		if err != nil {
			return badRequest(c, "post_id", "invalid post_id")
		}
		in.PostID = &postID
	}

	t, err := h.svc.CreateTransaction(c.UserContext(), middleware.GetActor(c), in)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.TransactionResponse{Transaction: t}})
}

func (h *TransactionHandler) List(c *fiber.Ctx) error {
	actor := middleware.GetActor(c)
	filter := repositories.TransactionFilter{
		Limit:  c.QueryInt("limit", 20),
		Offset: c.QueryInt("offset", 0),
	}
	if v := c.Query("status"); v != "" {
		status := models.TransactionStatus(v)
		filter.Status = &status
	}

	switch c.Query("role") {
	case "buyer":
		filter.BuyerID = &actor.UserID
	case "seller":
		filter.SellerID = &actor.UserID
	case "":
	default:
		return badRequest(c, "role", "role must be buyer or seller")
	}

	list, err := h.svc.List(c.UserContext(), actor, filter)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if list == nil {
		list = []models.Transaction{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: list})
}

func (h *TransactionHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	t, d, err := h.svc.Get(c.UserContext(), id, middleware.GetActor(c))
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) Events(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	history, err := h.svc.GetEvents(c.UserContext(), id, middleware.GetActor(c), c.QueryInt("limit"), c.QueryInt("offset"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	if history == nil {
		history = []models.AuditLog{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: history})
}

func (h *TransactionHandler) Fund(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	t, d, err := h.svc.FundEscrow(c.UserContext(), id, middleware.GetActor(c))
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) Ship(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	var req dto.ShipRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	t, d, err := h.svc.MarkShipped(c.UserContext(), id, middleware.GetActor(c), req.TrackingNumber, req.ShippingProofURL)
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) Deliver(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	t, d, err := h.svc.MarkDelivered(c.UserContext(), id, middleware.GetActor(c))
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) Confirm(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	t, d, err := h.svc.ConfirmCompletion(c.UserContext(), id, middleware.GetActor(c))
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) Cancel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	var req dto.CancelRequest
	if err := parseOptionalBody(c, &req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	t, d, err := h.svc.Cancel(c.UserContext(), id, middleware.GetActor(c), req.Reason)
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) RaiseDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	var req dto.RaiseDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	t, d, err := h.svc.RaiseDispute(c.UserContext(), id, middleware.GetActor(c), req.Reason)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: dto.TransactionResponse{Transaction: t, Dispute: d}})
}

func (h *TransactionHandler) GetDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	d, err := h.svc.GetDispute(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: d})
}

func (h *TransactionHandler) AddDisputeMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	var req dto.DisputeMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	t, d, err := h.svc.AddDisputeMessage(c.UserContext(), id, middleware.GetActor(c), req.Text)
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) EscalateDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	t, d, err := h.svc.EscalateDispute(c.UserContext(), id, middleware.GetActor(c))
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) ResolveDispute(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "id", "invalid transaction id")
	}
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "", "invalid request body")
	}
	var refund *decimal.Decimal
	if req.RefundedAmount != nil {
		v, err := decimal.NewFromString(*req.RefundedAmount)
		if err != nil {
			return badRequest(c, "refunded_amount", "refunded_amount must be a decimal string")
		}
		refund = &v
	}
	t, d, err := h.svc.ResolveDispute(c.UserContext(), id, middleware.GetActor(c), models.DisputeOutcome(req.Outcome), refund)
	return h.respond(c, t, d, err)
}

func (h *TransactionHandler) respond(c *fiber.Ctx, t *models.Transaction, d *models.Dispute, err error) error {
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.TransactionResponse{Transaction: t, Dispute: d}})
}

// parseOptionalBody accepts an empty body for commands whose fields are all optional.
func parseOptionalBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return c.BodyParser(out)
}
