package services

import (
	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/events"
	"github.com/social-marketplace/backend/internal/lifecycle"
	"github.com/social-marketplace/backend/internal/models"
)

var opEvents = map[string]string{
	lifecycle.OpFundEscrow:        events.EventTransactionFunded,
	lifecycle.OpMarkShipped:       events.EventTransactionShipped,
	lifecycle.OpMarkDelivered:     events.EventTransactionDelivered,
	lifecycle.OpAutoComplete:      events.EventTransactionCompleted,
	lifecycle.OpConfirmCompletion: events.EventTransactionCompleted,
	lifecycle.OpCancel:            events.EventTransactionCancelled,
	lifecycle.OpRaiseDispute:      events.EventDisputeOpened,
	lifecycle.OpAddMessage:        events.EventDisputeMessage,
	lifecycle.OpEscalate:          events.EventDisputeEscalated,
	lifecycle.OpResolve:           events.EventDisputeResolved,
}

func eventFor(plan *lifecycle.Plan) string {
	return opEvents[plan.Op]
}

// notifyParties sends one notification to the buyer and one to the seller.
func (s *TransactionService) notifyParties(t *models.Transaction, d *models.Dispute, eventType string, plan *lifecycle.Plan) {
	payload := map[string]any{
		"transaction_id": t.ID.String(),
		"status":         string(t.Status),
		"amount":         t.Amount.String(),
	}
	if t.RefundedAmount != nil {
		payload["refunded_amount"] = t.RefundedAmount.String()
	}
	if plan != nil {
		payload["from"] = string(plan.From)
		payload["to"] = string(plan.To)
		payload["actor_type"] = plan.Actor.ActorType()
		if plan.NewMessage != nil {
			payload["message_id"] = plan.NewMessage.ID.String()
			payload["author_id"] = plan.NewMessage.AuthorID.String()
		}
	}
	if d != nil {
		payload["dispute_id"] = d.ID.String()
		payload["dispute_status"] = string(d.Status)
		if d.Outcome != nil {
			payload["outcome"] = string(*d.Outcome)
		}
	}

	for _, userID := range []uuid.UUID{t.BuyerID, t.SellerID} {
		s.notifier.Notify(userID, eventType, payload)
	}
}

func transitionMeta(plan *lifecycle.Plan) map[string]any {
	t := plan.Transaction
	meta := map[string]any{
		"transaction_id": t.ID.String(),
		"from":           string(plan.From),
		"to":             string(plan.To),
	}
	if t.RefundedAmount != nil {
		meta["refunded_amount"] = t.RefundedAmount.String()
	}
	if t.FailureReason != nil && t.Status == models.TxStatusCancelled {
		meta["reason"] = *t.FailureReason
	}
	return meta
}

func disputeMeta(plan *lifecycle.Plan) map[string]any {
	d := plan.Dispute
	meta := map[string]any{
		"transaction_id": d.TransactionID.String(),
		"from":           string(plan.DisputeFrom),
		"to":             string(d.Status),
	}
	if d.Outcome != nil {
		meta["outcome"] = string(*d.Outcome)
	}
	if d.RefundedAmount != nil {
		meta["refunded_amount"] = d.RefundedAmount.String()
	}
	if d.ResolvedByAdminID != nil {
		meta["resolved_by_admin_id"] = d.ResolvedByAdminID.String()
	}
	if plan.NewMessage != nil {
		meta["message_id"] = plan.NewMessage.ID.String()
	}
	return meta
}
