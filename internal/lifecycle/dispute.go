package lifecycle

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/rbac"
)

const maxMessageLen = 4000

func (m *Machine) AddMessage(tx *models.Transaction, d *models.Dispute, actor models.Actor, text string, now time.Time) (*Plan, error) {
	if !tx.IsParty(actor.UserID) && !rbac.HasPermission(actor.Role, rbac.PermMessageDispute) {
		return nil, apperror.Forbidden("only dispute parties or an admin can post messages")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperror.Validation("text", "must not be empty")
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return nil, apperror.Validation("text", "too long")
	}
	if !d.IsActive() {
		return nil, disputeTransitionError(d.Status, "add_message")
	}
	next := d.Clone()
	msg := models.DisputeMessage{
		ID:        uuid.New(),
		DisputeID: d.ID,
		AuthorID:  actor.UserID,
		Text:      text,
		CreatedAt: now,
	}
	next.Messages = append(next.Messages, msg)
	return &Plan{
		Op: OpAddMessage, Actor: actor, From: tx.Status, To: tx.Status, Transaction: tx.Clone(),
		Dispute: next, DisputeFrom: d.Status, NewMessage: &msg,
	}, nil
}

// Escalate hands the dispute to the admin queue. Escalating twice is a no-op.
func (m *Machine) Escalate(tx *models.Transaction, d *models.Dispute, actor models.Actor, now time.Time) (*Plan, error) {
	if !tx.IsParty(actor.UserID) && !rbac.HasPermission(actor.Role, rbac.PermEscalateDispute) {
		return nil, apperror.Forbidden("only dispute parties or an admin can escalate")
	}
	if d.Status == models.DisputeStatusEscalated {
		return noop(OpEscalate, actor, tx), nil
	}
	if !models.CanTransitionDispute(d.Status, models.DisputeStatusEscalated) {
		return nil, disputeTransitionError(d.Status, string(models.DisputeStatusEscalated))
	}
	next := d.Clone()
	next.Status = models.DisputeStatusEscalated
	next.EscalatedAt = &now
	return &Plan{
		Op: OpEscalate, Actor: actor, From: tx.Status, To: tx.Status, Transaction: tx.Clone(),
		Dispute: next, DisputeFrom: d.Status,
	}, nil
}

// Resolve records the admin decision and routes the transaction to its
// terminal state in the same plan. Resolving twice is always rejected.
func (m *Machine) Resolve(tx *models.Transaction, d *models.Dispute, actor models.Actor, outcome models.DisputeOutcome, refund *decimal.Decimal, now time.Time) (*Plan, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermResolveDispute) {
		return nil, apperror.Forbidden("only an admin can resolve disputes")
	}
	if !models.CanTransitionDispute(d.Status, models.DisputeStatusResolved) {
		return nil, disputeTransitionError(d.Status, string(models.DisputeStatusResolved))
	}
	amount, err := refundFor(tx.Amount, outcome, refund)
	if err != nil {
		return nil, err
	}
	nextTx, effects, err := m.applyDisputeResolution(tx, outcome, amount, now)
	if err != nil {
		return nil, err
	}

	next := d.Clone()
	adminID := actor.UserID
	next.Status = models.DisputeStatusResolved
	next.Outcome = &outcome
	next.RefundedAmount = &amount
	next.ResolvedByAdminID = &adminID
	next.ResolvedAt = &now

	return &Plan{
		Op: OpResolve, Actor: actor, From: tx.Status, To: nextTx.Status, Transaction: nextTx,
		Dispute: next, DisputeFrom: d.Status, Effects: effects,
	}, nil
}

// refundFor derives the buyer refund for an outcome. Only split takes the
// amount from the caller; for the others a supplied value must agree.
func refundFor(total decimal.Decimal, outcome models.DisputeOutcome, refund *decimal.Decimal) (decimal.Decimal, error) {
	var derived decimal.Decimal
	switch outcome {
	case models.OutcomeBuyerFavored:
		derived = total
	case models.OutcomeSellerFavored:
		derived = decimal.Zero
	case models.OutcomeSplit:
		if refund == nil {
			return decimal.Zero, apperror.Validation("refunded_amount", "required for split outcome")
		}
		if !refund.IsPositive() || refund.GreaterThanOrEqual(total) {
			return decimal.Zero, apperror.Validation("refunded_amount", "must be between 0 and "+total.String()+" exclusive")
		}
		return *refund, nil
	default:
		return decimal.Zero, apperror.Validation("outcome", "must be one of buyer_favored, seller_favored, split")
	}
	if refund != nil && !refund.Equal(derived) {
		return decimal.Zero, apperror.Validation("refunded_amount", "must be "+derived.String()+" for "+string(outcome))
	}
	return derived, nil
}

func disputeAllowed(from models.DisputeStatus) []string {
	allowed := make([]string, 0, len(models.DisputeTransitions[from]))
	for _, s := range models.DisputeTransitions[from] {
		allowed = append(allowed, string(s))
	}
	return allowed
}

func disputeTransitionError(from models.DisputeStatus, attempted string) error {
	return &apperror.TransitionError{
		Entity:    "dispute",
		Current:   string(from),
		Attempted: attempted,
		Allowed:   disputeAllowed(from),
	}
}
