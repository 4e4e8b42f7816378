package lifecycle

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/rbac"
)

const (
	DefaultInspectionPeriod = 72 * time.Hour

	maxTrackingNumberLen = 64
	maxReasonLen         = 1000
)

type Policy struct {
	InspectionPeriod time.Duration
}

// Machine applies lifecycle commands to transaction and dispute aggregates.
type Machine struct {
	policy Policy
}

func NewMachine(policy Policy) *Machine {
	if policy.InspectionPeriod <= 0 {
		policy.InspectionPeriod = DefaultInspectionPeriod
	}
	return &Machine{policy: policy}
}

func (m *Machine) InspectionPeriod() time.Duration {
	return m.policy.InspectionPeriod
}

// NewTransactionInput carries what the buyer agreed to at checkout.
type NewTransactionInput struct {
	PostID   *uuid.UUID
	BuyerID  uuid.UUID
	SellerID uuid.UUID
	Item     string
	Amount   decimal.Decimal
}

// NewTransaction validates input and returns a pending transaction.
func (m *Machine) NewTransaction(in NewTransactionInput, now time.Time) (*models.Transaction, error) {
	if in.BuyerID == uuid.Nil || in.SellerID == uuid.Nil {
		return nil, apperror.Validation("participants", "buyer and seller are required")
	}
	if in.BuyerID == in.SellerID {
		return nil, apperror.Validation("seller_id", "buyer and seller must differ")
	}
	item := strings.TrimSpace(in.Item)
	if item == "" {
		return nil, apperror.Validation("item", "must not be empty")
	}
	if !in.Amount.IsPositive() {
		return nil, apperror.Validation("amount", "must be positive")
	}
	return &models.Transaction{
		ID:        uuid.New(),
		PostID:    in.PostID,
		BuyerID:   in.BuyerID,
		SellerID:  in.SellerID,
		Item:      item,
		Amount:    in.Amount,
		Status:    models.TxStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (m *Machine) FundEscrow(tx *models.Transaction, actor models.Actor, now time.Time) (*Plan, error) {
	if actor.UserID != tx.BuyerID {
		return nil, apperror.Forbidden("only the buyer can fund escrow")
	}
	next, err := advance(tx, models.TxStatusInEscrow, now)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Op: OpFundEscrow, Actor: actor, From: tx.Status, To: next.Status, Transaction: next,
		Effects: []Effect{{Kind: EffectLedgerHold, Amount: tx.Amount}},
	}, nil
}

func (m *Machine) MarkShipped(tx *models.Transaction, actor models.Actor, trackingNumber, proofURL string, now time.Time) (*Plan, error) {
	if actor.UserID != tx.SellerID {
		return nil, apperror.Forbidden("only the seller can mark a transaction shipped")
	}
	trackingNumber = strings.TrimSpace(trackingNumber)
	if len(trackingNumber) > maxTrackingNumberLen {
		return nil, apperror.Validation("tracking_number", "too long")
	}
	proofURL = strings.TrimSpace(proofURL)
	if proofURL != "" {
		u, err := url.ParseRequestURI(proofURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, apperror.Validation("shipping_proof_url", "must be an absolute http(s) url")
		}
	}
	next, err := advance(tx, models.TxStatusShipped, now)
	if err != nil {
		return nil, err
	}
	next.ShippedAt = &now
	if trackingNumber != "" {
		next.TrackingNumber = &trackingNumber
	}
	if proofURL != "" {
		next.ShippingProofURL = &proofURL
	}
	return &Plan{Op: OpMarkShipped, Actor: actor, From: tx.Status, To: next.Status, Transaction: next}, nil
}

// MarkDelivered accepts the buyer or a system carrier signal.
func (m *Machine) MarkDelivered(tx *models.Transaction, actor models.Actor, now time.Time) (*Plan, error) {
	if actor.UserID != tx.BuyerID && !rbac.HasPermission(actor.Role, rbac.PermConfirmDelivery) {
		return nil, apperror.Forbidden("only the buyer or a carrier signal can confirm delivery")
	}
	next, err := advance(tx, models.TxStatusDelivered, now)
	if err != nil {
		return nil, err
	}
	ends := now.Add(m.policy.InspectionPeriod)
	next.DeliveredAt = &now
	next.InspectionPeriodEnds = &ends
	return &Plan{Op: OpMarkDelivered, Actor: actor, From: tx.Status, To: next.Status, Transaction: next}, nil
}

// AutoComplete completes a delivered transaction whose inspection window has
// elapsed. Any other situation is a no-op rather than an error, so repeated
// timer firings and stale sweeps are harmless.
func (m *Machine) AutoComplete(tx *models.Transaction, d *models.Dispute, now time.Time) *Plan {
	actor := models.SystemActor
	if tx.Status != models.TxStatusDelivered {
		return noop(OpAutoComplete, actor, tx)
	}
	if tx.InspectionPeriodEnds == nil || now.Before(*tx.InspectionPeriodEnds) {
		return noop(OpAutoComplete, actor, tx)
	}
	if d != nil && d.IsActive() {
		return noop(OpAutoComplete, actor, tx)
	}
	next, effects := complete(tx, decimal.Zero, now)
	return &Plan{Op: OpAutoComplete, Actor: actor, From: tx.Status, To: next.Status, Transaction: next, Effects: effects}
}

// ConfirmCompletion lets the buyer release funds before the window elapses.
func (m *Machine) ConfirmCompletion(tx *models.Transaction, actor models.Actor, now time.Time) (*Plan, error) {
	if actor.UserID != tx.BuyerID {
		return nil, apperror.Forbidden("only the buyer can confirm completion")
	}
	if tx.Status != models.TxStatusDelivered {
		return nil, transitionError(tx.Status, models.TxStatusCompleted)
	}
	next, effects := complete(tx, decimal.Zero, now)
	return &Plan{Op: OpConfirmCompletion, Actor: actor, From: tx.Status, To: next.Status, Transaction: next, Effects: effects}, nil
}

func (m *Machine) Cancel(tx *models.Transaction, actor models.Actor, reason string, now time.Time) (*Plan, error) {
	if !tx.IsParty(actor.UserID) && !rbac.HasPermission(actor.Role, rbac.PermCancelAny) {
		return nil, apperror.Forbidden("only the buyer, the seller or an admin can cancel")
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, apperror.Validation("reason", "too long")
	}
	if reason == "" {
		reason = "cancelled by " + actor.ActorType()
	}
	// Disputed also reaches Cancelled, but only through dispute resolution.
	if tx.Status != models.TxStatusPending && tx.Status != models.TxStatusInEscrow {
		return nil, transitionError(tx.Status, models.TxStatusCancelled)
	}
	funded := tx.Status == models.TxStatusInEscrow
	next, effects := cancel(tx, reason, funded, now)
	return &Plan{Op: OpCancel, Actor: actor, From: tx.Status, To: next.Status, Transaction: next, Effects: effects}, nil
}

// RaiseDispute freezes a shipped or delivered transaction and opens its dispute.
func (m *Machine) RaiseDispute(tx *models.Transaction, existing *models.Dispute, actor models.Actor, reason string, now time.Time) (*Plan, error) {
	if !tx.IsParty(actor.UserID) {
		return nil, apperror.Forbidden("only the buyer or the seller can raise a dispute")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.Validation("reason", "must not be empty")
	}
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, apperror.Validation("reason", "too long")
	}
	if existing != nil {
		return nil, &apperror.TransitionError{
			Entity:    "dispute",
			Current:   string(existing.Status),
			Attempted: string(models.DisputeStatusOpen),
			Allowed:   disputeAllowed(existing.Status),
		}
	}
	next, err := advance(tx, models.TxStatusDisputed, now)
	if err != nil {
		return nil, err
	}
	d := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		SellerID:      tx.SellerID,
		OpenedBy:      actor.UserID,
		Reason:        reason,
		Status:        models.DisputeStatusOpen,
		OpenedAt:      now,
		Messages:      []models.DisputeMessage{},
	}
	return &Plan{
		Op: OpRaiseDispute, Actor: actor, From: tx.Status, To: next.Status, Transaction: next,
		Dispute: d, DisputeCreated: true, DisputeFrom: models.DisputeStatusOpen,
	}, nil
}

// applyDisputeResolution is the only way out of Disputed. It is unexported so
// that it can be reached solely through Machine.Resolve.
func (m *Machine) applyDisputeResolution(tx *models.Transaction, outcome models.DisputeOutcome, refund decimal.Decimal, now time.Time) (*models.Transaction, []Effect, error) {
	if tx.Status != models.TxStatusDisputed {
		target := models.TxStatusCompleted
		if outcome == models.OutcomeBuyerFavored {
			target = models.TxStatusCancelled
		}
		return nil, nil, transitionError(tx.Status, target)
	}
	switch outcome {
	case models.OutcomeBuyerFavored:
		next, effects := cancel(tx, "dispute resolved in favor of buyer", true, now)
		return next, effects, nil
	case models.OutcomeSellerFavored, models.OutcomeSplit:
		next, effects := complete(tx, refund, now)
		return next, effects, nil
	}
	return nil, nil, apperror.Validation("outcome", "unknown outcome")
}

func complete(tx *models.Transaction, refund decimal.Decimal, now time.Time) (*models.Transaction, []Effect) {
	next := tx.Clone()
	next.Status = models.TxStatusCompleted
	next.CompletedAt = &now
	next.RefundedAmount = &refund
	next.UpdatedAt = now

	var effects []Effect
	if payout := tx.Amount.Sub(refund); payout.IsPositive() {
		effects = append(effects, Effect{Kind: EffectLedgerCapture, Amount: payout})
	}
	if refund.IsPositive() {
		effects = append(effects, Effect{Kind: EffectLedgerRelease, Amount: refund})
	}
	if tx.PostID != nil {
		effects = append(effects, Effect{Kind: EffectMarkPostSold, PostID: *tx.PostID})
	}
	return next, effects
}

func cancel(tx *models.Transaction, reason string, funded bool, now time.Time) (*models.Transaction, []Effect) {
	next := tx.Clone()
	refund := tx.Amount
	next.Status = models.TxStatusCancelled
	next.CancelledAt = &now
	next.FailureReason = &reason
	next.RefundedAmount = &refund
	next.UpdatedAt = now

	var effects []Effect
	if funded {
		effects = append(effects, Effect{Kind: EffectLedgerRelease, Amount: tx.Amount})
	}
	return next, effects
}

func advance(tx *models.Transaction, to models.TransactionStatus, now time.Time) (*models.Transaction, error) {
	if !models.CanTransition(tx.Status, to) {
		return nil, transitionError(tx.Status, to)
	}
	next := tx.Clone()
	next.Status = to
	next.UpdatedAt = now
	return next, nil
}

func transitionError(from, to models.TransactionStatus) error {
	allowed := make([]string, 0, len(models.TransactionTransitions[from]))
	for _, s := range models.TransactionTransitions[from] {
		allowed = append(allowed, string(s))
	}
	return &apperror.TransitionError{
		Entity:    "transaction",
		Current:   string(from),
		Attempted: string(to),
		Allowed:   allowed,
	}
}
