// Package lifecycle holds the transaction and dispute state machines. The
// machines are pure: they validate a command against the current aggregate
// and return a Plan describing the new state and the side effects that must
// be committed together with it. Nothing here performs I/O.
package lifecycle

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/models"
)

// Operation names, also used for audit actions, metrics and logs.
const (
	OpFundEscrow        = "fund_escrow"
	OpMarkShipped       = "mark_shipped"
	OpMarkDelivered     = "mark_delivered"
	OpAutoComplete      = "auto_complete"
	OpConfirmCompletion = "confirm_completion"
	OpCancel            = "cancel"
	OpRaiseDispute      = "raise_dispute"
	OpAddMessage        = "add_dispute_message"
	OpEscalate          = "escalate_dispute"
	OpResolve           = "resolve_dispute"
)

type EffectKind string

const (
	EffectLedgerHold    EffectKind = "ledger_hold"
	EffectLedgerCapture EffectKind = "ledger_capture"
	EffectLedgerRelease EffectKind = "ledger_release"
	EffectMarkPostSold  EffectKind = "mark_post_sold"
)

// Effect is a side effect that belongs to the same atomic unit as the
// status write that produced it.
type Effect struct {
	Kind   EffectKind
	Amount decimal.Decimal
	PostID uuid.UUID
}

func (e Effect) IsLedger() bool {
	return e.Kind == EffectLedgerHold || e.Kind == EffectLedgerCapture || e.Kind == EffectLedgerRelease
}

// Plan is the outcome of a successful state machine step.
type Plan struct {
	Op    string
	Actor models.Actor

	From models.TransactionStatus
	To   models.TransactionStatus

	// Transaction is the updated draft; always set unless NoOp.
	Transaction *models.Transaction

	// Dispute is set when the step created or changed the dispute.
	Dispute        *models.Dispute
	DisputeCreated bool
	DisputeFrom    models.DisputeStatus
	NewMessage     *models.DisputeMessage

	Effects []Effect

	// NoOp marks an idempotent call that found nothing to do.
	NoOp bool
}

// StatusChanged reports whether the transaction itself moved.
func (p *Plan) StatusChanged() bool {
	return !p.NoOp && p.From != p.To
}

// LedgerEffects returns the ledger effects in execution order.
func (p *Plan) LedgerEffects() []Effect {
	var out []Effect
	for _, e := range p.Effects {
		if e.IsLedger() {
			out = append(out, e)
		}
	}
	return out
}

func noop(op string, actor models.Actor, tx *models.Transaction) *Plan {
	return &Plan{Op: op, Actor: actor, From: tx.Status, To: tx.Status, NoOp: true}
}
