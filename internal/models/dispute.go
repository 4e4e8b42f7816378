package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisputeStatus string

// Dispute statuses
const (
	DisputeStatusOpen      DisputeStatus = "open"
	DisputeStatusEscalated DisputeStatus = "escalated"
	DisputeStatusResolved  DisputeStatus = "resolved"
)

var DisputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeStatusOpen:      {DisputeStatusEscalated, DisputeStatusResolved},
	DisputeStatusEscalated: {DisputeStatusResolved},
	DisputeStatusResolved:  {},
}

func CanTransitionDispute(from, to DisputeStatus) bool {
	for _, s := range DisputeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type DisputeOutcome string

const (
	OutcomeBuyerFavored  DisputeOutcome = "buyer_favored"
	OutcomeSellerFavored DisputeOutcome = "seller_favored"
	OutcomeSplit         DisputeOutcome = "split"
)

func (o DisputeOutcome) Valid() bool {
	switch o {
	case OutcomeBuyerFavored, OutcomeSellerFavored, OutcomeSplit:
		return true
	}
	return false
}

type Dispute struct {
	ID                uuid.UUID        `json:"id"`
	TransactionID     uuid.UUID        `json:"transaction_id"`
	BuyerID           uuid.UUID        `json:"buyer_id"`
	SellerID          uuid.UUID        `json:"seller_id"`
	OpenedBy          uuid.UUID        `json:"opened_by"`
	Reason            string           `json:"reason"`
	Status            DisputeStatus    `json:"status"`
	Outcome           *DisputeOutcome  `json:"outcome,omitempty"`
	RefundedAmount    *decimal.Decimal `json:"refunded_amount,omitempty"`
	ResolvedByAdminID *uuid.UUID       `json:"resolved_by_admin_id,omitempty"`
	OpenedAt          time.Time        `json:"opened_at"`
	EscalatedAt       *time.Time       `json:"escalated_at,omitempty"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
	Messages          []DisputeMessage `json:"messages"`
}

// DisputeMessage is one entry of the append-only negotiation log.
type DisputeMessage struct {
	ID        uuid.UUID `json:"id"`
	DisputeID uuid.UUID `json:"dispute_id"`
	AuthorID  uuid.UUID `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *Dispute) IsActive() bool {
	return d.Status != DisputeStatusResolved
}

func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Outcome = clonePtr(d.Outcome)
	c.RefundedAmount = clonePtr(d.RefundedAmount)
	c.ResolvedByAdminID = clonePtr(d.ResolvedByAdminID)
	c.EscalatedAt = clonePtr(d.EscalatedAt)
	c.ResolvedAt = clonePtr(d.ResolvedAt)
	c.Messages = append([]DisputeMessage(nil), d.Messages...)
	return &c
}
