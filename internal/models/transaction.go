package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

// Transaction statuses
const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusInEscrow  TransactionStatus = "in_escrow"
	TxStatusShipped   TransactionStatus = "shipped"
	TxStatusDelivered TransactionStatus = "delivered"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusDisputed  TransactionStatus = "disputed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

// TransactionTransitions is the only source of legal status edges: from -> []to.
var TransactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxStatusPending:   {TxStatusInEscrow, TxStatusCancelled},
	TxStatusInEscrow:  {TxStatusShipped, TxStatusCancelled},
	TxStatusShipped:   {TxStatusDelivered, TxStatusDisputed},
	TxStatusDelivered: {TxStatusCompleted, TxStatusDisputed},
	TxStatusDisputed:  {TxStatusCompleted, TxStatusCancelled},
	TxStatusCompleted: {},
	TxStatusCancelled: {},
}

func CanTransition(from, to TransactionStatus) bool {
	allowed, ok := TransactionTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	_, ok := TransactionTransitions[s]
	return ok
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TxStatusCompleted || s == TxStatusCancelled
}

// Transaction is one agreed sale between a buyer and a seller.
type Transaction struct {
	ID                   uuid.UUID         `json:"id"`
	PostID               *uuid.UUID        `json:"post_id,omitempty"`
	BuyerID              uuid.UUID         `json:"buyer_id"`
	SellerID             uuid.UUID         `json:"seller_id"`
	Item                 string            `json:"item"` // snapshot, not a live post reference
	Amount               decimal.Decimal   `json:"amount"`
	RefundedAmount       *decimal.Decimal  `json:"refunded_amount,omitempty"`
	Status               TransactionStatus `json:"status"`
	TrackingNumber       *string           `json:"tracking_number,omitempty"`
	ShippingProofURL     *string           `json:"shipping_proof_url,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	InspectionPeriodEnds *time.Time        `json:"inspection_period_ends,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	ShippedAt            *time.Time        `json:"shipped_at,omitempty"`
	DeliveredAt          *time.Time        `json:"delivered_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	CancelledAt          *time.Time        `json:"cancelled_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

func (t *Transaction) IsParty(userID uuid.UUID) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// Clone returns a deep copy so state machines can work on a draft.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.PostID = clonePtr(t.PostID)
	c.RefundedAmount = clonePtr(t.RefundedAmount)
	c.TrackingNumber = clonePtr(t.TrackingNumber)
	c.ShippingProofURL = clonePtr(t.ShippingProofURL)
	c.FailureReason = clonePtr(t.FailureReason)
	c.InspectionPeriodEnds = clonePtr(t.InspectionPeriodEnds)
	c.ShippedAt = clonePtr(t.ShippedAt)
	c.DeliveredAt = clonePtr(t.DeliveredAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.CancelledAt = clonePtr(t.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
