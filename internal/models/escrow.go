package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EscrowStatusHeld     = "held"
	EscrowStatusCaptured = "captured"
	EscrowStatusReleased = "released"
	EscrowStatusSettled  = "settled" // partly captured, partly released
)

// EscrowHold records the ledger hold backing a funded transaction.
type EscrowHold struct {
	ID             uuid.UUID       `json:"id"`
	TransactionID  uuid.UUID       `json:"transaction_id"`
	HoldRef        string          `json:"hold_ref"`
	HeldAmount     decimal.Decimal `json:"held_amount"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}
