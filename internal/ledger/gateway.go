// Package ledger talks to the external escrow ledger that holds buyer funds.
package ledger

//go:generate mockgen -source gateway.go -destination mock_gateway.go -package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HoldRef identifies a hold placed by the ledger.
type HoldRef string

var (
	ErrUnknownHold    = errors.New("unknown hold")
	ErrExceedsBalance = errors.New("amount exceeds remaining hold balance")
	ErrUnavailable    = errors.New("ledger unavailable")
	ErrKeyConflict    = errors.New("idempotency key reused for a different call")
)

// Gateway moves money in and out of escrow. Capture pays the seller and
// Release refunds the buyer. Both may be called with partial amounts but the
// sum may never exceed the held amount.
//
// Capture and Release are idempotent per key: repeating a call with a key
// that already settled succeeds without moving money again. An empty key
// disables the check.
type Gateway interface {
	Hold(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal) (HoldRef, error)
	Capture(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error
	Release(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error
}
