package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type settlement struct {
	op     string
	ref    HoldRef
	amount decimal.Decimal
}

type memoryHold struct {
	transactionID uuid.UUID
	held          decimal.Decimal
	captured      decimal.Decimal
	released      decimal.Decimal
}

func (h *memoryHold) remaining() decimal.Decimal {
	return h.held.Sub(h.captured).Sub(h.released)
}

// MemoryGateway is an in-process ledger used by tests and local runs.
// Failures can be injected per operation with FailNext.
type MemoryGateway struct {
	mu      sync.Mutex
	seq     int
	holds   map[HoldRef]*memoryHold
	settled map[string]settlement
	fail    map[string]int
	calls   []string
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds:   make(map[HoldRef]*memoryHold),
		settled: make(map[string]settlement),
		fail:    make(map[string]int),
	}
}

// FailNext makes the next n calls of op ("hold", "capture", "release") fail
// with ErrUnavailable.
func (g *MemoryGateway) FailNext(op string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[op] = n
}

func (g *MemoryGateway) injected(op string) error {
	if g.fail[op] > 0 {
		g.fail[op]--
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return nil
}

func (g *MemoryGateway) Hold(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal) (HoldRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "hold")
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := g.injected("hold"); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("hold amount must be positive, got %s", amount)
	}
	g.seq++
	ref := HoldRef(fmt.Sprintf("hold-%d", g.seq))
	g.holds[ref] = &memoryHold{transactionID: transactionID, held: amount}
	return ref, nil
}

func (g *MemoryGateway) Capture(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error {
	return g.settle(ctx, "capture", ref, amount, key)
}

func (g *MemoryGateway) Release(ctx context.Context, ref HoldRef, amount decimal.Decimal, key string) error {
	return g.settle(ctx, "release", ref, amount, key)
}

func (g *MemoryGateway) settle(ctx context.Context, op string, ref HoldRef, amount decimal.Decimal, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, op)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.injected(op); err != nil {
		return err
	}
	if prev, seen := g.settled[key]; key != "" && seen {
		if prev.op != op || prev.ref != ref || !prev.amount.Equal(amount) {
			return fmt.Errorf("%s %s key %s: %w", op, ref, key, ErrKeyConflict)
		}
		return nil
	}
	h, ok := g.holds[ref]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, ref, ErrUnknownHold)
	}
	if !amount.IsPositive() || amount.GreaterThan(h.remaining()) {
		return fmt.Errorf("%s %s of %s: %w", op, ref, amount, ErrExceedsBalance)
	}
	if op == "capture" {
		h.captured = h.captured.Add(amount)
	} else {
		h.released = h.released.Add(amount)
	}
	if key != "" {
		g.settled[key] = settlement{op: op, ref: ref, amount: amount}
	}
	return nil
}

// Balance reports the held, captured and released totals for ref.
func (g *MemoryGateway) Balance(ref HoldRef) (held, captured, released decimal.Decimal, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[ref]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return h.held, h.captured, h.released, true
}

// HoldFor returns the most recent hold placed for a transaction.
func (g *MemoryGateway) HoldFor(transactionID uuid.UUID) (HoldRef, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		found HoldRef
		best  int
	)
	for ref, h := range g.holds {
		if h.transactionID != transactionID {
			continue
		}
		var n int
		fmt.Sscanf(string(ref), "hold-%d", &n)
		if n > best {
			best, found = n, ref
		}
	}
	return found, found != ""
}

// Calls returns the sequence of operations attempted so far.
func (g *MemoryGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}
