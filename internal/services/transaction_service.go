package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/clock"
	"github.com/social-marketplace/backend/internal/events"
	"github.com/social-marketplace/backend/internal/ledger"
	"github.com/social-marketplace/backend/internal/lifecycle"
	"github.com/social-marketplace/backend/internal/lock"
	"github.com/social-marketplace/backend/internal/metrics"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultLedgerTimeout = 5 * time.Second

// TransactionService is the single writer of transaction and dispute state.
// Every command runs under a per-transaction lock inside one database
// transaction; ledger calls are the last step before commit and are
// compensated when the commit does not happen.
type TransactionService struct {
	store         repositories.Store
	machine       *lifecycle.Machine
	ledger        ledger.Gateway
	locker        lock.Locker
	notifier      events.Notifier
	clock         clock.Clock
	timer         clock.Timer
	ledgerTimeout time.Duration
	log           *zap.Logger

	timersMu sync.Mutex
	timers   map[uuid.UUID]func()
}

// NewTransactionService wires the orchestrator. timer may be nil, in which
// case inspection expiry is left to the AutoCompleteExpired sweep.
func NewTransactionService(
	store repositories.Store,
	machine *lifecycle.Machine,
	gateway ledger.Gateway,
	locker lock.Locker,
	notifier events.Notifier,
	clk clock.Clock,
	timer clock.Timer,
	ledgerTimeout time.Duration,
	log *zap.Logger,
) *TransactionService {
	if ledgerTimeout <= 0 {
		ledgerTimeout = DefaultLedgerTimeout
	}
	return &TransactionService{
		store:         store,
		machine:       machine,
		ledger:        gateway,
		locker:        locker,
		notifier:      notifier,
		clock:         clk,
		timer:         timer,
		ledgerTimeout: ledgerTimeout,
		log:           log,
		timers:        make(map[uuid.UUID]func()),
	}
}

type CreateTransactionInput struct {
	PostID   *uuid.UUID
	SellerID uuid.UUID
	Item     string
	Amount   decimal.Decimal
}

// CreateTransaction opens a pending sale with the caller as buyer.
func (s *TransactionService) CreateTransaction(ctx context.Context, actor models.Actor, in CreateTransactionInput) (*models.Transaction, error) {
	if actor.IsSystem() || actor.UserID == uuid.Nil {
		return nil, apperror.Forbidden("only a signed-in user can buy")
	}
	now := s.clock.Now()
	t, err := s.machine.NewTransaction(lifecycle.NewTransactionInput{
		PostID:   in.PostID,
		BuyerID:  actor.UserID,
		SellerID: in.SellerID,
		Item:     in.Item,
		Amount:   in.Amount,
	}, now)
	if err != nil {
		return nil, err
	}

	err = s.store.InTransaction(ctx, func(tx repositories.Tx) error {
		if err := tx.CreateTransaction(ctx, t); err != nil {
			return err
		}
		return tx.LogAudit(ctx, models.AuditLog{
			ActorUserID: actor.UserIDPtr(),
			ActorType:   actor.ActorType(),
			Action:      "create_transaction",
			EntityType:  models.AuditEntityTransaction,
			EntityID:    &t.ID,
			Meta: map[string]any{
				"transaction_id": t.ID.String(),
				"amount":         t.Amount.String(),
				"to":             string(t.Status),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transaction created",
		zap.String("transaction_id", t.ID.String()),
		zap.String("buyer_id", t.BuyerID.String()),
		zap.String("seller_id", t.SellerID.String()),
		zap.String("amount", t.Amount.String()),
	)
	s.notifyParties(t, nil, events.EventTransactionCreated, nil)
	return t, nil
}

func (s *TransactionService) FundEscrow(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpFundEscrow, func(t *models.Transaction, _ *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.FundEscrow(t, actor, now)
	})
}

func (s *TransactionService) MarkShipped(ctx context.Context, id uuid.UUID, actor models.Actor, trackingNumber, proofURL string) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpMarkShipped, func(t *models.Transaction, _ *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.MarkShipped(t, actor, trackingNumber, proofURL, now)
	})
}

func (s *TransactionService) MarkDelivered(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpMarkDelivered, func(t *models.Transaction, _ *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.MarkDelivered(t, actor, now)
	})
}

func (s *TransactionService) ConfirmCompletion(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpConfirmCompletion, func(t *models.Transaction, _ *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.ConfirmCompletion(t, actor, now)
	})
}

func (s *TransactionService) Cancel(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpCancel, func(t *models.Transaction, _ *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.Cancel(t, actor, reason, now)
	})
}

func (s *TransactionService) RaiseDispute(ctx context.Context, id uuid.UUID, actor models.Actor, reason string) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpRaiseDispute, func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.RaiseDispute(t, d, actor, reason, now)
	})
}

func (s *TransactionService) AddDisputeMessage(ctx context.Context, id uuid.UUID, actor models.Actor, text string) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpAddMessage, func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		if d == nil {
			return nil, apperror.NotFound("dispute for transaction", t.ID)
		}
		return s.machine.AddMessage(t, d, actor, text, now)
	})
}

func (s *TransactionService) EscalateDispute(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpEscalate, func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		if d == nil {
			return nil, apperror.NotFound("dispute for transaction", t.ID)
		}
		return s.machine.Escalate(t, d, actor, now)
	})
}

// ResolveDispute applies an admin decision. refund is required for split and
// optional otherwise.
func (s *TransactionService) ResolveDispute(ctx context.Context, id uuid.UUID, actor models.Actor, outcome models.DisputeOutcome, refund *decimal.Decimal) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpResolve, func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		if d == nil {
			return nil, apperror.NotFound("dispute for transaction", t.ID)
		}
		return s.machine.Resolve(t, d, actor, outcome, refund, now)
	})
}

// AutoComplete completes one transaction whose inspection window elapsed.
// It is safe to call any number of times.
func (s *TransactionService) AutoComplete(ctx context.Context, id uuid.UUID) (*models.Transaction, *models.Dispute, error) {
	return s.execute(ctx, id, lifecycle.OpAutoComplete, func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error) {
		return s.machine.AutoComplete(t, d, now), nil
	})
}

type command func(t *models.Transaction, d *models.Dispute, now time.Time) (*lifecycle.Plan, error)

// ledgerStep is a ledger call that already took effect.
type ledgerStep struct {
	kind   lifecycle.EffectKind
	ref    ledger.HoldRef
	amount decimal.Decimal
}

func (s *TransactionService) execute(ctx context.Context, id uuid.UUID, op string, cmd command) (*models.Transaction, *models.Dispute, error) {
	unlock, err := s.locker.Lock(ctx, "transaction:"+id.String())
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues(op, "lock_error").Inc()
		return nil, nil, fmt.Errorf("lock transaction %s: %w", id, err)
	}
	defer unlock()

	var (
		plan     *lifecycle.Plan
		current  *models.Transaction
		dispute  *models.Dispute
		settled  []ledgerStep
		attempts string
	)
	err = s.store.InTransaction(ctx, func(tx repositories.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		d, err := tx.GetDisputeByTransaction(ctx, id)
		if err != nil {
			return err
		}
		current, dispute = t, d

		now := s.clock.Now()
		plan, err = cmd(t, d, now)
		if err != nil {
			return err
		}
		if plan.NoOp {
			return nil
		}
		attempts = fmt.Sprintf("%s->%s", plan.From, plan.To)
		return s.commit(ctx, tx, plan, now, &settled)
	})
	if err != nil {
		if len(settled) > 0 {
			s.compensate(id, op, settled, err)
		}
		s.observe(op, err)
		fields := []zap.Field{
			zap.String("transaction_id", id.String()),
			zap.String("op", op),
			zap.Error(err),
		}
		if attempts != "" {
			fields = append(fields, zap.String("transition", attempts))
		}
		if errors.Is(err, apperror.ErrLedger) {
			s.log.Warn("ledger call failed, state unchanged", fields...)
		} else {
			s.log.Debug("command rejected", fields...)
		}
		return nil, nil, err
	}

	if plan.NoOp {
		metrics.TransitionsTotal.WithLabelValues(op, "noop").Inc()
		return current, dispute, nil
	}
	metrics.TransitionsTotal.WithLabelValues(op, "ok").Inc()

	resultDispute := dispute
	if plan.Dispute != nil {
		resultDispute = plan.Dispute
	}

	s.log.Info("transaction command applied",
		zap.String("transaction_id", id.String()),
		zap.String("op", op),
		zap.String("from", string(plan.From)),
		zap.String("to", string(plan.To)),
		zap.String("actor_id", plan.Actor.UserID.String()),
		zap.String("actor_type", plan.Actor.ActorType()),
	)

	s.afterCommit(plan, resultDispute)
	return plan.Transaction, resultDispute, nil
}

// commit stages every write of plan in tx. Ledger calls run last so that a
// failed database write never leaves money moved.
func (s *TransactionService) commit(ctx context.Context, tx repositories.Tx, plan *lifecycle.Plan, now time.Time, settled *[]ledgerStep) error {
	t := plan.Transaction

	if plan.StatusChanged() {
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.LogAudit(ctx, models.AuditLog{
			ActorUserID: plan.Actor.UserIDPtr(),
			ActorType:   plan.Actor.ActorType(),
			Action:      plan.Op,
			EntityType:  models.AuditEntityTransaction,
			EntityID:    &t.ID,
			Meta:        transitionMeta(plan),
			CreatedAt:   now,
		}); err != nil {
			return err
		}
	}

	if d := plan.Dispute; d != nil {
		switch {
		case plan.DisputeCreated:
			if err := tx.CreateDispute(ctx, d); err != nil {
				return err
			}
		case plan.NewMessage != nil:
			if err := tx.AddDisputeMessage(ctx, plan.NewMessage); err != nil {
				return err
			}
		default:
			if err := tx.UpdateDispute(ctx, d); err != nil {
				return err
			}
		}
		if err := tx.LogAudit(ctx, models.AuditLog{
			ActorUserID: plan.Actor.UserIDPtr(),
			ActorType:   plan.Actor.ActorType(),
			Action:      plan.Op,
			EntityType:  models.AuditEntityDispute,
			EntityID:    &d.ID,
			Meta:        disputeMeta(plan),
			CreatedAt:   now,
		}); err != nil {
			return err
		}
	}

	for _, e := range plan.Effects {
		if e.Kind != lifecycle.EffectMarkPostSold {
			continue
		}
		if err := tx.SetPostSold(ctx, e.PostID); err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				return err
			}
			s.log.Warn("linked post not found, skipping sold flag",
				zap.String("transaction_id", t.ID.String()),
				zap.String("post_id", e.PostID.String()),
			)
		}
	}

	return s.applyLedger(ctx, tx, plan, now, settled)
}

func (s *TransactionService) applyLedger(ctx context.Context, tx repositories.Tx, plan *lifecycle.Plan, now time.Time, settled *[]ledgerStep) error {
	effects := plan.LedgerEffects()
	if len(effects) == 0 {
		return nil
	}
	t := plan.Transaction

	var hold *models.EscrowHold
	for _, e := range effects {
		switch e.Kind {
		case lifecycle.EffectLedgerHold:
			var ref ledger.HoldRef
			err := s.callLedger(ctx, "hold", func(ctx context.Context) error {
				var err error
				ref, err = s.ledger.Hold(ctx, t.ID, e.Amount)
				return err
			})
			if err != nil {
				return err
			}
			*settled = append(*settled, ledgerStep{kind: e.Kind, ref: ref, amount: e.Amount})

			if err := tx.CreateEscrowHold(ctx, &models.EscrowHold{
				ID:             uuid.New(),
				TransactionID:  t.ID,
				HoldRef:        string(ref),
				HeldAmount:     e.Amount,
				CapturedAmount: decimal.Zero,
				ReleasedAmount: decimal.Zero,
				Status:         models.EscrowStatusHeld,
				CreatedAt:      now,
			}); err != nil {
				return err
			}

		case lifecycle.EffectLedgerCapture, lifecycle.EffectLedgerRelease:
			if hold == nil {
				h, err := tx.GetEscrowHold(ctx, t.ID)
				if err != nil {
					return fmt.Errorf("load escrow hold: %w", err)
				}
				hold = h
			}
			ref := ledger.HoldRef(hold.HoldRef)
			key := settleKey(ref, e.Kind)
			if e.Kind == lifecycle.EffectLedgerCapture {
				if err := s.callLedger(ctx, "capture", func(ctx context.Context) error {
					return s.ledger.Capture(ctx, ref, e.Amount, key)
				}); err != nil {
					return err
				}
				hold.CapturedAmount = hold.CapturedAmount.Add(e.Amount)
			} else {
				if err := s.callLedger(ctx, "release", func(ctx context.Context) error {
					return s.ledger.Release(ctx, ref, e.Amount, key)
				}); err != nil {
					return err
				}
				hold.ReleasedAmount = hold.ReleasedAmount.Add(e.Amount)
			}
			*settled = append(*settled, ledgerStep{kind: e.Kind, ref: ref, amount: e.Amount})
		}
	}

	if hold == nil {
		return nil
	}
	hold.Status = holdStatus(hold)
	if hold.Status != models.EscrowStatusHeld {
		hold.SettledAt = &now
	}
	return tx.UpdateEscrowHold(ctx, hold)
}

// settleKey names a capture or release on a hold. A hold is captured at
// most once and released at most once, so a retried command that replays a
// step already settled before a rollback is a no-op at the ledger.
func settleKey(ref ledger.HoldRef, kind lifecycle.EffectKind) string {
	return string(ref) + ":" + string(kind)
}

func holdStatus(h *models.EscrowHold) string {
	if !h.CapturedAmount.Add(h.ReleasedAmount).Equal(h.HeldAmount) {
		return models.EscrowStatusHeld
	}
	switch {
	case h.ReleasedAmount.IsZero():
		return models.EscrowStatusCaptured
	case h.CapturedAmount.IsZero():
		return models.EscrowStatusReleased
	}
	return models.EscrowStatusSettled
}

func (s *TransactionService) callLedger(ctx context.Context, primitive string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.LedgerCallDuration.WithLabelValues(primitive, result).Observe(time.Since(start).Seconds())
	if err != nil {
		return &apperror.LedgerError{Op: primitive, Err: err}
	}
	return nil
}

// compensate handles ledger steps whose state write did not commit. A hold is
// released in full. Capture and release stay settled: they carry settleKey,
// so the command's retry replays them without moving money twice.
func (s *TransactionService) compensate(id uuid.UUID, op string, settled []ledgerStep, cause error) {
	for i := len(settled) - 1; i >= 0; i-- {
		step := settled[i]
		fields := []zap.Field{
			zap.String("transaction_id", id.String()),
			zap.String("op", op),
			zap.String("hold_ref", string(step.ref)),
			zap.String("amount", step.amount.String()),
			zap.NamedError("cause", cause),
		}
		if step.kind != lifecycle.EffectLedgerHold {
			s.log.Warn("ledger step settled ahead of rollback, retry will replay it",
				append(fields, zap.String("primitive", string(step.kind)))...)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.ledgerTimeout)
		err := s.ledger.Release(ctx, step.ref, step.amount, settleKey(step.ref, lifecycle.EffectLedgerRelease))
		cancel()
		if err != nil {
			s.log.Error("failed to release orphaned hold", append(fields, zap.Error(err))...)
			continue
		}
		s.log.Warn("released orphaned hold", fields...)
	}
}

func (s *TransactionService) observe(op string, err error) {
	result := "error"
	switch {
	case errors.Is(err, apperror.ErrForbidden):
		result = "forbidden"
	case errors.Is(err, apperror.ErrInvalidTransition):
		result = "invalid_transition"
	case errors.Is(err, apperror.ErrValidation):
		result = "validation"
	case errors.Is(err, apperror.ErrNotFound):
		result = "not_found"
	case errors.Is(err, apperror.ErrLedger):
		result = "ledger_error"
	}
	metrics.TransitionsTotal.WithLabelValues(op, result).Inc()
}

func (s *TransactionService) afterCommit(plan *lifecycle.Plan, d *models.Dispute) {
	t := plan.Transaction

	switch {
	case t.Status == models.TxStatusDelivered && plan.StatusChanged():
		s.scheduleAutoComplete(t)
	case plan.StatusChanged():
		s.cancelTimer(t.ID)
	}

	if eventType := eventFor(plan); eventType != "" {
		s.notifyParties(t, d, eventType, plan)
	}
}

func (s *TransactionService) scheduleAutoComplete(t *models.Transaction) {
	if s.timer == nil || t.InspectionPeriodEnds == nil {
		return
	}
	id := t.ID
	cancel := s.timer.ScheduleOnce(*t.InspectionPeriodEnds, func() {
		s.timersMu.Lock()
		delete(s.timers, id)
		s.timersMu.Unlock()

		if _, _, err := s.AutoComplete(context.Background(), id); err != nil {
			s.log.Warn("inspection timer auto-complete failed, sweep will retry",
				zap.String("transaction_id", id.String()),
				zap.Error(err),
			)
		}
	})

	s.timersMu.Lock()
	if prev, ok := s.timers[id]; ok {
		prev()
	}
	s.timers[id] = cancel
	s.timersMu.Unlock()
}

func (s *TransactionService) cancelTimer(id uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if cancel, ok := s.timers[id]; ok {
		cancel()
		delete(s.timers, id)
	}
}

// RearmTimers schedules inspection expiry for every delivered transaction.
// The api calls it on start since timers do not survive a restart.
func (s *TransactionService) RearmTimers(ctx context.Context, limit int) (int, error) {
	if s.timer == nil {
		return 0, nil
	}
	pending, err := s.store.ListAwaitingInspection(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i := range pending {
		s.scheduleAutoComplete(&pending[i])
	}
	s.log.Info("inspection timers re-armed", zap.Int("count", len(pending)))
	return len(pending), nil
}

// AutoCompleteExpired completes up to batch transactions whose inspection
// window elapsed, at most concurrency at a time. A failing item is logged
// and left for the next sweep.
func (s *TransactionService) AutoCompleteExpired(ctx context.Context, batch, concurrency int) (int, error) {
	ids, err := s.store.ListExpiredDeliveries(ctx, s.clock.Now(), batch)
	if err != nil {
		return 0, fmt.Errorf("list expired deliveries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			t, _, err := s.AutoComplete(gctx, id)
			if err != nil {
				metrics.SweepErrors.Inc()
				s.log.Warn("auto-complete failed",
					zap.String("transaction_id", id.String()),
					zap.Error(err),
				)
				return nil
			}
			if t.Status == models.TxStatusCompleted {
				metrics.SweepCompleted.Inc()
				mu.Lock()
				completed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return completed, err
	}
	return completed, ctx.Err()
}

// Get returns a transaction with its dispute to a party or an admin.
func (s *TransactionService) Get(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Transaction, *models.Dispute, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := canView(t, actor); err != nil {
		return nil, nil, err
	}
	d, err := s.store.GetDisputeByTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, d, nil
}

func (s *TransactionService) GetDispute(ctx context.Context, id uuid.UUID, actor models.Actor) (*models.Dispute, error) {
	_, d, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperror.NotFound("dispute for transaction", id)
	}
	return d, nil
}

// List returns the caller's transactions. Admins may list everything.
func (s *TransactionService) List(ctx context.Context, actor models.Actor, f repositories.TransactionFilter) ([]models.Transaction, error) {
	if !actor.IsAdmin() {
		if actor.UserID == uuid.Nil {
			return nil, apperror.Forbidden("anonymous listing is not allowed")
		}
		f.ParticipantID = actor.UserID
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, apperror.Validation("status", "unknown status "+string(*f.Status))
	}
	return s.store.ListTransactions(ctx, f)
}

// GetEvents returns the audit history of a transaction.
func (s *TransactionService) GetEvents(ctx context.Context, id uuid.UUID, actor models.Actor, limit, offset int) ([]models.AuditLog, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(t, actor); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id, limit, offset)
}

func canView(t *models.Transaction, actor models.Actor) error {
	if t.IsParty(actor.UserID) || actor.IsAdmin() || actor.IsSystem() {
		return nil
	}
	return apperror.Forbidden("transaction %s is not visible to this user", t.ID)
}
