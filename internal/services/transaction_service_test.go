package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/clock"
	"github.com/social-marketplace/backend/internal/events"
	"github.com/social-marketplace/backend/internal/ledger"
	"github.com/social-marketplace/backend/internal/lifecycle"
	"github.com/social-marketplace/backend/internal/lock"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/rbac"
	"github.com/social-marketplace/backend/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

var start = time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc   *TransactionService
	store *repositories.MemoryStore
	gw    *ledger.MemoryGateway
	clock *clock.Fake
	notes *events.Recorder

	buyer, seller, admin, outsider models.Actor
	postID                         uuid.UUID
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	gateway  ledger.Gateway
	notifier events.Notifier
	noTimer  bool
	timeout  time.Duration
}

func withGateway(g ledger.Gateway) harnessOption {
	return func(c *harnessConfig) { c.gateway = g }
}

func withNotifier(n events.Notifier) harnessOption {
	return func(c *harnessConfig) { c.notifier = n }
}

func withoutTimer() harnessOption {
	return func(c *harnessConfig) { c.noTimer = true }
}

func withLedgerTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.timeout = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		store:    repositories.NewMemoryStore(),
		gw:       ledger.NewMemoryGateway(),
		clock:    clock.NewFake(start),
		notes:    &events.Recorder{},
		buyer:    models.Actor{UserID: uuid.New(), Role: rbac.RoleUser},
		seller:   models.Actor{UserID: uuid.New(), Role: rbac.RoleUser},
		admin:    models.Actor{UserID: uuid.New(), Role: rbac.RoleAdmin},
		outsider: models.Actor{UserID: uuid.New(), Role: rbac.RoleUser},
		postID:   uuid.New(),
	}
	h.store.AddPost(models.Post{ID: h.postID, AuthorID: h.seller.UserID})

	cfg := harnessConfig{gateway: h.gw, notifier: h.notes}
	for _, o := range opts {
		o(&cfg)
	}

	var timer clock.Timer = h.clock
	if cfg.noTimer {
		timer = nil
	}
	h.svc = NewTransactionService(
		h.store,
		lifecycle.NewMachine(lifecycle.Policy{InspectionPeriod: 72 * time.Hour}),
		cfg.gateway,
		lock.NewKeyedMutex(),
		cfg.notifier,
		h.clock,
		timer,
		cfg.timeout,
		zap.NewNop(),
	)
	return h
}

func (h *harness) create(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	postID := h.postID
	tx, err := h.svc.CreateTransaction(context.Background(), h.buyer, CreateTransactionInput{
		PostID:   &postID,
		SellerID: h.seller.UserID,
		Item:     "vintage camera",
		Amount:   decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return tx
}

// delivered walks a new transaction up to Delivered.
func (h *harness) delivered(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := h.create(t, amount)

	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	_, _, err = h.svc.MarkShipped(ctx, tx.ID, h.seller, "TRK-1", "https://carrier.example/proof/1")
	require.NoError(t, err)
	tx, _, err = h.svc.MarkDelivered(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	return tx
}

func (h *harness) balance(t *testing.T, txID uuid.UUID) (held, captured, released decimal.Decimal) {
	t.Helper()
	ref, ok := h.gw.HoldFor(txID)
	require.True(t, ok, "no hold for transaction")
	held, captured, released, _ = h.gw.Balance(ref)
	return held, captured, released
}

func (h *harness) postSold(t *testing.T) bool {
	t.Helper()
	p, ok := h.store.Post(h.postID)
	require.True(t, ok)
	return p.IsSold
}

func amountEq(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "%s: want %d, got %s", msg, want, got)
}

func TestScenario_HappyPathConfirmBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx := h.delivered(t, 100)
	assert.Equal(t, models.TxStatusDelivered, tx.Status)
	assert.Equal(t, tx.DeliveredAt.Add(72*time.Hour), *tx.InspectionPeriodEnds)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(time.Hour)
	done, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.NoError(t, err)

	assert.Equal(t, models.TxStatusCompleted, done.Status)
	require.NotNil(t, done.RefundedAmount)
	amountEq(t, 0, *done.RefundedAmount, "refund")
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.CancelledAt)
	assert.True(t, h.postSold(t))

	held, captured, released := h.balance(t, tx.ID)
	amountEq(t, 100, held, "held")
	amountEq(t, 100, captured, "captured")
	amountEq(t, 0, released, "released")

	hold, err := h.store.GetEscrowHold(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCaptured, hold.Status)

	assert.Equal(t, 0, h.clock.Pending(), "inspection timer cancelled")
	assert.Equal(t, []string{
		events.EventTransactionCreated,
		events.EventTransactionFunded,
		events.EventTransactionShipped,
		events.EventTransactionDelivered,
		events.EventTransactionCompleted,
	}, h.notes.For(h.seller.UserID))
	assert.Len(t, h.notes.For(h.buyer.UserID), 5)
}

func TestScenario_TimerCompletesAfterInspectionWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	h.clock.Advance(71 * time.Hour)
	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDelivered, got.Status)

	h.clock.Advance(time.Hour)
	got, _, err = h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, got.Status)
	assert.True(t, h.postSold(t))

	// Further firings are no-ops.
	again, _, err := h.svc.AutoComplete(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	_, captured, _ := h.balance(t, tx.ID)
	amountEq(t, 100, captured, "captured once")
}

func TestScenario_BuyerFavoredDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	disputed, d, err := h.svc.RaiseDispute(ctx, tx.ID, h.buyer, "item damaged")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDisputed, disputed.Status)
	require.NotNil(t, d)
	assert.Equal(t, models.DisputeStatusOpen, d.Status)
	assert.Equal(t, h.buyer.UserID, d.OpenedBy)

	// An open dispute blocks the timer path.
	h.clock.Advance(100 * time.Hour)
	got, _, err := h.svc.AutoComplete(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDisputed, got.Status)

	resolved, rd, err := h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeBuyerFavored, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCancelled, resolved.Status)
	amountEq(t, 100, *resolved.RefundedAmount, "refund")
	assert.Equal(t, models.DisputeStatusResolved, rd.Status)
	assert.Equal(t, h.admin.UserID, *rd.ResolvedByAdminID)
	assert.False(t, h.postSold(t))

	_, captured, released := h.balance(t, tx.ID)
	amountEq(t, 0, captured, "captured")
	amountEq(t, 100, released, "released")

	history, err := h.svc.GetEvents(ctx, tx.ID, h.admin, 0, 0)
	require.NoError(t, err)
	var resolution *models.AuditLog
	for i := range history {
		if history[i].EntityType == models.AuditEntityDispute && history[i].Action == lifecycle.OpResolve {
			resolution = &history[i]
		}
	}
	require.NotNil(t, resolution, "resolution must be audited")
	assert.Equal(t, "buyer_favored", resolution.Meta["outcome"])
	assert.Equal(t, "admin", resolution.ActorType)

	assert.Contains(t, h.notes.For(h.buyer.UserID), events.EventDisputeResolved)
	assert.Contains(t, h.notes.For(h.seller.UserID), events.EventDisputeResolved)
}

func TestScenario_SplitResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	_, _, err := h.svc.RaiseDispute(ctx, tx.ID, h.seller, "buyer claims missing parts")
	require.NoError(t, err)
	_, d, err := h.svc.EscalateDispute(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusEscalated, d.Status)

	refund := decimal.NewFromInt(40)
	resolved, rd, err := h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeSplit, &refund)
	require.NoError(t, err)

	assert.Equal(t, models.TxStatusCompleted, resolved.Status)
	amountEq(t, 40, *resolved.RefundedAmount, "refund")
	amountEq(t, 40, *rd.RefundedAmount, "dispute refund")
	assert.True(t, h.postSold(t))

	held, captured, released := h.balance(t, tx.ID)
	amountEq(t, 100, held, "held")
	amountEq(t, 60, captured, "captured")
	amountEq(t, 40, released, "released")

	hold, err := h.store.GetEscrowHold(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusSettled, hold.Status)
	assert.NotNil(t, hold.SettledAt)

	_, _, err = h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeSplit, &refund)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	_, captured, _ = h.balance(t, tx.ID)
	amountEq(t, 60, captured, "second resolve must not move money")
}

func TestScenario_ShipBeforeFunding(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, 100)

	_, _, err := h.svc.MarkShipped(context.Background(), tx.ID, h.seller, "TRK", "")
	var terr *apperror.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "pending", terr.Current)
	assert.Equal(t, "shipped", terr.Attempted)
	assert.ElementsMatch(t, []string{"in_escrow", "cancelled"}, terr.Allowed)

	got, _, err := h.svc.Get(context.Background(), tx.ID, h.seller)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestScenario_HoldFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, 100)

	h.gw.FailNext("hold", 1)
	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrLedger)
	assert.True(t, apperror.IsRetryable(err))

	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)
	_, err = h.store.GetEscrowHold(ctx, tx.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	funded, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusInEscrow, funded.Status)
	held, _, _ := h.balance(t, tx.ID)
	amountEq(t, 100, held, "held")
}

func TestAtomicity_CommitFailureReleasesHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, 100)

	h.store.FailOnce("Commit", errors.New("connection reset"))
	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.Error(t, err)

	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)

	held, _, released := h.balance(t, tx.ID)
	amountEq(t, 100, held, "held")
	amountEq(t, 100, released, "compensating release")
	assert.Equal(t, []string{"hold", "release"}, h.gw.Calls())
}

func TestAtomicity_CaptureFailureLeavesDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	h.gw.FailNext("capture", 1)
	_, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	assert.ErrorIs(t, err, apperror.ErrLedger)

	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDelivered, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.RefundedAmount)
	assert.False(t, h.postSold(t), "post flag must roll back with the status")

	hold, err := h.store.GetEscrowHold(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusHeld, hold.Status)

	done, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, done.Status)
}

func TestAtomicity_SplitReleaseFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)
	_, _, err := h.svc.RaiseDispute(ctx, tx.ID, h.buyer, "only half the set arrived")
	require.NoError(t, err)

	refund := decimal.NewFromInt(40)
	h.gw.FailNext("release", 1)
	_, _, err = h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeSplit, &refund)
	require.ErrorIs(t, err, apperror.ErrLedger)
	assert.True(t, apperror.IsRetryable(err))

	got, d, err := h.svc.Get(ctx, tx.ID, h.admin)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDisputed, got.Status)
	assert.Equal(t, models.DisputeStatusOpen, d.Status)
	assert.False(t, h.postSold(t))

	resolved, rd, err := h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeSplit, &refund)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, resolved.Status)
	assert.Equal(t, models.DisputeStatusResolved, rd.Status)

	held, captured, released := h.balance(t, tx.ID)
	amountEq(t, 100, held, "held")
	amountEq(t, 60, captured, "captured")
	amountEq(t, 40, released, "released")

	hold, err := h.store.GetEscrowHold(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusSettled, hold.Status)
	amountEq(t, 60, hold.CapturedAmount, "recorded capture")
	amountEq(t, 40, hold.ReleasedAmount, "recorded release")
}

func TestAtomicity_CommitFailureAfterCaptureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	h.store.FailOnce("Commit", errors.New("connection reset"))
	_, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.Error(t, err)

	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDelivered, got.Status)

	done, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, done.Status)

	_, captured, released := h.balance(t, tx.ID)
	amountEq(t, 100, captured, "captured once")
	amountEq(t, 0, released, "released")

	hold, err := h.store.GetEscrowHold(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusCaptured, hold.Status)
}

func TestAtomicity_TimerCommitFailureCompletedBySweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)

	h.store.FailOnce("Commit", errors.New("connection reset"))
	h.clock.Advance(72 * time.Hour)

	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDelivered, got.Status)

	n, err := h.svc.AutoCompleteExpired(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _, err = h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, got.Status)
	_, captured, _ := h.balance(t, tx.ID)
	amountEq(t, 100, captured, "captured once")
}

func TestAtomicity_DatabaseFailureSkipsLedger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 100)
	before := h.gw.Calls()

	h.store.FailOnce("UpdateTransaction", errors.New("disk full"))
	_, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.Error(t, err)

	assert.Equal(t, before, h.gw.Calls(), "no ledger call when the state write fails")
	got, _, err := h.svc.Get(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDelivered, got.Status)
}

func TestMissingPostIsTolerated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	missing := uuid.New()
	tx, err := h.svc.CreateTransaction(ctx, h.buyer, CreateTransactionInput{
		PostID:   &missing,
		SellerID: h.seller.UserID,
		Item:     "lamp",
		Amount:   decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	_, _, err = h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	_, _, err = h.svc.MarkShipped(ctx, tx.ID, h.seller, "", "")
	require.NoError(t, err)
	_, _, err = h.svc.MarkDelivered(ctx, tx.ID, h.buyer)
	require.NoError(t, err)

	done, _, err := h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, done.Status)
}

func TestCancel_ReleasesHoldInFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, 100)
	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.NoError(t, err)

	cancelled, _, err := h.svc.Cancel(ctx, tx.ID, h.seller, "out of stock")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCancelled, cancelled.Status)
	assert.Equal(t, "out of stock", *cancelled.FailureReason)
	amountEq(t, 100, *cancelled.RefundedAmount, "refund")

	_, _, released := h.balance(t, tx.ID)
	amountEq(t, 100, released, "released")

	_, _, err = h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestCancel_PendingMakesNoLedgerCall(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, 100)

	cancelled, _, err := h.svc.Cancel(context.Background(), tx.ID, h.admin, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled by admin", *cancelled.FailureReason)
	assert.Empty(t, h.gw.Calls())
}

func TestForbiddenLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.create(t, 100)

	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.seller)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	_, _, err = h.svc.Get(ctx, tx.ID, h.outsider)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	got, _, err := h.svc.Get(ctx, tx.ID, h.admin)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)
	assert.Empty(t, h.gw.Calls())
}

func TestUnknownTransaction(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.FundEscrow(context.Background(), uuid.New(), h.buyer)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDisputeMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx := h.delivered(t, 50)

	_, _, err := h.svc.AddDisputeMessage(ctx, tx.ID, h.buyer, "hello")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "no dispute yet")

	_, _, err = h.svc.RaiseDispute(ctx, tx.ID, h.buyer, "wrong colour")
	require.NoError(t, err)
	_, _, err = h.svc.AddDisputeMessage(ctx, tx.ID, h.buyer, "see photo")
	require.NoError(t, err)
	_, d, err := h.svc.AddDisputeMessage(ctx, tx.ID, h.seller, "it is the listed colour")
	require.NoError(t, err)

	require.Len(t, d.Messages, 2)
	stored, err := h.svc.GetDispute(ctx, tx.ID, h.admin)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "see photo", stored.Messages[0].Text)
	assert.Equal(t, h.seller.UserID, stored.Messages[1].AuthorID)

	_, _, err = h.svc.RaiseDispute(ctx, tx.ID, h.seller, "again")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestConcurrentConfirmAndDispute(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		tx := h.delivered(t, 100)

		var (
			wg   sync.WaitGroup
			errs [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, errs[0] = h.svc.ConfirmCompletion(ctx, tx.ID, h.buyer)
		}()
		go func() {
			defer wg.Done()
			_, _, errs[1] = h.svc.RaiseDispute(ctx, tx.ID, h.seller, "never received payment notice")
		}()
		wg.Wait()

		got, d, err := h.svc.Get(ctx, tx.ID, h.admin)
		require.NoError(t, err)

		switch {
		case errs[0] == nil:
			assert.ErrorIs(t, errs[1], apperror.ErrInvalidTransition)
			assert.Equal(t, models.TxStatusCompleted, got.Status)
			assert.Nil(t, d)
		case errs[1] == nil:
			assert.ErrorIs(t, errs[0], apperror.ErrInvalidTransition)
			assert.Equal(t, models.TxStatusDisputed, got.Status)
			assert.NotNil(t, d)
		default:
			t.Fatalf("both commands failed: %v / %v", errs[0], errs[1])
		}
	}
}

func TestAutoCompleteExpired_Sweep(t *testing.T) {
	h := newHarness(t, withoutTimer())
	ctx := context.Background()

	a := h.delivered(t, 10)
	b := h.delivered(t, 20)
	c := h.delivered(t, 30)
	_, _, err := h.svc.RaiseDispute(ctx, c.ID, h.buyer, "broken")
	require.NoError(t, err)

	n, err := h.svc.AutoCompleteExpired(ctx, 10, 4)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing has expired yet")

	h.clock.Advance(72 * time.Hour)
	n, err = h.svc.AutoCompleteExpired(ctx, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, _, err := h.svc.Get(ctx, id, h.admin)
		require.NoError(t, err)
		assert.Equal(t, models.TxStatusCompleted, got.Status)
	}
	got, _, err := h.svc.Get(ctx, c.ID, h.admin)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusDisputed, got.Status)

	n, err = h.svc.AutoCompleteExpired(ctx, 10, 4)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRearmTimers(t *testing.T) {
	h := newHarness(t, withoutTimer())
	tx := h.delivered(t, 10)
	assert.Zero(t, h.clock.Pending())

	restarted := NewTransactionService(h.store, lifecycle.NewMachine(lifecycle.Policy{}), h.gw,
		lock.NewKeyedMutex(), h.notes, h.clock, h.clock, time.Second, zap.NewNop())
	n, err := restarted.RearmTimers(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Advance(72 * time.Hour)
	got, _, err := restarted.Get(context.Background(), tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusCompleted, got.Status)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, events.Event) error {
	return errors.New("redis unavailable")
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	clk := clock.NewFake(start)
	notifier := events.NewAsyncNotifier(failingPublisher{}, clk, time.Second, zap.NewNop())
	h := newHarness(t, withNotifier(notifier))
	tx := h.create(t, 100)

	funded, _, err := h.svc.FundEscrow(context.Background(), tx.ID, h.buyer)
	require.NoError(t, err)
	notifier.Wait()

	assert.Equal(t, models.TxStatusInEscrow, funded.Status)
	got, _, err := h.svc.Get(context.Background(), tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusInEscrow, got.Status)
}

func TestLedgerTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := ledger.NewMockGateway(ctrl)
	h := newHarness(t, withGateway(gw), withLedgerTimeout(20*time.Millisecond))
	tx := h.create(t, 100)

	gw.EXPECT().
		Hold(gomock.Any(), tx.ID, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ uuid.UUID, _ decimal.Decimal) (ledger.HoldRef, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	_, _, err := h.svc.FundEscrow(context.Background(), tx.ID, h.buyer)
	assert.ErrorIs(t, err, apperror.ErrLedger)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, _, err := h.svc.Get(context.Background(), tx.ID, h.buyer)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, got.Status)
}

func TestLedgerCallsCarryHoldReference(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := ledger.NewMockGateway(ctrl)
	h := newHarness(t, withGateway(gw))
	ctx := context.Background()
	tx := h.create(t, 100)

	gw.EXPECT().Hold(gomock.Any(), tx.ID, decimal.NewFromInt(100)).Return(ledger.HoldRef("ref-42"), nil)
	_, _, err := h.svc.FundEscrow(ctx, tx.ID, h.buyer)
	require.NoError(t, err)
	_, _, err = h.svc.MarkShipped(ctx, tx.ID, h.seller, "", "")
	require.NoError(t, err)
	_, _, err = h.svc.MarkDelivered(ctx, tx.ID, models.SystemActor)
	require.NoError(t, err)
	_, _, err = h.svc.RaiseDispute(ctx, tx.ID, h.buyer, "scratched lens")
	require.NoError(t, err)

	gomock.InOrder(
		gw.EXPECT().Capture(gomock.Any(), ledger.HoldRef("ref-42"), decimal.NewFromInt(75), "ref-42:ledger_capture").Return(nil),
		gw.EXPECT().Release(gomock.Any(), ledger.HoldRef("ref-42"), decimal.NewFromInt(25), "ref-42:ledger_release").Return(nil),
	)
	refund := decimal.NewFromInt(25)
	_, _, err = h.svc.ResolveDispute(ctx, tx.ID, h.admin, models.OutcomeSplit, &refund)
	require.NoError(t, err)
}

func TestList_ScopesToParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, 10)
	h.create(t, 20)

	mine, err := h.svc.List(ctx, h.seller, repositories.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := h.svc.List(ctx, h.outsider, repositories.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := h.svc.List(ctx, h.admin, repositories.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bad := models.TransactionStatus("lost")
	_, err = h.svc.List(ctx, h.admin, repositories.TransactionFilter{Status: &bad})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
