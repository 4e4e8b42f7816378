package lifecycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
	"github.com/social-marketplace/backend/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func disputed(t *testing.T, m *Machine, p parties) (*models.Transaction, *models.Dispute) {
	t.Helper()
	plan, err := m.RaiseDispute(newTx(t, m, p, models.TxStatusDelivered), nil, p.buyer, "item damaged", t0)
	require.NoError(t, err)
	return plan.Transaction, plan.Dispute
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestResolve_Outcomes(t *testing.T) {
	m := NewMachine(Policy{})
	p := newParties()

	tests := []struct {
		name         string
		outcome      models.DisputeOutcome
		refund       *decimal.Decimal
		wantStatus   models.TransactionStatus
		wantRefund   int64
		wantEffects  []EffectKind
		wantCaptured int64
		wantReleased int64
	}{
		{
			name: "buyer favored cancels with full refund (scenario B)", outcome: models.OutcomeBuyerFavored,
			wantStatus: models.TxStatusCancelled, wantRefund: 100,
			wantEffects: []EffectKind{EffectLedgerRelease}, wantReleased: 100,
		},
		{
			name: "seller favored completes with zero refund", outcome: models.OutcomeSellerFavored,
			wantStatus: models.TxStatusCompleted, wantRefund: 0,
			wantEffects: []EffectKind{EffectLedgerCapture, EffectMarkPostSold}, wantCaptured: 100,
		},
		{
			name: "split completes with partial refund (scenario C)", outcome: models.OutcomeSplit, refund: dec(40),
			wantStatus: models.TxStatusCompleted, wantRefund: 40,
			wantEffects:  []EffectKind{EffectLedgerCapture, EffectLedgerRelease, EffectMarkPostSold},
			wantCaptured: 60, wantReleased: 40,
		},
		{
			name: "buyer favored accepts a matching refund", outcome: models.OutcomeBuyerFavored, refund: dec(100),
			wantStatus: models.TxStatusCancelled, wantRefund: 100,
			wantEffects: []EffectKind{EffectLedgerRelease}, wantReleased: 100,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx, d := disputed(t, m, p)
			now := t0.Add(time.Hour)

			plan, err := m.Resolve(tx, d, p.admin, tc.outcome, tc.refund, now)
			require.NoError(t, err)

			got := plan.Transaction
			assert.Equal(t, tc.wantStatus, got.Status)
			require.NotNil(t, got.RefundedAmount)
			assert.True(t, got.RefundedAmount.Equal(decimal.NewFromInt(tc.wantRefund)), "refund %s", got.RefundedAmount)

			assert.Equal(t, models.DisputeStatusResolved, plan.Dispute.Status)
			assert.Equal(t, p.admin.UserID, *plan.Dispute.ResolvedByAdminID)
			assert.Equal(t, now, *plan.Dispute.ResolvedAt)
			assert.Equal(t, tc.outcome, *plan.Dispute.Outcome)

			var kinds []EffectKind
			for _, e := range plan.Effects {
				kinds = append(kinds, e.Kind)
				switch e.Kind {
				case EffectLedgerCapture:
					assert.True(t, e.Amount.Equal(decimal.NewFromInt(tc.wantCaptured)))
				case EffectLedgerRelease:
					assert.True(t, e.Amount.Equal(decimal.NewFromInt(tc.wantReleased)))
				}
			}
			assert.Equal(t, tc.wantEffects, kinds)

			if got.Status == models.TxStatusCancelled {
				assert.NotNil(t, got.CancelledAt)
				assert.Nil(t, got.CompletedAt)
			} else {
				assert.NotNil(t, got.CompletedAt)
				assert.Nil(t, got.CancelledAt)
			}
		})
	}
}

func TestResolve_Rejections(t *testing.T) {
	m := NewMachine(Policy{})
	p := newParties()

	t.Run("non-admin is forbidden", func(t *testing.T) {
		tx, d := disputed(t, m, p)
		_, err := m.Resolve(tx, d, p.buyer, models.OutcomeBuyerFavored, nil, t0)
		assert.ErrorIs(t, err, apperror.ErrForbidden)
		_, err = m.Resolve(tx, d, models.SystemActor, models.OutcomeBuyerFavored, nil, t0)
		assert.ErrorIs(t, err, apperror.ErrForbidden)
	})

	t.Run("superadmin may resolve", func(t *testing.T) {
		tx, d := disputed(t, m, p)
		super := models.Actor{UserID: p.admin.UserID, Role: rbac.RoleSuperAdmin}
		_, err := m.Resolve(tx, d, super, models.OutcomeSellerFavored, nil, t0)
		assert.NoError(t, err)
	})

	for _, refund := range []*decimal.Decimal{nil, dec(0), dec(100), dec(150), dec(-1)} {
		name := "nil"
		if refund != nil {
			name = refund.String()
		}
		t.Run("split refund out of range "+name, func(t *testing.T) {
			tx, d := disputed(t, m, p)
			_, err := m.Resolve(tx, d, p.admin, models.OutcomeSplit, refund, t0)
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}

	t.Run("seller favored with refund mismatch", func(t *testing.T) {
		tx, d := disputed(t, m, p)
		_, err := m.Resolve(tx, d, p.admin, models.OutcomeSellerFavored, dec(10), t0)
		assert.ErrorIs(t, err, apperror.ErrValidation)
	})

	t.Run("unknown outcome", func(t *testing.T) {
		tx, d := disputed(t, m, p)
		_, err := m.Resolve(tx, d, p.admin, "coin_flip", nil, t0)
		assert.ErrorIs(t, err, apperror.ErrValidation)
	})

	t.Run("second resolve is never idempotent", func(t *testing.T) {
		tx, d := disputed(t, m, p)
		plan, err := m.Resolve(tx, d, p.admin, models.OutcomeSplit, dec(40), t0)
		require.NoError(t, err)

		resolvedTx, resolvedD := plan.Transaction, plan.Dispute
		before := *resolvedTx.Clone()
		_, err = m.Resolve(resolvedTx, resolvedD, p.admin, models.OutcomeSplit, dec(40), t0)
		var terr *apperror.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "dispute", terr.Entity)
		assert.Equal(t, "resolved", terr.Current)
		assert.Equal(t, before, *resolvedTx)
	})
}

func TestEscalate(t *testing.T) {
	m := NewMachine(Policy{})
	p := newParties()
	tx, d := disputed(t, m, p)

	plan, err := m.Escalate(tx, d, p.seller, t0)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusEscalated, plan.Dispute.Status)
	assert.Equal(t, t0, *plan.Dispute.EscalatedAt)
	assert.Equal(t, models.TxStatusDisputed, plan.Transaction.Status)

	again, err := m.Escalate(tx, plan.Dispute, p.admin, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, again.NoOp)

	_, err = m.Escalate(tx, d, p.other, t0)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	resolved, err := m.Resolve(tx, plan.Dispute, p.admin, models.OutcomeSellerFavored, nil, t0)
	require.NoError(t, err)
	_, err = m.Escalate(resolved.Transaction, resolved.Dispute, p.buyer, t0)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestAddMessage(t *testing.T) {
	m := NewMachine(Policy{})
	p := newParties()
	tx, d := disputed(t, m, p)

	plan, err := m.AddMessage(tx, d, p.buyer, "photos attached", t0)
	require.NoError(t, err)
	require.Len(t, plan.Dispute.Messages, 1)
	assert.Empty(t, d.Messages, "original log must stay untouched")
	assert.Equal(t, p.buyer.UserID, plan.NewMessage.AuthorID)

	d = plan.Dispute
	plan, err = m.AddMessage(tx, d, p.admin, "reviewing", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, plan.Dispute.Messages, 2)
	assert.Equal(t, "photos attached", plan.Dispute.Messages[0].Text)
	assert.Equal(t, "reviewing", plan.Dispute.Messages[1].Text)

	_, err = m.AddMessage(tx, d, p.other, "hi", t0)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = m.AddMessage(tx, d, p.seller, "   ", t0)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	resolved, err := m.Resolve(tx, d, p.admin, models.OutcomeBuyerFavored, nil, t0)
	require.NoError(t, err)
	_, err = m.AddMessage(resolved.Transaction, resolved.Dispute, p.seller, "late", t0)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}
