package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/models"
)

func (r *repo) CreateEscrowHold(ctx context.Context, h *models.EscrowHold) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrow_holds (id, transaction_id, hold_ref, held_amount, captured_amount, released_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.ID, h.TransactionID, h.HoldRef, h.HeldAmount, h.CapturedAmount, h.ReleasedAmount, h.Status, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("create escrow hold: %w", err)
	}
	return nil
}

func (r *repo) GetEscrowHold(ctx context.Context, transactionID uuid.UUID) (*models.EscrowHold, error) {
	var h models.EscrowHold
	err := r.db.QueryRow(ctx, `
		SELECT id, transaction_id, hold_ref, held_amount, captured_amount, released_amount, status, created_at, settled_at
		FROM escrow_holds WHERE transaction_id = $1
	`, transactionID).Scan(&h.ID, &h.TransactionID, &h.HoldRef, &h.HeldAmount, &h.CapturedAmount, &h.ReleasedAmount,
		&h.Status, &h.CreatedAt, &h.SettledAt)
	if err != nil {
		return nil, notFoundOr(err, "escrow hold", transactionID)
	}
	return &h, nil
}

func (r *repo) UpdateEscrowHold(ctx context.Context, h *models.EscrowHold) error {
	_, err := r.db.Exec(ctx, `
		UPDATE escrow_holds
		SET captured_amount = $1, released_amount = $2, status = $3, settled_at = $4
		WHERE id = $5
	`, h.CapturedAmount, h.ReleasedAmount, h.Status, h.SettledAt, h.ID)
	if err != nil {
		return fmt.Errorf("update escrow hold: %w", err)
	}
	return nil
}
