package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
)

func (r *repo) GetDisputeByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Dispute, error) {
	var d models.Dispute
	err := r.db.QueryRow(ctx, `
		SELECT id, transaction_id, buyer_id, seller_id, opened_by, reason, status, outcome,
		       refunded_amount, resolved_by_admin_id, opened_at, escalated_at, resolved_at
		FROM disputes WHERE transaction_id = $1
	`, transactionID).Scan(&d.ID, &d.TransactionID, &d.BuyerID, &d.SellerID, &d.OpenedBy, &d.Reason, &d.Status, &d.Outcome,
		&d.RefundedAmount, &d.ResolvedByAdminID, &d.OpenedAt, &d.EscalatedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query dispute by transaction: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, dispute_id, author_id, text, created_at
		FROM dispute_messages WHERE dispute_id = $1
		ORDER BY seq
	`, d.ID)
	if err != nil {
		return nil, fmt.Errorf("query dispute messages: %w", err)
	}
	defer rows.Close()

	d.Messages = []models.DisputeMessage{}
	for rows.Next() {
		var m models.DisputeMessage
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		d.Messages = append(d.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repo) CreateDispute(ctx context.Context, d *models.Dispute) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO disputes (id, transaction_id, buyer_id, seller_id, opened_by, reason, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.TransactionID, d.BuyerID, d.SellerID, d.OpenedBy, d.Reason, d.Status, d.OpenedAt)
	if err != nil {
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

func (r *repo) UpdateDispute(ctx context.Context, d *models.Dispute) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disputes
		SET status = $1, outcome = $2, refunded_amount = $3, resolved_by_admin_id = $4,
		    escalated_at = $5, resolved_at = $6
		WHERE id = $7
	`, d.Status, d.Outcome, d.RefundedAmount, d.ResolvedByAdminID, d.EscalatedAt, d.ResolvedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("dispute", d.ID)
	}
	return nil
}

func (r *repo) AddDisputeMessage(ctx context.Context, m *models.DisputeMessage) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, author_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.DisputeID, m.AuthorID, m.Text, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("add dispute message: %w", err)
	}
	return nil
}
