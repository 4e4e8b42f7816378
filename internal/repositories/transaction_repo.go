package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
)

var transactionColumns = []string{
	"id", "post_id", "buyer_id", "seller_id", "item", "amount", "refunded_amount", "status",
	"tracking_number", "shipping_proof_url", "failure_reason", "inspection_period_ends",
	"created_at", "shipped_at", "delivered_at", "completed_at", "cancelled_at", "updated_at",
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.PostID, &t.BuyerID, &t.SellerID, &t.Item, &t.Amount, &t.RefundedAmount, &t.Status,
		&t.TrackingNumber, &t.ShippingProofURL, &t.FailureReason, &t.InspectionPeriodEnds,
		&t.CreatedAt, &t.ShippedAt, &t.DeliveredAt, &t.CompletedAt, &t.CancelledAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repo) getTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*models.Transaction, error) {
	q := r.builder.Select(transactionColumns...).From("transactions").Where(squirrel.Eq{"id": id})
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}
	t, err := scanTransaction(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFoundOr(err, "transaction", id)
	}
	return t, nil
}

func (r *repo) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.getTransaction(ctx, id, false)
}

func (r *repo) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.getTransaction(ctx, id, true)
}

func (r *repo) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO transactions (id, post_id, buyer_id, seller_id, item, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.PostID, t.BuyerID, t.SellerID, t.Item, t.Amount, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// UpdateTransaction writes every mutable column. Immutable columns (parties,
// item, amount, created_at) are never touched.
func (r *repo) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	query, args, err := r.builder.Update("transactions").
		Set("status", t.Status).
		Set("refunded_amount", t.RefundedAmount).
		Set("tracking_number", t.TrackingNumber).
		Set("shipping_proof_url", t.ShippingProofURL).
		Set("failure_reason", t.FailureReason).
		Set("inspection_period_ends", t.InspectionPeriodEnds).
		Set("shipped_at", t.ShippedAt).
		Set("delivered_at", t.DeliveredAt).
		Set("completed_at", t.CompletedAt).
		Set("cancelled_at", t.CancelledAt).
		Set("updated_at", t.UpdatedAt).
		Where(squirrel.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("transaction", t.ID)
	}
	return nil
}

func (r *repo) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	q := r.builder.Select(transactionColumns...).From("transactions")
	if f.ParticipantID != uuid.Nil {
		q = q.Where(squirrel.Or{
			squirrel.Eq{"buyer_id": f.ParticipantID},
			squirrel.Eq{"seller_id": f.ParticipantID},
		})
	}
	if f.BuyerID != nil {
		q = q.Where(squirrel.Eq{"buyer_id": *f.BuyerID})
	}
	if f.SellerID != nil {
		q = q.Where(squirrel.Eq{"seller_id": *f.SellerID})
	}
	if f.Status != nil {
		q = q.Where(squirrel.Eq{"status": *f.Status})
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q = q.OrderBy("created_at DESC", "id").Limit(uint64(limit)).Offset(uint64(max(f.Offset, 0)))

	return r.queryTransactions(ctx, q)
}

// ListExpiredDeliveries returns delivered transactions whose inspection
// window has elapsed, oldest first.
func (r *repo) ListExpiredDeliveries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query, args, err := r.builder.Select("id").From("transactions").
		Where(squirrel.Eq{"status": models.TxStatusDelivered}).
		Where(squirrel.LtOrEq{"inspection_period_ends": now}).
		OrderBy("inspection_period_ends").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expired query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expired deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repo) ListAwaitingInspection(ctx context.Context, limit int) ([]models.Transaction, error) {
	q := r.builder.Select(transactionColumns...).From("transactions").
		Where(squirrel.Eq{"status": models.TxStatusDelivered}).
		OrderBy("inspection_period_ends").
		Limit(uint64(limit))
	return r.queryTransactions(ctx, q)
}

func (r *repo) ListShippedWithTracking(ctx context.Context, limit int) ([]models.Transaction, error) {
	q := r.builder.Select(transactionColumns...).From("transactions").
		Where(squirrel.Eq{"status": models.TxStatusShipped}).
		Where(squirrel.NotEq{"tracking_number": nil}).
		OrderBy("shipped_at").
		Limit(uint64(limit))
	return r.queryTransactions(ctx, q)
}

func (r *repo) queryTransactions(ctx context.Context, q squirrel.SelectBuilder) ([]models.Transaction, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
