package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
)

// TransactionFilter narrows ListTransactions. A zero ParticipantID lists
// every transaction (admin view).
type TransactionFilter struct {
	ParticipantID uuid.UUID
	BuyerID       *uuid.UUID
	SellerID      *uuid.UUID
	Status        *models.TransactionStatus
	Limit         int
	Offset        int
}

// Reader is the read side available both outside and inside a unit of work.
type Reader interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// GetDisputeByTransaction returns nil, nil when the transaction has none.
	GetDisputeByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Dispute, error)
	GetEscrowHold(ctx context.Context, transactionID uuid.UUID) (*models.EscrowHold, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error)
	ListExpiredDeliveries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListAwaitingInspection(ctx context.Context, limit int) ([]models.Transaction, error)
	ListShippedWithTracking(ctx context.Context, limit int) ([]models.Transaction, error)
	ListAudit(ctx context.Context, transactionID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// Tx is one unit of work. Every write made through it commits or rolls back
// together.
type Tx interface {
	Reader
	// LockTransaction loads the row with SELECT ... FOR UPDATE.
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransaction(ctx context.Context, t *models.Transaction) error
	CreateDispute(ctx context.Context, d *models.Dispute) error
	UpdateDispute(ctx context.Context, d *models.Dispute) error
	AddDisputeMessage(ctx context.Context, m *models.DisputeMessage) error
	SetPostSold(ctx context.Context, postID uuid.UUID) error
	CreateEscrowHold(ctx context.Context, h *models.EscrowHold) error
	UpdateEscrowHold(ctx context.Context, h *models.EscrowHold) error
	LogAudit(ctx context.Context, entry models.AuditLog) error
}

type Store interface {
	Reader
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Executor is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB interface {
	Executor
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore is the PostgreSQL Store.
type PgStore struct {
	db DB
	repo
}

func NewPgStore(db DB) *PgStore {
	return &PgStore{
		db:   db,
		repo: repo{db: db, builder: newBuilder()},
	}
}

func newBuilder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (s *PgStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&repo{db: pgTx, builder: s.builder}); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// repo implements Tx on top of any Executor.
type repo struct {
	db      Executor
	builder squirrel.StatementBuilderType
}

func notFoundOr(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound(entity, id)
	}
	return err
}
