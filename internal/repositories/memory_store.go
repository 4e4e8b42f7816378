package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/social-marketplace/backend/internal/apperror"
	"github.com/social-marketplace/backend/internal/models"
)

type memState struct {
	transactions map[uuid.UUID]*models.Transaction
	disputes     map[uuid.UUID]*models.Dispute // by transaction id
	holds        map[uuid.UUID]models.EscrowHold
	posts        map[uuid.UUID]models.Post
	audit        []models.AuditLog
}

func newMemState() *memState {
	return &memState{
		transactions: make(map[uuid.UUID]*models.Transaction),
		disputes:     make(map[uuid.UUID]*models.Dispute),
		holds:        make(map[uuid.UUID]models.EscrowHold),
		posts:        make(map[uuid.UUID]models.Post),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.transactions {
		c.transactions[k] = v.Clone()
	}
	for k, v := range s.disputes {
		c.disputes[k] = v.Clone()
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.posts {
		c.posts[k] = v
	}
	c.audit = append([]models.AuditLog(nil), s.audit...)
	return c
}

// MemoryStore is an in-memory Store. A unit of work runs against a private
// copy that replaces the shared state only on commit, so a failed unit
// leaves nothing behind.
type MemoryStore struct {
	txMu    sync.Mutex
	stateMu sync.RWMutex
	state   *memState

	failMu sync.Mutex
	fail   map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), fail: make(map[string]error)}
}

// FailOnce makes the next call of op fail with err. op is a Tx method name or
// "Commit".
func (s *MemoryStore) FailOnce(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail[op] = err
}

func (s *MemoryStore) injected(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	err := s.fail[op]
	delete(s.fail, op)
	return err
}

func (s *MemoryStore) AddPost(p models.Post) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.posts[p.ID] = p
}

func (s *MemoryStore) Post(id uuid.UUID) (models.Post, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	p, ok := s.state.posts[id]
	return p, ok
}

func (s *MemoryStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.stateMu.RLock()
	work := s.state.clone()
	s.stateMu.RUnlock()

	if err := fn(&memTx{memReader: memReader{st: work}, store: s}); err != nil {
		return err
	}
	if err := s.injected("Commit"); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.state = work
	s.stateMu.Unlock()
	return nil
}

func (s *MemoryStore) reader() (memReader, func()) {
	s.stateMu.RLock()
	return memReader{st: s.state}, s.stateMu.RUnlock
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	r, done := s.reader()
	defer done()
	return r.GetTransaction(ctx, id)
}

func (s *MemoryStore) GetDisputeByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Dispute, error) {
	r, done := s.reader()
	defer done()
	return r.GetDisputeByTransaction(ctx, transactionID)
}

func (s *MemoryStore) GetEscrowHold(ctx context.Context, transactionID uuid.UUID) (*models.EscrowHold, error) {
	r, done := s.reader()
	defer done()
	return r.GetEscrowHold(ctx, transactionID)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	r, done := s.reader()
	defer done()
	return r.ListTransactions(ctx, f)
}

func (s *MemoryStore) ListExpiredDeliveries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r, done := s.reader()
	defer done()
	return r.ListExpiredDeliveries(ctx, now, limit)
}

func (s *MemoryStore) ListAwaitingInspection(ctx context.Context, limit int) ([]models.Transaction, error) {
	r, done := s.reader()
	defer done()
	return r.ListAwaitingInspection(ctx, limit)
}

func (s *MemoryStore) ListShippedWithTracking(ctx context.Context, limit int) ([]models.Transaction, error) {
	r, done := s.reader()
	defer done()
	return r.ListShippedWithTracking(ctx, limit)
}

func (s *MemoryStore) ListAudit(ctx context.Context, transactionID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	r, done := s.reader()
	defer done()
	return r.ListAudit(ctx, transactionID, limit, offset)
}

type memReader struct {
	st *memState
}

func (r memReader) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, ok := r.st.transactions[id]
	if !ok {
		return nil, apperror.NotFound("transaction", id)
	}
	return t.Clone(), nil
}

func (r memReader) GetDisputeByTransaction(_ context.Context, transactionID uuid.UUID) (*models.Dispute, error) {
	d, ok := r.st.disputes[transactionID]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (r memReader) GetEscrowHold(_ context.Context, transactionID uuid.UUID) (*models.EscrowHold, error) {
	h, ok := r.st.holds[transactionID]
	if !ok {
		return nil, apperror.NotFound("escrow hold", transactionID)
	}
	return &h, nil
}

func (r memReader) ListTransactions(_ context.Context, f TransactionFilter) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range r.st.transactions {
		if f.ParticipantID != uuid.Nil && !t.IsParty(f.ParticipantID) {
			continue
		}
		if f.BuyerID != nil && t.BuyerID != *f.BuyerID {
			continue
		}
		if f.SellerID != nil && t.SellerID != *f.SellerID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, *t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return page(out, limit, f.Offset), nil
}

func (r memReader) ListExpiredDeliveries(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	delivered := r.byStatus(models.TxStatusDelivered)
	var ids []uuid.UUID
	for _, t := range delivered {
		if t.InspectionPeriodEnds != nil && !t.InspectionPeriodEnds.After(now) {
			ids = append(ids, t.ID)
		}
	}
	return page(ids, limit, 0), nil
}

func (r memReader) ListAwaitingInspection(_ context.Context, limit int) ([]models.Transaction, error) {
	return page(r.byStatus(models.TxStatusDelivered), limit, 0), nil
}

func (r memReader) ListShippedWithTracking(_ context.Context, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range r.byStatus(models.TxStatusShipped) {
		if t.TrackingNumber != nil {
			out = append(out, t)
		}
	}
	return page(out, limit, 0), nil
}

func (r memReader) ListAudit(_ context.Context, transactionID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.AuditLog
	for _, e := range r.st.audit {
		if (e.EntityID != nil && *e.EntityID == transactionID) || e.Meta["transaction_id"] == transactionID.String() {
			out = append(out, e)
		}
	}
	return page(out, limit, offset), nil
}

// byStatus returns matches ordered by inspection end then shipping time.
func (r memReader) byStatus(status models.TransactionStatus) []models.Transaction {
	var out []models.Transaction
	for _, t := range r.st.transactions {
		if t.Status == status {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := sortKey(out[i]), sortKey(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func sortKey(t models.Transaction) time.Time {
	switch {
	case t.InspectionPeriodEnds != nil:
		return *t.InspectionPeriodEnds
	case t.ShippedAt != nil:
		return *t.ShippedAt
	}
	return t.CreatedAt
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

type memTx struct {
	memReader
	store *MemoryStore
}

func (t *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	if err := t.store.injected("LockTransaction"); err != nil {
		return nil, err
	}
	return t.GetTransaction(ctx, id)
}

func (t *memTx) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	if err := t.store.injected("CreateTransaction"); err != nil {
		return err
	}
	t.st.transactions[tx.ID] = tx.Clone()
	return nil
}

func (t *memTx) UpdateTransaction(_ context.Context, tx *models.Transaction) error {
	if err := t.store.injected("UpdateTransaction"); err != nil {
		return err
	}
	if _, ok := t.st.transactions[tx.ID]; !ok {
		return apperror.NotFound("transaction", tx.ID)
	}
	t.st.transactions[tx.ID] = tx.Clone()
	return nil
}

func (t *memTx) CreateDispute(_ context.Context, d *models.Dispute) error {
	if err := t.store.injected("CreateDispute"); err != nil {
		return err
	}
	if _, ok := t.st.disputes[d.TransactionID]; ok {
		return apperror.Validation("transaction_id", "dispute already exists")
	}
	t.st.disputes[d.TransactionID] = d.Clone()
	return nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *models.Dispute) error {
	if err := t.store.injected("UpdateDispute"); err != nil {
		return err
	}
	cur, ok := t.st.disputes[d.TransactionID]
	if !ok {
		return apperror.NotFound("dispute", d.ID)
	}
	next := d.Clone()
	next.Messages = cur.Messages
	t.st.disputes[d.TransactionID] = next
	return nil
}

func (t *memTx) AddDisputeMessage(_ context.Context, m *models.DisputeMessage) error {
	if err := t.store.injected("AddDisputeMessage"); err != nil {
		return err
	}
	for _, d := range t.st.disputes {
		if d.ID == m.DisputeID {
			d.Messages = append(d.Messages, *m)
			return nil
		}
	}
	return apperror.NotFound("dispute", m.DisputeID)
}

func (t *memTx) SetPostSold(_ context.Context, postID uuid.UUID) error {
	if err := t.store.injected("SetPostSold"); err != nil {
		return err
	}
	p, ok := t.st.posts[postID]
	if !ok {
		return apperror.NotFound("post", postID)
	}
	p.IsSold = true
	t.st.posts[postID] = p
	return nil
}

func (t *memTx) CreateEscrowHold(_ context.Context, h *models.EscrowHold) error {
	if err := t.store.injected("CreateEscrowHold"); err != nil {
		return err
	}
	t.st.holds[h.TransactionID] = *h
	return nil
}

func (t *memTx) UpdateEscrowHold(_ context.Context, h *models.EscrowHold) error {
	if err := t.store.injected("UpdateEscrowHold"); err != nil {
		return err
	}
	t.st.holds[h.TransactionID] = *h
	return nil
}

func (t *memTx) LogAudit(_ context.Context, entry models.AuditLog) error {
	if err := t.store.injected("LogAudit"); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	t.st.audit = append(t.st.audit, entry)
	return nil
}
