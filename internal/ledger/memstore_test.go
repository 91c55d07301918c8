package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nestview/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store and MethodStore. Writes made through a memTx are staged and
// only become visible on Commit, so a failed step leaves no partial state.
// ---------------------------------------------------------------------------

type memTx struct {
	pgx.Tx
	store  *memStore
	ops    []func()
	closed bool
}

func (t *memTx) stage(op func()) { t.ops = append(t.ops, op) }

func (t *memTx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	t.store.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	return nil
}

type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*models.Balance
	txns     map[uuid.UUID]*models.Transaction
	order    []uuid.UUID
	methods  map[uuid.UUID]*models.PayoutMethod
	commits  int

	failInsertKind models.TransactionKind
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[uuid.UUID]*models.Balance),
		txns:     make(map[uuid.UUID]*models.Transaction),
		methods:  make(map[uuid.UUID]*models.PayoutMethod),
	}
}

var errInjected = errors.New("injected failure")

func asMemTx(tx pgx.Tx) *memTx {
	mt, ok := tx.(*memTx)
	if !ok {
		panic(fmt.Sprintf("unexpected tx type %T", tx))
	}
	return mt
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{store: m}, nil
}

func (m *memStore) LockBalance(_ context.Context, tx pgx.Tx, userID uuid.UUID, d BalanceDefaults) (*models.Balance, error) {
	mt := asMemTx(tx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	fresh := models.Balance{UserID: userID, MinimumPayoutAmount: d.MinimumPayout, Currency: d.Currency}
	mt.stage(func() {
		if _, ok := m.balances[userID]; !ok {
			cp := fresh
			m.balances[userID] = &cp
		}
	})
	return &fresh, nil
}

func (m *memStore) GetBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) UpdateBalance(_ context.Context, tx pgx.Tx, b *models.Balance) error {
	if b.AvailableAmount < 0 || b.PendingAmount < 0 {
		return errors.New("balances_non_negative check violated")
	}
	cp := *b
	asMemTx(tx).stage(func() { m.balances[cp.UserID] = &cp })
	return nil
}

func (m *memStore) InsertTransaction(_ context.Context, tx pgx.Tx, t *models.Transaction) error {
	if m.failInsertKind != "" && t.Kind == m.failInsertKind {
		return errInjected
	}
	if t.Kind == models.KindRefund && t.RelatedID != nil {
		m.mu.Lock()
		for _, existing := range m.txns {
			if existing.Kind == models.KindRefund && existing.RelatedID != nil && *existing.RelatedID == *t.RelatedID {
				m.mu.Unlock()
				return errors.New("transactions_refund_once unique violation")
			}
		}
		m.mu.Unlock()
	}
	cp := *t
	asMemTx(tx).stage(func() {
		m.txns[cp.ID] = &cp
		m.order = append(m.order, cp.ID)
	})
	return nil
}

func (m *memStore) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTransactionForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *memStore) UpdateTransactionStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, status models.TransactionStatus, ref, reason *string, processedAt *time.Time) error {
	asMemTx(tx).stage(func() {
		t := m.txns[id]
		t.Status = status
		if ref != nil {
			t.ReferenceID = ref
		}
		if reason != nil {
			t.FailureReason = reason
		}
		if processedAt != nil {
			t.ProcessedAt = processedAt
		}
	})
	return nil
}

func (m *memStore) HasInFlightPayouts(_ context.Context, _ pgx.Tx, userID, exclude uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.UserID == userID && t.ID != exclude && t.Kind == models.KindPayout && t.Status.InFlight() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListTransactions(_ context.Context, userID uuid.UUID, f models.TransactionFilter) ([]*models.Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.txns[m.order[i]]
		if t.UserID != userID || (f.Kind != "" && t.Kind != f.Kind) || (f.Status != "" && t.Status != f.Status) {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	start := (f.Page - 1) * f.Limit
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memStore) ListStalePayouts(_ context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.txns {
		if t.Kind == models.KindPayout && t.Status.InFlight() && t.CreatedAt.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InsertPayoutMethod(_ context.Context, pm *models.PayoutMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.methods[pm.ID] = &cp
	return nil
}

func (m *memStore) GetPayoutMethod(_ context.Context, id uuid.UUID) (*models.PayoutMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.methods[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *memStore) ListPayoutMethods(_ context.Context, userID uuid.UUID) ([]*models.PayoutMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PayoutMethod
	for _, pm := range m.methods {
		if pm.UserID == userID {
			cp := *pm
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- helpers used by the tests ---

func (m *memStore) balance(userID uuid.UUID) models.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return *b
	}
	return models.Balance{UserID: userID}
}

func (m *memStore) byKind(userID uuid.UUID, kind models.TransactionKind) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, id := range m.order {
		t := m.txns[id]
		if t.UserID == userID && t.Kind == kind {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}
