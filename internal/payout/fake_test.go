package payout

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/models"
)

// ---------------------------------------------------------------------------
// fakeLedger tracks payout status the way the ledger does: settlement only
// applies to in-flight payouts and a failure refunds exactly once.
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu      sync.Mutex
	txns    map[uuid.UUID]*models.Transaction
	methods map[uuid.UUID]*models.PayoutMethod
	refunds map[uuid.UUID]int
	reasons map[uuid.UUID]string
	calls   []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txns:    make(map[uuid.UUID]*models.Transaction),
		methods: make(map[uuid.UUID]*models.PayoutMethod),
		refunds: make(map[uuid.UUID]int),
		reasons: make(map[uuid.UUID]string),
	}
}

func (f *fakeLedger) addPayout(details models.PayoutDetails, amount int64) *models.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &models.PayoutMethod{ID: uuid.New(), UserID: uuid.New(), Type: details.MethodType(), Details: details, Status: models.PayoutMethodActive}
	f.methods[m.ID] = m
	t := &models.Transaction{
		ID:             uuid.New(),
		UserID:         m.UserID,
		Kind:           models.KindPayout,
		Amount:         amount,
		Currency:       "XAF",
		Status:         models.TxStatusPending,
		PayoutMethodID: &m.ID,
	}
	f.txns[t.ID] = t
	cp := *t
	return &cp
}

func (f *fakeLedger) status(id uuid.UUID) models.TransactionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txns[id].Status
}

func (f *fakeLedger) refundCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[id]
}

func (f *fakeLedger) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLedger) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.txns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeLedger) GetPayoutMethod(_ context.Context, id uuid.UUID) (*models.PayoutMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.methods[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeLedger) settle(id uuid.UUID, from func(models.TransactionStatus) bool, to models.TransactionStatus, ref string) (*models.Transaction, error) {
	t, ok := f.txns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if from(t.Status) {
		t.Status = to
		if ref != "" {
			r := ref
			t.ReferenceID = &r
		}
	}
	cp := *t
	return &cp, nil
}

func (f *fakeLedger) MarkProcessing(_ context.Context, id uuid.UUID, ref string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "processing")
	return f.settle(id, func(s models.TransactionStatus) bool { return s == models.TxStatusPending }, models.TxStatusProcessing, ref)
}

func (f *fakeLedger) CompletePayout(_ context.Context, id uuid.UUID, ref string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "complete")
	return f.settle(id, models.TransactionStatus.InFlight, models.TxStatusCompleted, ref)
}

func (f *fakeLedger) FailPayout(_ context.Context, id uuid.UUID, reason string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fail")
	if t, ok := f.txns[id]; ok && t.Status.InFlight() {
		f.refunds[id]++
		f.reasons[id] = reason
	}
	return f.settle(id, models.TransactionStatus.InFlight, models.TxStatusFailed, "")
}

type stubProvider struct {
	mu     sync.Mutex
	result SubmitResult
	err    error
	seen   []SubmitRequest
}

func (p *stubProvider) Submit(_ context.Context, req SubmitRequest) (SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	return p.result, p.err
}

func (p *stubProvider) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}
