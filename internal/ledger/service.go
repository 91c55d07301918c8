// Package ledger keeps per-user balances and the transaction log that
// explains every change to them. A balance mutation and its transaction row
// are always written in the same database transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nestview/backend/internal/keylock"
	"github.com/nestview/backend/internal/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	staleBatchSize   = 100
)

// BalanceDefaults seed a balance row on first use.
type BalanceDefaults struct {
	MinimumPayout int64
	Currency      string
}

// Store is the balance and transaction persistence used by Service.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, defaults BalanceDefaults) (*models.Balance, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, b *models.Balance) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.TransactionStatus, referenceID, reason *string, processedAt *time.Time) error
	HasInFlightPayouts(ctx context.Context, tx pgx.Tx, userID, exclude uuid.UUID) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, f models.TransactionFilter) ([]*models.Transaction, int, error)
	ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
}

// MethodStore persists payout methods.
type MethodStore interface {
	InsertPayoutMethod(ctx context.Context, m *models.PayoutMethod) error
	GetPayoutMethod(ctx context.Context, id uuid.UUID) (*models.PayoutMethod, error)
	ListPayoutMethods(ctx context.Context, userID uuid.UUID) ([]*models.PayoutMethod, error)
}

// Notifier delivers an event to a connected user. Delivery is best effort.
type Notifier interface {
	Dispatch(ctx context.Context, identity uuid.UUID, event string, payload any) bool
}

// InsertPayoutJobTxFunc enqueues payout execution within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertPayoutJobTxFunc func(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) error

// BalanceView is a balance plus whether a payout may be requested now.
type BalanceView struct {
	*models.Balance
	CanRequestPayout bool `json:"can_request_payout"`
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Transactions []*models.Transaction `json:"transactions"`
	Pagination   models.Pagination     `json:"pagination"`
}

type Service struct {
	store           Store
	methods         MethodStore
	validator       *DetailsValidator
	locker          keylock.Locker
	notifier        Notifier
	insertPayoutJob InsertPayoutJobTxFunc
	defaults        BalanceDefaults
	log             *slog.Logger
	now             func() time.Time
}

// NewService wires the ledger. insertPayoutJob may be nil, in which case
// payouts are recorded but no execution job is enqueued.
func NewService(
	store Store,
	methods MethodStore,
	validator *DetailsValidator,
	locker keylock.Locker,
	notifier Notifier,
	insertPayoutJob InsertPayoutJobTxFunc,
	defaults BalanceDefaults,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	if locker == nil {
		locker = keylock.NewLocal()
	}
	if defaults.MinimumPayout <= 0 {
		defaults.MinimumPayout = models.DefaultMinimumPayout
	}
	if defaults.Currency == "" {
		defaults.Currency = models.DefaultCurrency
	}
	return &Service{
		store:           store,
		methods:         methods,
		validator:       validator,
		locker:          locker,
		notifier:        notifier,
		insertPayoutJob: insertPayoutJob,
		defaults:        defaults,
		log:             log,
		now:             time.Now,
	}
}

func userKey(id uuid.UUID) string { return "ledger:user:" + id.String() }

// withUserTx runs fn in a database transaction while holding the user's lock.
// The transaction commits only when fn returns nil.
func (s *Service) withUserTx(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.locker.WithLock(ctx, userKey(userID), func(ctx context.Context) error {
		tx, err := s.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// ApplyMovement moves amount according to kind and records it. Either both
// the balance change and the transaction row persist or neither does.
func (s *Service) ApplyMovement(ctx context.Context, userID uuid.UUID, kind models.TransactionKind, amount int64, description string) (*models.Transaction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidInput, kind)
	}
	if amount <= 0 {
		return nil, models.ErrInvalidAmount
	}
	var txn *models.Transaction
	var bal *models.Balance
	err := s.withUserTx(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		bal, err = s.store.LockBalance(ctx, tx, userID, s.defaults)
		if err != nil {
			return err
		}
		if err := bal.Apply(kind, amount); err != nil {
			return err
		}
		now := s.now().UTC()
		bal.UpdatedAt = now
		if err := s.store.UpdateBalance(ctx, tx, bal); err != nil {
			return err
		}
		txn = &models.Transaction{
			ID:          uuid.New(),
			UserID:      userID,
			Kind:        kind,
			Amount:      amount,
			Currency:    bal.Currency,
			Status:      models.TxStatusCompleted,
			Description: description,
			CreatedAt:   now,
			ProcessedAt: &now,
		}
		return s.store.InsertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s movement: %w", kind, err)
	}
	s.log.Info("ledger movement applied", "user_id", userID, "kind", kind, "amount", amount, "transaction_id", txn.ID)
	s.notify(ctx, userID, models.EventBalanceUpdated, bal)
	return txn, nil
}

// RequestPayout debits the available balance and records a pending payout.
// The execution job is enqueued in the same database transaction so a
// committed payout is never left without a worker to settle it.
func (s *Service) RequestPayout(ctx context.Context, userID uuid.UUID, amount int64, methodID uuid.UUID) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, models.ErrInvalidAmount
	}
	method, err := s.methods.GetPayoutMethod(ctx, methodID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidPayoutMethod
	}
	if err != nil {
		return nil, fmt.Errorf("load payout method: %w", err)
	}
	if method.UserID != userID {
		return nil, models.ErrNotAuthorized
	}
	if method.Status != models.PayoutMethodActive {
		return nil, models.ErrInvalidPayoutMethod
	}

	var txn *models.Transaction
	var bal *models.Balance
	err = s.withUserTx(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		bal, err = s.store.LockBalance(ctx, tx, userID, s.defaults)
		if err != nil {
			return err
		}
		if amount < bal.MinimumPayoutAmount {
			return fmt.Errorf("%w: minimum is %d %s", models.ErrBelowMinimumPayout, bal.MinimumPayoutAmount, bal.Currency)
		}
		if err := bal.Apply(models.KindPayout, amount); err != nil {
			return err
		}
		now := s.now().UTC()
		bal.PayoutPending = true
		bal.UpdatedAt = now
		if err := s.store.UpdateBalance(ctx, tx, bal); err != nil {
			return err
		}
		txn = &models.Transaction{
			ID:             uuid.New(),
			UserID:         userID,
			Kind:           models.KindPayout,
			Amount:         amount,
			Currency:       bal.Currency,
			Status:         models.TxStatusPending,
			PayoutMethodID: &method.ID,
			Description:    "payout via " + string(method.Type),
			CreatedAt:      now,
		}
		if err := s.store.InsertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if s.insertPayoutJob != nil {
			if err := s.insertPayoutJob(ctx, tx, txn.ID); err != nil {
				return fmt.Errorf("enqueue payout: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("request payout: %w", err)
	}
	s.log.Info("payout requested", "user_id", userID, "amount", amount, "transaction_id", txn.ID, "method", method.Type)
	s.notify(ctx, userID, models.EventBalanceUpdated, bal)
	return txn, nil
}

// MarkProcessing records that the provider accepted a pending payout.
// Payouts past pending are left untouched.
func (s *Service) MarkProcessing(ctx context.Context, transactionID uuid.UUID, referenceID string) (*models.Transaction, error) {
	head, err := s.loadPayout(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var result *models.Transaction
	err = s.withUserTx(ctx, head.UserID, func(ctx context.Context, tx pgx.Tx) error {
		txn, err := s.store.GetTransactionForUpdate(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		result = txn
		if txn.Status != models.TxStatusPending {
			return nil
		}
		ref := optional(referenceID)
		if err := s.store.UpdateTransactionStatus(ctx, tx, txn.ID, models.TxStatusProcessing, ref, nil, nil); err != nil {
			return err
		}
		txn.Status = models.TxStatusProcessing
		if ref != nil {
			txn.ReferenceID = ref
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark payout processing: %w", err)
	}
	return result, nil
}

// CompletePayout settles an in-flight payout as completed. Calls for a
// payout that is already settled are no-ops.
func (s *Service) CompletePayout(ctx context.Context, transactionID uuid.UUID, referenceID string) (*models.Transaction, error) {
	return s.settlePayout(ctx, transactionID, models.TxStatusCompleted, referenceID, "")
}

// FailPayout settles an in-flight payout as failed and refunds its amount to
// the available balance in the same database transaction. Calls for a payout
// that is already settled are no-ops, so the refund happens at most once.
func (s *Service) FailPayout(ctx context.Context, transactionID uuid.UUID, reason string) (*models.Transaction, error) {
	if reason == "" {
		reason = "payout failed"
	}
	return s.settlePayout(ctx, transactionID, models.TxStatusFailed, "", reason)
}

func (s *Service) settlePayout(ctx context.Context, transactionID uuid.UUID, to models.TransactionStatus, referenceID, reason string) (*models.Transaction, error) {
	head, err := s.loadPayout(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	var result *models.Transaction
	var bal *models.Balance
	applied := false
	err = s.withUserTx(ctx, head.UserID, func(ctx context.Context, tx pgx.Tx) error {
		txn, err := s.store.GetTransactionForUpdate(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		result = txn
		if !txn.Status.InFlight() {
			return nil
		}
		now := s.now().UTC()
		ref, why := optional(referenceID), optional(reason)
		if err := s.store.UpdateTransactionStatus(ctx, tx, txn.ID, to, ref, why, &now); err != nil {
			return err
		}
		txn.Status = to
		txn.ProcessedAt = &now
		if ref != nil {
			txn.ReferenceID = ref
		}
		if why != nil {
			txn.FailureReason = why
		}

		bal, err = s.store.LockBalance(ctx, tx, txn.UserID, s.defaults)
		if err != nil {
			return err
		}
		if to == models.TxStatusFailed {
			if err := bal.Apply(models.KindRefund, txn.Amount); err != nil {
				return err
			}
			refund := &models.Transaction{
				ID:             uuid.New(),
				UserID:         txn.UserID,
				Kind:           models.KindRefund,
				Amount:         txn.Amount,
				Currency:       txn.Currency,
				Status:         models.TxStatusCompleted,
				PayoutMethodID: txn.PayoutMethodID,
				RelatedID:      &txn.ID,
				Description:    "refund of failed payout",
				CreatedAt:      now,
				ProcessedAt:    &now,
			}
			if err := s.store.InsertTransaction(ctx, tx, refund); err != nil {
				return err
			}
		}
		inFlight, err := s.store.HasInFlightPayouts(ctx, tx, txn.UserID, txn.ID)
		if err != nil {
			return err
		}
		bal.PayoutPending = inFlight
		bal.UpdatedAt = now
		if err := s.store.UpdateBalance(ctx, tx, bal); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settle payout %s: %w", transactionID, err)
	}
	if !applied {
		s.log.Info("payout already settled, ignoring", "transaction_id", transactionID, "status", result.Status, "requested", to)
		return result, nil
	}

	event := models.EventPayoutCompleted
	if to == models.TxStatusFailed {
		event = models.EventPayoutFailed
		s.log.Warn("payout failed, refunded", "transaction_id", transactionID, "user_id", result.UserID, "reason", reason)
	} else {
		s.log.Info("payout completed", "transaction_id", transactionID, "user_id", result.UserID)
	}
	s.notify(ctx, result.UserID, event, result)
	s.notify(ctx, result.UserID, models.EventBalanceUpdated, bal)
	return result, nil
}

// ReconcileStalePayouts fails and refunds payouts still in flight after
// deadline. It returns how many payouts it settled.
func (s *Service) ReconcileStalePayouts(ctx context.Context, deadline time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-deadline)
	stale, err := s.store.ListStalePayouts(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale payouts: %w", err)
	}
	settled := 0
	for _, txn := range stale {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if _, err := s.FailPayout(ctx, txn.ID, "payout deadline exceeded"); err != nil {
			s.log.Error("reconcile payout failed", "transaction_id", txn.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) loadPayout(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Kind != models.KindPayout {
		return nil, fmt.Errorf("%w: transaction %s is not a payout", models.ErrInvalidInput, id)
	}
	return txn, nil
}

// GetTransaction returns a single transaction.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetBalance returns the user's balance, creating it with defaults on first read.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceView, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		err = s.withUserTx(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
			var err error
			bal, err = s.store.LockBalance(ctx, tx, userID, s.defaults)
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &BalanceView{Balance: bal, CanRequestPayout: bal.CanRequestPayout()}, nil
}

// ListTransactions pages through a user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, f models.TransactionFilter) (*TransactionPage, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidInput, f.Kind)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, f.Status)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	list, total, err := s.store.ListTransactions(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	return &TransactionPage{
		Transactions: list,
		Pagination: models.Pagination{
			Page:  f.Page,
			Limit: f.Limit,
			Total: total,
			Pages: (total + f.Limit - 1) / f.Limit,
		},
	}, nil
}

// AddPayoutMethod validates details for the given type and stores an active method.
func (s *Service) AddPayoutMethod(ctx context.Context, userID uuid.UUID, t models.PayoutMethodType, details json.RawMessage, isDefault bool) (*models.PayoutMethod, error) {
	decoded, err := s.validator.Decode(t, details)
	if err != nil {
		return nil, err
	}
	m := &models.PayoutMethod{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      t,
		Details:   decoded,
		IsDefault: isDefault,
		Status:    models.PayoutMethodActive,
		CreatedAt: s.now().UTC(),
	}
	if err := s.methods.InsertPayoutMethod(ctx, m); err != nil {
		return nil, fmt.Errorf("add payout method: %w", err)
	}
	s.log.Info("payout method added", "user_id", userID, "method_id", m.ID, "type", t)
	return m, nil
}

func (s *Service) ListPayoutMethods(ctx context.Context, userID uuid.UUID) ([]*models.PayoutMethod, error) {
	list, err := s.methods.ListPayoutMethods(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list payout methods: %w", err)
	}
	if list == nil {
		list = []*models.PayoutMethod{}
	}
	return list, nil
}

// GetPayoutMethod returns a payout method by id.
func (s *Service) GetPayoutMethod(ctx context.Context, id uuid.UUID) (*models.PayoutMethod, error) {
	return s.methods.GetPayoutMethod(ctx, id)
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, event string, payload any) {
	if s.notifier == nil {
		return
	}
	if !s.notifier.Dispatch(ctx, userID, event, payload) {
		s.log.Debug("user offline, event dropped", "user_id", userID, "event", event)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
