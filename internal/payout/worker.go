package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/nestview/backend/internal/ledger"
	"github.com/nestview/backend/internal/models"
)

type ProcessPayoutArgs struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

func (ProcessPayoutArgs) Kind() string { return "process_payout" }

// InsertOpts keeps a single job per payout transaction.
func (ProcessPayoutArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Ledger is the part of the ledger the worker needs to settle a payout.
type Ledger interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetPayoutMethod(ctx context.Context, id uuid.UUID) (*models.PayoutMethod, error)
	MarkProcessing(ctx context.Context, transactionID uuid.UUID, referenceID string) (*models.Transaction, error)
	CompletePayout(ctx context.Context, transactionID uuid.UUID, referenceID string) (*models.Transaction, error)
	FailPayout(ctx context.Context, transactionID uuid.UUID, reason string) (*models.Transaction, error)
}

var _ Ledger = (*ledger.Service)(nil)

type Worker struct {
	river.WorkerDefaults[ProcessPayoutArgs]
	ledger        Ledger
	providers     Providers
	submitTimeout time.Duration
	log           *slog.Logger
}

func NewWorker(l Ledger, providers Providers, submitTimeout time.Duration, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Worker{ledger: l, providers: providers, submitTimeout: submitTimeout, log: log}
}

// Timeout leaves room for settlement after a provider call that used its
// whole submit budget.
func (w *Worker) Timeout(*river.Job[ProcessPayoutArgs]) time.Duration {
	return w.submitTimeout + 30*time.Second
}

func (w *Worker) Work(ctx context.Context, job *river.Job[ProcessPayoutArgs]) error {
	id := job.Args.TransactionID

	txn, err := w.ledger.GetTransaction(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		w.log.Warn("payout job for unknown transaction, dropping", "transaction_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payout %s: %w", id, err)
	}
	if txn.Status != models.TxStatusPending {
		// Already submitted or settled; the callback or reconciler owns it now.
		return nil
	}
	if txn.PayoutMethodID == nil {
		return w.failPayout(ctx, id, "payout has no payout method")
	}
	method, err := w.ledger.GetPayoutMethod(ctx, *txn.PayoutMethodID)
	if errors.Is(err, models.ErrNotFound) {
		return w.failPayout(ctx, id, "payout method no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load payout method: %w", err)
	}
	provider, err := w.providers.For(method.Type)
	if err != nil {
		return w.failPayout(ctx, id, err.Error())
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.submitTimeout)
	result, err := provider.Submit(submitCtx, SubmitRequest{
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Description:   txn.Description,
		Method:        method,
	})
	cancel()
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("provider did not answer within %s", w.submitTimeout)
		}
		w.log.Warn("payout submission failed", "transaction_id", id, "method", method.Type, "error", err)
		return w.failPayout(ctx, id, reason)
	}

	switch result.Status {
	case models.TxStatusCompleted:
		if _, err := w.ledger.CompletePayout(ctx, id, result.ReferenceID); err != nil {
			return fmt.Errorf("complete payout: %w", err)
		}
	default:
		if _, err := w.ledger.MarkProcessing(ctx, id, result.ReferenceID); err != nil {
			return fmt.Errorf("mark payout processing: %w", err)
		}
		w.log.Info("payout accepted by provider, awaiting callback", "transaction_id", id, "reference_id", result.ReferenceID)
	}
	return nil
}

func (w *Worker) failPayout(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := w.ledger.FailPayout(ctx, id, reason); err != nil {
		return fmt.Errorf("payout failed (%s) AND failed to refund: %w", reason, err)
	}
	return nil
}

