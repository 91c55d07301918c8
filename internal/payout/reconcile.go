package payout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_payouts" }

// Reconciler settles payouts that outlived their deadline.
type Reconciler interface {
	ReconcileStalePayouts(ctx context.Context, deadline time.Duration) (int, error)
}

// ReconcileWorker fails and refunds payouts stuck in pending or processing.
// It is the recovery path for payouts whose job or callback never arrived.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	ledger   Reconciler
	deadline time.Duration
	log      *slog.Logger
}

func NewReconcileWorker(l Reconciler, deadline time.Duration, log *slog.Logger) *ReconcileWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileWorker{ledger: l, deadline: deadline, log: log}
}

func (w *ReconcileWorker) Work(ctx context.Context, _ *river.Job[ReconcileArgs]) error {
	n, err := w.ledger.ReconcileStalePayouts(ctx, w.deadline)
	if err != nil {
		return fmt.Errorf("reconcile payouts: %w", err)
	}
	if n > 0 {
		w.log.Warn("stale payouts failed and refunded", "count", n, "deadline", w.deadline)
	}
	return nil
}

// ReconcilePeriodicJob schedules the reconciler every interval, starting
// immediately when the client starts.
func ReconcilePeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
