package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestview/backend/internal/models"
)

const balanceColumns = `user_id, available_amount, pending_amount, minimum_payout_amount, total_earned,
	total_paid_out, currency, payout_pending, updated_at`

const transactionColumns = `id, user_id, kind, amount, currency, status, payout_method_id, reference_id,
	related_id, description, failure_reason, created_at, processed_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ Store       = (*Repository)(nil)
	_ MethodStore = (*Repository)(nil)
)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// LockBalance creates the user's balance row if missing and returns it locked
// FOR UPDATE for the rest of tx.
func (r *Repository) LockBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, defaults BalanceDefaults) (*models.Balance, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, minimum_payout_amount, currency, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, defaults.MinimumPayout, defaults.Currency)
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	return scanBalance(tx.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID))
}

func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	b, err := scanBalance(r.pool.QueryRow(ctx, `SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return b, err
}

// UpdateBalance writes back a balance read with LockBalance. The table's CHECK
// constraints reject negative buckets even if a caller skipped Balance.Apply.
func (r *Repository) UpdateBalance(ctx context.Context, tx pgx.Tx, b *models.Balance) error {
	result, err := tx.Exec(ctx, `
		UPDATE balances
		SET available_amount = $2, pending_amount = $3, total_earned = $4, total_paid_out = $5,
			payout_pending = $6, updated_at = $7
		WHERE user_id = $1
	`, b.UserID, b.AvailableAmount, b.PendingAmount, b.TotalEarned, b.TotalPaidOut, b.PayoutPending, b.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, kind, amount, currency, status, payout_method_id, reference_id,
			related_id, description, failure_reason, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.UserID, t.Kind, t.Amount, t.Currency, t.Status, t.PayoutMethodID, t.ReferenceID,
		t.RelatedID, t.Description, t.FailureReason, t.CreatedAt, t.ProcessedAt)
	return err
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return t, err
}

func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return t, err
}

// UpdateTransactionStatus sets the status and keeps existing reference and
// failure reason when the new values are nil.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.TransactionStatus, referenceID, reason *string, processedAt *time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2,
			reference_id = COALESCE($3, reference_id),
			failure_reason = COALESCE($4, failure_reason),
			processed_at = COALESCE($5, processed_at)
		WHERE id = $1
	`, id, status, referenceID, reason, processedAt)
	return err
}

// HasInFlightPayouts reports whether the user has a pending or processing
// payout other than exclude.
func (r *Repository) HasInFlightPayouts(ctx context.Context, tx pgx.Tx, userID, exclude uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE user_id = $1 AND id <> $2 AND kind = 'payout' AND status IN ('pending', 'processing')
		)
	`, userID, exclude).Scan(&exists)
	return exists, err
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, f models.TransactionFilter) ([]*models.Transaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, transactionColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListStalePayouts returns in-flight payouts created before cutoff, oldest first.
func (r *Repository) ListStalePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE kind = 'payout' AND status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.UserID, &b.AvailableAmount, &b.PendingAmount, &b.MinimumPayoutAmount, &b.TotalEarned,
		&b.TotalPaidOut, &b.Currency, &b.PayoutPending, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var description *string
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Currency, &t.Status, &t.PayoutMethodID, &t.ReferenceID,
		&t.RelatedID, &description, &t.FailureReason, &t.CreatedAt, &t.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if description != nil {
		t.Description = *description
	}
	return &t, nil
}
