package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nestview/backend/internal/models"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

const bookingColumns = `id, property_id, agent_id, client_id, client_name, client_email, client_phone, notes,
	viewing_start, duration_minutes, status, cancellation_reason, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ Store             = (*Repository)(nil)
	_ PropertyDirectory = (*Repository)(nil)
)

// AgentFor reads the listing agent from property_agents, which the listings
// service keeps in sync.
func (r *Repository) AgentFor(ctx context.Context, propertyID uuid.UUID) (uuid.UUID, error) {
	var agentID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT agent_id FROM property_agents WHERE property_id = $1`, propertyID).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, models.ErrNotFound
	}
	return agentID, err
}

// CreateIfFree inserts b unless an active booking on the same property
// overlaps it. The overlap check and the insert share one transaction holding
// an advisory lock on the property; the exclusion constraint on the table is
// the last line of defence.
func (r *Repository) CreateIfFree(ctx context.Context, b *models.Booking) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockProperty(ctx, tx, b.PropertyID); err != nil {
		return err
	}
	if err := checkOverlap(ctx, tx, b.PropertyID, uuid.Nil, b.ViewingStart, b.End()); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (id, property_id, agent_id, client_id, client_name, client_email, client_phone, notes,
			viewing_start, viewing_end, duration_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, b.ID, b.PropertyID, b.AgentID, b.ClientID, b.ClientName, b.ClientEmail, b.ClientPhone, b.Notes,
		b.ViewingStart, b.End(), b.DurationMinutes, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	return mapConstraintErr(tx.Commit(ctx))
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return b, err
}

// UpdateStatus moves a booking from one status to another. It returns
// ErrInvalidTransition when the stored status is no longer from.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason *string, at time.Time) (*models.Booking, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET status = $3, cancellation_reason = COALESCE($4, cancellation_reason), updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+bookingColumns, id, from, to, reason, at)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrInvalidTransition
	}
	return b, err
}

// RescheduleIfFree moves b to its new slot, re-running the overlap check
// against every other active booking on the property.
func (r *Repository) RescheduleIfFree(ctx context.Context, b *models.Booking) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockProperty(ctx, tx, b.PropertyID); err != nil {
		return err
	}
	if err := checkOverlap(ctx, tx, b.PropertyID, b.ID, b.ViewingStart, b.End()); err != nil {
		return err
	}
	result, err := tx.Exec(ctx, `
		UPDATE bookings
		SET viewing_start = $2, viewing_end = $3, duration_minutes = $4, updated_at = $5
		WHERE id = $1 AND status IN ('pending', 'confirmed')
	`, b.ID, b.ViewingStart, b.End(), b.DurationMinutes, b.UpdatedAt)
	if err != nil {
		return mapConstraintErr(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrInvalidTransition
	}
	return mapConstraintErr(tx.Commit(ctx))
}

func (r *Repository) ListByAgent(ctx context.Context, agentID uuid.UUID, from, to time.Time) ([]*models.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE agent_id = $1 AND viewing_start >= $2 AND viewing_start < $3
		ORDER BY viewing_start
	`, agentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) Stats(ctx context.Context, agentID uuid.UUID, now, dayStart, dayEnd time.Time) (*models.BookingStats, error) {
	var s models.BookingStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('pending', 'confirmed') AND viewing_start > $2),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'confirmed') AND viewing_start >= $3 AND viewing_start < $4)
		FROM bookings
		WHERE agent_id = $1
	`, agentID, now, dayStart, dayEnd).Scan(&s.Upcoming, &s.Completed, &s.Cancelled, &s.Today)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func lockProperty(ctx context.Context, tx pgx.Tx, propertyID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, propertyID.String())
	if err != nil {
		return fmt.Errorf("lock property: %w", err)
	}
	return nil
}

// checkOverlap returns ErrConflict when an active booking other than exclude
// intersects [start, end).
func checkOverlap(ctx context.Context, tx pgx.Tx, propertyID, exclude uuid.UUID, start, end time.Time) error {
	var taken bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE property_id = $1 AND id <> $2
			  AND status IN ('pending', 'confirmed')
			  AND viewing_start < $4 AND viewing_end > $3
		)
	`, propertyID, exclude, start, end).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if taken {
		return models.ErrConflict
	}
	return nil
}

func mapConstraintErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgExclusionViolation || pgErr.Code == pgUniqueViolation) {
		return models.ErrConflict
	}
	return err
}

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var b models.Booking
	var notes *string
	err := row.Scan(&b.ID, &b.PropertyID, &b.AgentID, &b.ClientID, &b.ClientName, &b.ClientEmail, &b.ClientPhone, &notes,
		&b.ViewingStart, &b.DurationMinutes, &b.Status, &b.CancellationReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if notes != nil {
		b.Notes = *notes
	}
	return &b, nil
}
