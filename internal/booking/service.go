// Package booking schedules property viewings. A property never has two
// pending or confirmed bookings whose time slots overlap.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/keylock"
	"github.com/nestview/backend/internal/models"
)

const (
	defaultListWindow  = 30 * 24 * time.Hour
	maxDurationMinutes = 24 * 60
)

// Store persists bookings. CreateIfFree and RescheduleIfFree must check for
// overlaps and write in one atomic step, returning models.ErrConflict on a hit.
type Store interface {
	CreateIfFree(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.BookingStatus, reason *string, at time.Time) (*models.Booking, error)
	RescheduleIfFree(ctx context.Context, b *models.Booking) error
	ListByAgent(ctx context.Context, agentID uuid.UUID, from, to time.Time) ([]*models.Booking, error)
	Stats(ctx context.Context, agentID uuid.UUID, now, dayStart, dayEnd time.Time) (*models.BookingStats, error)
}

// PropertyDirectory resolves the agent who lists a property. It returns
// models.ErrNotFound for unknown properties.
type PropertyDirectory interface {
	AgentFor(ctx context.Context, propertyID uuid.UUID) (uuid.UUID, error)
}

// Notifier delivers an event to a connected user. Delivery is best effort.
type Notifier interface {
	Dispatch(ctx context.Context, identity uuid.UUID, event string, payload any) bool
}

// CreateRequest carries a client's viewing request. AgentID is optional; when
// set it must match the agent listing the property.
type CreateRequest struct {
	PropertyID   uuid.UUID
	AgentID      uuid.UUID
	ClientID     uuid.UUID
	ClientName   string
	ClientEmail  string
	ClientPhone  string
	Notes        string
	ViewingStart time.Time
	Duration     int
}

type Service struct {
	store      Store
	properties PropertyDirectory
	locker   keylock.Locker
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, properties PropertyDirectory, locker keylock.Locker, notifier Notifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if locker == nil {
		locker = keylock.NewLocal()
	}
	return &Service{store: store, properties: properties, locker: locker, notifier: notifier, log: log, now: time.Now}
}

func propertyKey(id uuid.UUID) string { return "booking:property:" + id.String() }

// RequestBooking creates a pending booking or fails with models.ErrConflict
// when the slot overlaps an active booking on the same property.
func (s *Service) RequestBooking(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	if req.PropertyID == uuid.Nil || req.ClientID == uuid.Nil {
		return nil, fmt.Errorf("%w: property and client are required", models.ErrInvalidInput)
	}
	if req.ViewingStart.IsZero() {
		return nil, fmt.Errorf("%w: viewing start is required", models.ErrInvalidInput)
	}
	duration, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	agentID, err := s.properties.AgentFor(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("resolve property %s: %w", req.PropertyID, err)
	}
	if req.AgentID != uuid.Nil && req.AgentID != agentID {
		return nil, fmt.Errorf("%w: agent does not list this property", models.ErrInvalidInput)
	}
	now := s.now().UTC()
	b := &models.Booking{
		ID:              uuid.New(),
		PropertyID:      req.PropertyID,
		AgentID:         agentID,
		ClientID:        req.ClientID,
		ClientName:      strings.TrimSpace(req.ClientName),
		ClientEmail:     strings.TrimSpace(req.ClientEmail),
		ClientPhone:     strings.TrimSpace(req.ClientPhone),
		Notes:           req.Notes,
		ViewingStart:    req.ViewingStart.UTC(),
		DurationMinutes: duration,
		Status:          models.BookingStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.locker.WithLock(ctx, propertyKey(b.PropertyID), func(ctx context.Context) error {
		return s.store.CreateIfFree(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	s.log.Info("booking created", "booking_id", b.ID, "property_id", b.PropertyID, "viewing_start", b.ViewingStart)
	s.notify(ctx, b.AgentID, models.EventNewBooking, b)
	return b, nil
}

// Get returns a booking visible to its agent or its client.
func (s *Service) Get(ctx context.Context, id, actor uuid.UUID) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != b.AgentID && actor != b.ClientID {
		return nil, models.ErrNotAuthorized
	}
	return b, nil
}

func (s *Service) Confirm(ctx context.Context, id, actor uuid.UUID) (*models.Booking, error) {
	return s.UpdateStatus(ctx, id, actor, models.BookingStatusConfirmed, "")
}

func (s *Service) Cancel(ctx context.Context, id, actor uuid.UUID, reason string) (*models.Booking, error) {
	return s.UpdateStatus(ctx, id, actor, models.BookingStatusCancelled, reason)
}

func (s *Service) Complete(ctx context.Context, id, actor uuid.UUID) (*models.Booking, error) {
	return s.UpdateStatus(ctx, id, actor, models.BookingStatusCompleted, "")
}

// UpdateStatus applies a lifecycle transition on behalf of the owning agent.
func (s *Service) UpdateStatus(ctx context.Context, id, actor uuid.UUID, to models.BookingStatus, reason string) (*models.Booking, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, to)
	}
	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != current.AgentID {
		return nil, models.ErrNotAuthorized
	}
	if !current.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, current.Status, to)
	}
	var reasonPtr *string
	if to == models.BookingStatusCancelled {
		r := strings.TrimSpace(reason)
		reasonPtr = &r
	}

	var updated *models.Booking
	err = s.locker.WithLock(ctx, propertyKey(current.PropertyID), func(ctx context.Context) error {
		var err error
		updated, err = s.store.UpdateStatus(ctx, id, current.Status, to, reasonPtr, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update booking status: %w", err)
	}
	s.log.Info("booking status changed", "booking_id", id, "from", current.Status, "to", to)
	s.notify(ctx, updated.AgentID, models.EventBookingUpdated, updated)
	return updated, nil
}

// Reschedule moves a non-terminal booking to a new slot. Nil arguments keep
// the current value.
func (s *Service) Reschedule(ctx context.Context, id, actor uuid.UUID, start *time.Time, duration *int) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != b.AgentID {
		return nil, models.ErrNotAuthorized
	}
	if b.Status.Terminal() {
		return nil, fmt.Errorf("%w: booking is %s", models.ErrInvalidTransition, b.Status)
	}
	if start != nil {
		if start.IsZero() {
			return nil, fmt.Errorf("%w: viewing start is required", models.ErrInvalidInput)
		}
		b.ViewingStart = start.UTC()
	}
	if duration != nil {
		d, err := normalizeDuration(*duration)
		if err != nil {
			return nil, err
		}
		b.DurationMinutes = d
	}
	b.UpdatedAt = s.now().UTC()

	err = s.locker.WithLock(ctx, propertyKey(b.PropertyID), func(ctx context.Context) error {
		return s.store.RescheduleIfFree(ctx, b)
	})
	if err != nil {
		return nil, fmt.Errorf("reschedule booking: %w", err)
	}
	s.log.Info("booking rescheduled", "booking_id", b.ID, "viewing_start", b.ViewingStart, "duration", b.DurationMinutes)
	s.notify(ctx, b.AgentID, models.EventBookingUpdated, b)
	return b, nil
}

// ListAgentBookings returns the agent's bookings in [from, to). A zero from
// means now and a zero to means 30 days after from.
func (s *Service) ListAgentBookings(ctx context.Context, agentID uuid.UUID, from, to time.Time) ([]*models.Booking, error) {
	if from.IsZero() {
		from = s.now().UTC()
	}
	if to.IsZero() {
		to = from.Add(defaultListWindow)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: end of range must be after start", models.ErrInvalidInput)
	}
	list, err := s.store.ListByAgent(ctx, agentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list agent bookings: %w", err)
	}
	if list == nil {
		list = []*models.Booking{}
	}
	return list, nil
}

// Stats counts the agent's bookings. "Today" is the current UTC day.
func (s *Service) Stats(ctx context.Context, agentID uuid.UUID) (*models.BookingStats, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := s.store.Stats(ctx, agentID, now, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("booking stats: %w", err)
	}
	return stats, nil
}

func (s *Service) notify(ctx context.Context, agentID uuid.UUID, event string, b *models.Booking) {
	if s.notifier == nil {
		return
	}
	if !s.notifier.Dispatch(ctx, agentID, event, b) {
		s.log.Debug("agent offline, event dropped", "agent_id", agentID, "event", event, "booking_id", b.ID)
	}
}

func normalizeDuration(d int) (int, error) {
	if d == 0 {
		return models.DefaultViewingDuration, nil
	}
	if d < 0 || d > maxDurationMinutes {
		return 0, fmt.Errorf("%w: duration must be between 1 and %d minutes", models.ErrInvalidInput, maxDurationMinutes)
	}
	return d, nil
}
