package models

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

// Booking status enums. Pending and confirmed bookings hold their time slot.
const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// DefaultViewingDuration is used when a request leaves the duration unset (minutes).
const DefaultViewingDuration = 30

// ActiveBookingStatuses are the statuses that take part in conflict detection.
var ActiveBookingStatuses = []BookingStatus{BookingStatusPending, BookingStatusConfirmed}

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCompleted, BookingStatusCancelled},
}

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCancelled, BookingStatusCompleted:
		return true
	}
	return false
}

// Active reports whether a booking in this status occupies its slot.
func (s BookingStatus) Active() bool {
	return s == BookingStatusPending || s == BookingStatusConfirmed
}

// Terminal reports whether no further transitions are allowed.
func (s BookingStatus) Terminal() bool {
	return s == BookingStatusCancelled || s == BookingStatusCompleted
}

// CanTransitionTo reports whether s -> to is an allowed lifecycle step.
func (s BookingStatus) CanTransitionTo(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Booking struct {
	ID                 uuid.UUID     `json:"id"`
	PropertyID         uuid.UUID     `json:"property_id"`
	AgentID            uuid.UUID     `json:"agent_id"`
	ClientID           uuid.UUID     `json:"client_id"`
	ClientName         string        `json:"client_name"`
	ClientEmail        string        `json:"client_email"`
	ClientPhone        string        `json:"client_phone"`
	Notes              string        `json:"notes,omitempty"`
	ViewingStart       time.Time     `json:"viewing_start"`
	DurationMinutes    int           `json:"duration"`
	Status             BookingStatus `json:"status"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// End is the exclusive end of the booking's time slot.
func (b *Booking) End() time.Time {
	return b.ViewingStart.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// Overlaps reports whether [start, end) intersects the booking's slot.
// Slots that only touch at an edge do not overlap.
func (b *Booking) Overlaps(start, end time.Time) bool {
	return b.ViewingStart.Before(end) && b.End().After(start)
}

// BookingStats summarises an agent's schedule.
type BookingStats struct {
	Upcoming  int `json:"upcoming"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Today     int `json:"today"`
}
