package models

import (
	"time"

	"github.com/google/uuid"
)

// Defaults applied to a balance created on first use.
const (
	DefaultMinimumPayout int64 = 50000
	DefaultCurrency            = "XAF"
)

// Balance holds a user's money in minor units.
type Balance struct {
	UserID              uuid.UUID `json:"user_id"`
	AvailableAmount     int64     `json:"available_amount"`
	PendingAmount       int64     `json:"pending_amount"`
	MinimumPayoutAmount int64     `json:"minimum_payout_amount"`
	TotalEarned         int64     `json:"total_earned"`
	TotalPaidOut        int64     `json:"total_paid_out"`
	Currency            string    `json:"currency"`
	PayoutPending       bool      `json:"payout_pending"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CanRequestPayout reports whether the available amount reaches the minimum.
func (b *Balance) CanRequestPayout() bool {
	return b.AvailableAmount >= b.MinimumPayoutAmount
}

// Apply mutates the balance for a single movement. It leaves b untouched and
// returns an error when the movement would drive a bucket negative.
func (b *Balance) Apply(kind TransactionKind, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	switch kind {
	case KindEarning:
		b.PendingAmount += amount
		b.TotalEarned += amount
	case KindRelease:
		if b.PendingAmount < amount {
			return ErrInsufficientPending
		}
		b.PendingAmount -= amount
		b.AvailableAmount += amount
	case KindPayout:
		if b.AvailableAmount < amount {
			return ErrInsufficientAvailable
		}
		b.AvailableAmount -= amount
		b.TotalPaidOut += amount
	case KindRefund:
		b.AvailableAmount += amount
		b.TotalPaidOut -= amount
		if b.TotalPaidOut < 0 {
			b.TotalPaidOut = 0
		}
	case KindFee:
		if b.AvailableAmount < amount {
			return ErrInsufficientAvailable
		}
		b.AvailableAmount -= amount
	default:
		return ErrInvalidInput
	}
	return nil
}
