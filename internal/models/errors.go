package models

import "errors"

var (
	// Booking errors
	ErrConflict          = errors.New("time slot conflicts with an existing booking")
	ErrInvalidTransition = errors.New("invalid booking status transition")

	// Ledger errors
	ErrInsufficientPending   = errors.New("insufficient pending balance")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrBelowMinimumPayout    = errors.New("amount is below the minimum payout")
	ErrInvalidAmount         = errors.New("amount must be greater than zero")
	ErrInvalidPayoutMethod   = errors.New("invalid or inactive payout method")
	ErrPayoutExecution       = errors.New("payout execution failed")

	// General errors
	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrInvalidInput  = errors.New("invalid input")
)
