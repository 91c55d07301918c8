package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	KindEarning TransactionKind = "earning"
	KindRelease TransactionKind = "release"
	KindPayout  TransactionKind = "payout"
	KindRefund  TransactionKind = "refund"
	KindFee     TransactionKind = "fee"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarning, KindRelease, KindPayout, KindRefund, KindFee:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxStatusPending    TransactionStatus = "pending"
	TxStatusProcessing TransactionStatus = "processing"
	TxStatusCompleted  TransactionStatus = "completed"
	TxStatusFailed     TransactionStatus = "failed"
	TxStatusCancelled  TransactionStatus = "cancelled"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusProcessing, TxStatusCompleted, TxStatusFailed, TxStatusCancelled:
		return true
	}
	return false
}

// InFlight reports whether a payout in this status still awaits settlement.
func (s TransactionStatus) InFlight() bool {
	return s == TxStatusPending || s == TxStatusProcessing
}

// Transaction is one row of the append-only ledger log.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	UserID         uuid.UUID         `json:"user_id"`
	Kind           TransactionKind   `json:"kind"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	PayoutMethodID *uuid.UUID        `json:"payout_method_id,omitempty"`
	ReferenceID    *string           `json:"reference_id,omitempty"`
	RelatedID      *uuid.UUID        `json:"related_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	FailureReason  *string           `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
}

// TransactionFilter narrows a transaction listing. Zero values mean "any".
type TransactionFilter struct {
	Kind   TransactionKind
	Status TransactionStatus
	Page   int
	Limit  int
}

// Pagination describes a page of results.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}
