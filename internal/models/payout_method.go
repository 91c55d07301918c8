package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PayoutMethodType string

const (
	PayoutBankTransfer PayoutMethodType = "bank_transfer"
	PayoutMobileMoney  PayoutMethodType = "mobile_money"
)

type PayoutMethodStatus string

const (
	PayoutMethodActive   PayoutMethodStatus = "active"
	PayoutMethodDisabled PayoutMethodStatus = "disabled"
)

// Mobile money operators.
const (
	ProviderMTN    = "MTN"
	ProviderOrange = "Orange"
)

// PayoutDetails is implemented by each payout method variant.
type PayoutDetails interface {
	MethodType() PayoutMethodType
}

type BankTransferDetails struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
}

func (BankTransferDetails) MethodType() PayoutMethodType { return PayoutBankTransfer }

type MobileMoneyDetails struct {
	PhoneNumber string `json:"phone_number"`
	Provider    string `json:"provider"`
}

func (MobileMoneyDetails) MethodType() PayoutMethodType { return PayoutMobileMoney }

type PayoutMethod struct {
	ID        uuid.UUID          `json:"id"`
	UserID    uuid.UUID          `json:"user_id"`
	Type      PayoutMethodType   `json:"type"`
	Details   PayoutDetails      `json:"details"`
	IsDefault bool               `json:"is_default"`
	Status    PayoutMethodStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// DecodePayoutDetails turns stored or submitted JSON into the variant for t.
func DecodePayoutDetails(t PayoutMethodType, raw []byte) (PayoutDetails, error) {
	switch t {
	case PayoutBankTransfer:
		var d BankTransferDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayoutMethod, err)
		}
		return d, nil
	case PayoutMobileMoney:
		var d MobileMoneyDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayoutMethod, err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayoutMethod, t)
}
