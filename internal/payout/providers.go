// Package payout executes requested payouts against external providers and
// settles them back into the ledger.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/models"
)

const providerHTTPTimeout = 60 * time.Second

// SubmitRequest is one payout handed to a provider. TransactionID doubles as
// the provider-side idempotency key.
type SubmitRequest struct {
	TransactionID uuid.UUID
	Amount        int64
	Currency      string
	Description   string
	Method        *models.PayoutMethod
}

// SubmitResult reports what the provider did with a payout. Status is
// completed when the money moved, or pending/processing when the outcome
// arrives later by callback.
type SubmitResult struct {
	ReferenceID string
	Status      models.TransactionStatus
}

// Provider moves money to a payout method.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// Endpoint is the address and credential of a provider API.
type Endpoint struct {
	URL    string
	APIKey string
}

// ---------------------------------------------------------------------------
// Mobile money
// ---------------------------------------------------------------------------

// MobileMoney disburses to MTN or Orange wallets.
type MobileMoney struct {
	operators  map[string]Endpoint
	httpClient *http.Client
}

func NewMobileMoney(mtn, orange Endpoint, httpClient *http.Client) *MobileMoney {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providerHTTPTimeout}
	}
	return &MobileMoney{
		operators: map[string]Endpoint{
			strings.ToLower(models.ProviderMTN):    mtn,
			strings.ToLower(models.ProviderOrange): orange,
		},
		httpClient: httpClient,
	}
}

type disbursementRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	ExternalID  string `json:"externalId"`
}

type disbursementResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

func (p *MobileMoney) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	details, ok := req.Method.Details.(models.MobileMoneyDetails)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: mobile money provider got %s details", models.ErrInvalidPayoutMethod, req.Method.Type)
	}
	ep, ok := p.operators[strings.ToLower(details.Provider)]
	if !ok || ep.URL == "" {
		return SubmitResult{}, fmt.Errorf("%w: operator %q is not configured", models.ErrPayoutExecution, details.Provider)
	}
	var out disbursementResponse
	err := postJSON(ctx, p.httpClient, ep, "/disbursement", disbursementRequest{
		PhoneNumber: details.PhoneNumber,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ExternalID:  req.TransactionID.String(),
	}, &out)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("mobile money disbursement: %w", err)
	}
	status := models.TxStatusCompleted
	switch strings.ToLower(out.Status) {
	case "pending", "processing", "accepted":
		status = models.TxStatusProcessing
	case "failed", "rejected":
		return SubmitResult{}, fmt.Errorf("%w: operator rejected disbursement %s", models.ErrPayoutExecution, out.TransactionID)
	}
	return SubmitResult{ReferenceID: out.TransactionID, Status: status}, nil
}

// ---------------------------------------------------------------------------
// Bank transfer
// ---------------------------------------------------------------------------

// Bank initiates transfers that settle asynchronously. Without a configured
// endpoint it only issues a local reference and leaves the payout processing.
type Bank struct {
	endpoint   Endpoint
	httpClient *http.Client
	now        func() time.Time
}

func NewBank(endpoint Endpoint, httpClient *http.Client) *Bank {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providerHTTPTimeout}
	}
	return &Bank{endpoint: endpoint, httpClient: httpClient, now: time.Now}
}

type transferRequest struct {
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	BankName      string `json:"bankName"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	ExternalID    string `json:"externalId"`
}

type transferResponse struct {
	ReferenceID string `json:"referenceId"`
}

func (p *Bank) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	details, ok := req.Method.Details.(models.BankTransferDetails)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: bank provider got %s details", models.ErrInvalidPayoutMethod, req.Method.Type)
	}
	if p.endpoint.URL == "" {
		return SubmitResult{ReferenceID: fmt.Sprintf("BT%d", p.now().UnixMilli()), Status: models.TxStatusProcessing}, nil
	}
	var out transferResponse
	err := postJSON(ctx, p.httpClient, p.endpoint, "/transfers", transferRequest{
		AccountNumber: details.AccountNumber,
		AccountName:   details.AccountName,
		BankName:      details.BankName,
		Amount:        req.Amount,
		Currency:      req.Currency,
		ExternalID:    req.TransactionID.String(),
	}, &out)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("bank transfer: %w", err)
	}
	return SubmitResult{ReferenceID: out.ReferenceID, Status: models.TxStatusProcessing}, nil
}

// ---------------------------------------------------------------------------
// Sandbox
// ---------------------------------------------------------------------------

// Sandbox completes every payout after Delay. Used in development.
type Sandbox struct {
	Delay time.Duration
}

func (p Sandbox) Submit(ctx context.Context, _ SubmitRequest) (SubmitResult, error) {
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return SubmitResult{}, ctx.Err()
	case now := <-t.C:
		return SubmitResult{ReferenceID: fmt.Sprintf("DEV-%d", now.UnixMilli()), Status: models.TxStatusCompleted}, nil
	}
}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

// Providers picks the provider for a payout method type.
type Providers map[models.PayoutMethodType]Provider

// SandboxProviders routes every method type to the sandbox.
func SandboxProviders(delay time.Duration) Providers {
	s := Sandbox{Delay: delay}
	return Providers{models.PayoutBankTransfer: s, models.PayoutMobileMoney: s}
}

func (ps Providers) For(t models.PayoutMethodType) (Provider, error) {
	p, ok := ps[t]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for %q", models.ErrPayoutExecution, t)
	}
	return p, nil
}

func postJSON(ctx context.Context, client *http.Client, ep Endpoint, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ep.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: provider returned %d: %s", models.ErrPayoutExecution, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid provider response: %v", models.ErrPayoutExecution, err)
	}
	return nil
}
