package payout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/handlers"
	"github.com/nestview/backend/internal/models"
)

const (
	SignatureHeader  = "X-Signature"
	maxCallbackBytes = 64 << 10
)

// CallbackRequest is the body a provider posts when a payout settles.
type CallbackRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status"`
	ReferenceID   string    `json:"reference_id"`
	Reason        string    `json:"reason"`
}

// CallbackHandler applies provider callbacks to the ledger. Requests must be
// signed with HMAC-SHA256 of the raw body using the shared webhook secret.
type CallbackHandler struct {
	ledger Ledger
	secret []byte
	log    *slog.Logger
}

func NewCallbackHandler(l Ledger, secret string, log *slog.Logger) *CallbackHandler {
	if log == nil {
		log = slog.Default()
	}
	if secret == "" {
		log.Warn("WEBHOOK_SECRET is empty, payout callbacks will be rejected")
	}
	return &CallbackHandler{ledger: l, secret: []byte(secret), log: log}
}

func (h *CallbackHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/payouts/callback", h.Callback)
}

func (h *CallbackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("payout callback with bad signature", "remote_addr", r.RemoteAddr)
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil || req.TransactionID == uuid.Nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid callback body")
		return
	}

	var txn *models.Transaction
	switch strings.ToLower(req.Status) {
	case string(models.TxStatusCompleted), "successful", "success":
		txn, err = h.ledger.CompletePayout(r.Context(), req.TransactionID, req.ReferenceID)
	case string(models.TxStatusFailed), "rejected":
		txn, err = h.ledger.FailPayout(r.Context(), req.TransactionID, req.Reason)
	case string(models.TxStatusProcessing), string(models.TxStatusPending):
		txn, err = h.ledger.MarkProcessing(r.Context(), req.TransactionID, req.ReferenceID)
	default:
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	if err != nil {
		handlers.WriteError(w, h.log, "payout callback", err)
		return
	}
	h.log.Info("payout callback applied", "transaction_id", txn.ID, "reported", req.Status, "status", txn.Status)
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"transaction_id": txn.ID, "status": txn.Status})
}

func (h *CallbackHandler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
