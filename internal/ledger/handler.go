package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/handlers"
	"github.com/nestview/backend/internal/middleware"
	"github.com/nestview/backend/internal/models"
)

type AddPayoutMethodRequest struct {
	Type      models.PayoutMethodType `json:"type"`
	Details   json.RawMessage         `json:"details"`
	IsDefault bool                    `json:"is_default"`
}

type PayoutRequest struct {
	Amount         int64     `json:"amount"`
	PayoutMethodID uuid.UUID `json:"payout_method_id"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts the ledger routes. auth wraps every route.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/v1/ledger/balance", auth(http.HandlerFunc(h.Balance)))
	mux.Handle("GET /api/v1/ledger/transactions", auth(http.HandlerFunc(h.Transactions)))
	mux.Handle("GET /api/v1/ledger/payout-methods", auth(http.HandlerFunc(h.ListPayoutMethods)))
	mux.Handle("POST /api/v1/ledger/payout-methods", auth(http.HandlerFunc(h.AddPayoutMethod)))
	mux.Handle("POST /api/v1/ledger/payouts", auth(http.HandlerFunc(h.RequestPayout)))
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetBalance(r.Context(), caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "get balance", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := models.TransactionFilter{
		Kind:   models.TransactionKind(q.Get("kind")),
		Status: models.TransactionStatus(q.Get("status")),
	}
	var err error
	if filter.Page, err = queryInt(q.Get("page")); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid page")
		return
	}
	if filter.Limit, err = queryInt(q.Get("limit")); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	page, err := h.svc.ListTransactions(r.Context(), caller.UserID, filter)
	if err != nil {
		handlers.WriteError(w, h.log, "list transactions", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) ListPayoutMethods(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListPayoutMethods(r.Context(), caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "list payout methods", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) AddPayoutMethod(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AddPayoutMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" || len(req.Details) == 0 {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "type and details are required")
		return
	}
	m, err := h.svc.AddPayoutMethod(r.Context(), caller.UserID, req.Type, req.Details, req.IsDefault)
	if err != nil {
		handlers.WriteError(w, h.log, "add payout method", err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PayoutMethodID == uuid.Nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "payout_method_id is required")
		return
	}
	txn, err := h.svc.RequestPayout(r.Context(), caller.UserID, req.Amount, req.PayoutMethodID)
	if err != nil {
		handlers.WriteError(w, h.log, "request payout", err)
		return
	}
	handlers.WriteJSON(w, http.StatusAccepted, txn)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (*middleware.Identity, bool) {
	caller := middleware.IdentityFromCtx(r.Context())
	if caller == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return caller, true
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
