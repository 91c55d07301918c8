package booking

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/handlers"
	"github.com/nestview/backend/internal/middleware"
	"github.com/nestview/backend/internal/models"
)

// Request structs use snake_case JSON.

type CreateBookingRequest struct {
	PropertyID   uuid.UUID `json:"property_id"`
	AgentID      uuid.UUID `json:"agent_id"` // optional, checked against the listing
	ClientName   string    `json:"client_name"`
	ClientEmail  string    `json:"client_email"`
	ClientPhone  string    `json:"client_phone"`
	Notes        string    `json:"notes"`
	ViewingStart time.Time `json:"viewing_start"`
	Duration     int       `json:"duration"`
}

type UpdateStatusRequest struct {
	Status             models.BookingStatus `json:"status"`
	CancellationReason string               `json:"cancellation_reason"`
}

type RescheduleRequest struct {
	ViewingStart *time.Time `json:"viewing_start"`
	Duration     *int       `json:"duration"`
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

// Register mounts the booking routes. auth wraps every route.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /api/v1/bookings", auth(http.HandlerFunc(h.Create)))
	mux.Handle("GET /api/v1/bookings/agent", auth(http.HandlerFunc(h.ListAgent)))
	mux.Handle("GET /api/v1/bookings/stats", auth(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /api/v1/bookings/{id}", auth(http.HandlerFunc(h.Get)))
	mux.Handle("PATCH /api/v1/bookings/{id}/status", auth(http.HandlerFunc(h.UpdateStatus)))
	mux.Handle("PATCH /api/v1/bookings/{id}/schedule", auth(http.HandlerFunc(h.Reschedule)))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	if caller == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ClientName == "" || req.ClientEmail == "" || req.ClientPhone == "" {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "client_name, client_email and client_phone are required")
		return
	}
	b, err := h.svc.RequestBooking(r.Context(), CreateRequest{
		PropertyID:   req.PropertyID,
		AgentID:      req.AgentID,
		ClientID:     caller.UserID,
		ClientName:   req.ClientName,
		ClientEmail:  req.ClientEmail,
		ClientPhone:  req.ClientPhone,
		Notes:        req.Notes,
		ViewingStart: req.ViewingStart,
		Duration:     req.Duration,
	})
	if err != nil {
		handlers.WriteError(w, h.log, "create booking", err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, b)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	id, ok := pathID(w, r)
	if !ok || caller == nil {
		return
	}
	b, err := h.svc.Get(r.Context(), id, caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "get booking", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) ListAgent(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	if caller == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}
	list, err := h.svc.ListAgentBookings(r.Context(), caller.UserID, from, to)
	if err != nil {
		handlers.WriteError(w, h.log, "list agent bookings", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	if caller == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	stats, err := h.svc.Stats(r.Context(), caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "booking stats", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	id, ok := pathID(w, r)
	if !ok || caller == nil {
		return
	}
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b, err := h.svc.UpdateStatus(r.Context(), id, caller.UserID, req.Status, req.CancellationReason)
	if err != nil {
		handlers.WriteError(w, h.log, "update booking status", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	caller := middleware.IdentityFromCtx(r.Context())
	id, ok := pathID(w, r)
	if !ok || caller == nil {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ViewingStart == nil && req.Duration == nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "viewing_start or duration is required")
		return
	}
	b, err := h.svc.Reschedule(r.Context(), id, caller.UserID, req.ViewingStart, req.Duration)
	if err != nil {
		handlers.WriteError(w, h.log, "reschedule booking", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, b)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if middleware.IdentityFromCtx(r.Context()) == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid booking id")
		return uuid.Nil, false
	}
	return id, true
}

func queryTime(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid "+key+": expected RFC3339")
		return time.Time{}, false
	}
	return t, true
}
