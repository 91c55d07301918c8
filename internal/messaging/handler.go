package messaging

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

type SendMessageRequest struct {
	ReceiverID uuid.UUID          `json:"receiver_id"`
	Content    string             `json:"content"`
	Type       models.MessageType `json:"type"`
	FileURL    string             `json:"file_url"`
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

// Register mounts the messaging routes. auth wraps every route.
func (h *Handler) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/v1/messages/conversations", auth(http.HandlerFunc(h.Conversations)))
	mux.Handle("GET /api/v1/messages/conversations/{id}", auth(http.HandlerFunc(h.Messages)))
	mux.Handle("PUT /api/v1/messages/conversations/{id}/read", auth(http.HandlerFunc(h.MarkRead)))
	mux.Handle("GET /api/v1/messages/unread", auth(http.HandlerFunc(h.Unread)))
	mux.Handle("POST /api/v1/messages", auth(http.HandlerFunc(h.Send)))
	mux.Handle("DELETE /api/v1/messages/{id}", auth(http.HandlerFunc(h.Delete)))
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	m, err := h.svc.Send(r.Context(), caller.UserID, SendRequest{
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Type:       req.Type,
		FileURL:    req.FileURL,
	})
	if err != nil {
		handlers.WriteError(w, h.log, "send message", err)
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Conversations(r.Context(), caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "list conversations", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"))
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid limit")
		return
	}
	out, err := h.svc.Messages(r.Context(), id, caller.UserID, page, limit)
	if err != nil {
		handlers.WriteError(w, h.log, "list messages", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := h.svc.MarkRead(r.Context(), id, caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "mark read", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	n, err := h.svc.UnreadCount(r.Context(), caller.UserID)
	if err != nil {
		handlers.WriteError(w, h.log, "unread count", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), id, caller.UserID); err != nil {
		handlers.WriteError(w, h.log, "delete message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (*middleware.Identity, bool) {
	caller := middleware.IdentityFromCtx(r.Context())
	if caller == nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return caller, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		handlers.WriteErrorMessage(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
