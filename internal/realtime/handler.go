// Package realtime serves the authenticated websocket that carries events
// to connected users.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/nestview/backend/internal/handlers"
	"github.com/nestview/backend/internal/middleware"
	"github.com/nestview/backend/internal/presence"
)

// Frame is the JSON text message sent for each event.
type Frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Relay handles events sent by a connected client. from is the identity
// bound to the connection, never one named in the frame.
type Relay interface {
	ClientEvent(ctx context.Context, from uuid.UUID, event string, payload json.RawMessage)
}

type inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type conn struct {
	ws *websocket.Conn
}

func (c *conn) Send(ctx context.Context, event string, payload any) error {
	return wsjson.Write(ctx, c.ws, Frame{Event: event, Payload: payload})
}

func (c *conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusPolicyViolation, reason)
}

type Handler struct {
	registry       *presence.Registry
	tokens         middleware.TokenValidator
	relay          Relay
	originPatterns []string
	log            *slog.Logger
}

// NewHandler verifies tokens with tokens and registers accepted connections in
// registry. Client frames go to relay, which may be nil. originPatterns are
// host patterns allowed to open the socket from a browser.
func NewHandler(registry *presence.Registry, tokens middleware.TokenValidator, relay Relay, originPatterns []string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{registry: registry, tokens: tokens, relay: relay, originPatterns: originPatterns, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.ExtractBearer(r)
	}
	if token == "" {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, _, err := h.tokens.ValidateToken(r.Context(), token)
	if err != nil || identity == uuid.Nil {
		handlers.WriteErrorMessage(w, http.StatusUnauthorized, "invalid token")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "identity", identity, "error", err)
		return
	}
	c := &conn{ws: ws}
	if prev := h.registry.Register(identity, c); prev != nil {
		_ = prev.Close("replaced by a newer connection")
	}
	h.log.Info("connection registered", "identity", identity, "online", h.registry.Count())

	h.readLoop(r.Context(), identity, c)
}

// readLoop hands client frames to the relay until the connection ends, then
// unregisters this connection only. Binary and malformed frames are dropped.
func (h *Handler) readLoop(ctx context.Context, identity uuid.UUID, c *conn) {
	defer func() {
		if h.registry.Unregister(identity, c) {
			h.log.Info("connection unregistered", "identity", identity, "online", h.registry.Count())
		}
		_ = c.ws.CloseNow()
	}()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if h.relay == nil || typ != websocket.MessageText {
			continue
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
			continue
		}
		h.relay.ClientEvent(ctx, identity, in.Event, in.Payload)
	}
}

var _ presence.Conn = (*conn)(nil)
