package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestview/backend/internal/auth"
	"github.com/nestview/backend/internal/notify"
	"github.com/nestview/backend/internal/presence"
)

type relayed struct {
	from    uuid.UUID
	event   string
	payload string
}

type recordingRelay struct {
	mu     sync.Mutex
	frames []relayed
}

func (r *recordingRelay) ClientEvent(_ context.Context, from uuid.UUID, event string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, relayed{from, event, string(payload)})
}

func (r *recordingRelay) all() []relayed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relayed, len(r.frames))
	copy(out, r.frames)
	return out
}

type harness struct {
	srv        *httptest.Server
	registry   *presence.Registry
	dispatcher *notify.Dispatcher
	relay      *recordingRelay
	tokens     auth.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{registry: presence.NewRegistry(), relay: &recordingRelay{}, tokens: auth.NewService("test-secret", time.Hour)}
	h.dispatcher = notify.NewDispatcher(h.registry, nil, nil)
	mux := http.NewServeMux()
	NewHandler(h.registry, h.tokens, h.relay, nil, nil).Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) dial(t *testing.T, ctx context.Context, user uuid.UUID) *websocket.Conn {
	t.Helper()
	tok, err := h.tokens.IssueToken(user, auth.RoleAgent)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + tok
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return c
}

func TestWS_RejectsWithoutValidToken(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"

	_, resp, err := websocket.Dial(ctx, base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.registry.Count())
}

func TestWS_DeliversEvents(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user := uuid.New()

	c := h.dial(t, ctx, user)
	defer c.CloseNow()
	require.Eventually(t, func() bool { return h.registry.Online(user) }, 2*time.Second, 10*time.Millisecond)

	// client messages are ignored, identity stays the one from the token
	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"identity": uuid.NewString()}))

	require.True(t, h.dispatcher.Dispatch(ctx, user, "newBooking", map[string]string{"booking_id": "b-1"}))

	var got struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, wsjson.Read(ctx, c, &got))
	assert.Equal(t, "newBooking", got.Event)
	assert.Equal(t, "b-1", got.Payload["booking_id"])
}

// A second connection for the same identity replaces the first. The first is
// closed with a policy status and its late exit does not evict the second.
func TestWS_SecondConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user := uuid.New()

	first := h.dial(t, ctx, user)
	defer first.CloseNow()
	require.Eventually(t, func() bool { return h.registry.Online(user) }, 2*time.Second, 10*time.Millisecond)

	second := h.dial(t, ctx, user)
	defer second.CloseNow()

	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	assert.True(t, h.registry.Online(user))
	assert.Equal(t, 1, h.registry.Count())

	require.True(t, h.dispatcher.Dispatch(ctx, user, "balanceUpdated", map[string]string{}))
	var frame Frame
	require.NoError(t, wsjson.Read(ctx, second, &frame))
	assert.Equal(t, "balanceUpdated", frame.Event)

	require.NoError(t, second.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return !h.registry.Online(user) }, 2*time.Second, 10*time.Millisecond)
}

func TestWS_RelaysClientFramesUnderBoundIdentity(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, peer := uuid.New(), uuid.New()

	c := h.dial(t, ctx, user)
	defer c.CloseNow()
	require.Eventually(t, func() bool { return h.registry.Online(user) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`not json`)))
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte(`{"event":"typingStart"}`)))
	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"event": "typingStart", "payload": map[string]any{"to": peer}}))

	require.Eventually(t, func() bool { return len(h.relay.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := h.relay.all()[0]
	assert.Equal(t, user, got.from)
	assert.Equal(t, "typingStart", got.event)
	assert.JSONEq(t, `{"to":"`+peer.String()+`"}`, got.payload)
}
