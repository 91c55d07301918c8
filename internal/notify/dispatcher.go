// Package notify delivers domain events to connected users and, optionally,
// to a message broker for out-of-process consumers.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nestview/backend/internal/presence"
)

const (
	sendTimeout    = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Publisher fans events out to other services.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Envelope is the broker message for one event.
type Envelope struct {
	Identity   uuid.UUID `json:"identity"`
	Event      string    `json:"event"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Dispatcher pushes events to the identity's live connection. Delivery is
// best effort: misses and send errors are logged and reported as false.
type Dispatcher struct {
	registry    *presence.Registry
	publisher   Publisher
	sendTimeout time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewDispatcher returns a dispatcher over registry. publisher may be nil.
func NewDispatcher(registry *presence.Registry, publisher Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:    registry,
		publisher:   publisher,
		sendTimeout: sendTimeout,
		log:         log,
		now:         time.Now,
	}
}

// Dispatch reports whether the event reached a live connection. Broker
// publishing happens whether or not the user is online and never affects the
// result.
func (d *Dispatcher) Dispatch(ctx context.Context, identity uuid.UUID, event string, payload any) bool {
	d.publish(ctx, identity, event, payload)

	conn, ok := d.registry.Lookup(identity)
	if !ok {
		d.log.Debug("no live connection, event not delivered", "identity", identity, "event", event)
		return false
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, event, payload); err != nil {
		d.log.Warn("event send failed", "identity", identity, "event", event, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) publish(ctx context.Context, identity uuid.UUID, event string, payload any) {
	if d.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err := d.publisher.PublishJSON(pubCtx, event, Envelope{
		Identity:   identity,
		Event:      event,
		Payload:    payload,
		OccurredAt: d.now().UTC(),
	})
	if err != nil {
		d.log.Warn("event publish failed", "identity", identity, "event", event, "error", err)
	}
}
