// Package presence tracks which users currently hold a live connection.
package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Conn is a live connection events can be pushed to.
type Conn interface {
	Send(ctx context.Context, event string, payload any) error
	Close(reason string) error
}

// Registry maps an identity to its single current connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]Conn)}
}

// Register makes c the connection for identity and returns the connection it
// replaced, if any. The caller is responsible for closing the replaced one.
func (r *Registry) Register(identity uuid.UUID, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[identity]
	r.conns[identity] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes identity only while c is still its registered
// connection, so a stale connection closing late cannot evict its successor.
func (r *Registry) Unregister(identity uuid.UUID, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[identity]; ok && cur == c {
		delete(r.conns, identity)
		return true
	}
	return false
}

func (r *Registry) Lookup(identity uuid.UUID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

func (r *Registry) Online(identity uuid.UUID) bool {
	_, ok := r.Lookup(identity)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
