// Package keylock serializes work per string key, either inside one process
// or across processes through Redis.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrNilFn is returned when WithLock is called without a function.
var ErrNilFn = errors.New("keylock: nil function")

// Locker runs fn while holding an exclusive lock on key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Waiting respects ctx cancellation and
// idle keys are dropped so the map does not grow without bound.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

var _ Locker = (*Local)(nil)

func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilFn
	}
	e := l.acquireRef(key)
	defer l.releaseRef(key, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

func (l *Local) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// size is the number of keys currently tracked.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
