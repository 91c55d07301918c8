package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// ErrLockLost is the cancellation cause seen by fn when the lock could not be
// extended and another holder may have taken the key.
var ErrLockLost = errors.New("keylock: lock lost")

// RedisOptions tunes the distributed mutex. The lock is extended every
// Expiry/2 while fn runs.
type RedisOptions struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
	Prefix     string
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     10 * time.Second,
		Tries:      64,
		RetryDelay: 50 * time.Millisecond,
		Prefix:     "nestview:lock:",
	}
}

// Redis is a Locker backed by the RedLock algorithm, for deployments that run
// more than one API instance.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *slog.Logger
}

func NewRedis(client goredislib.UniversalClient, opts RedisOptions, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRedisOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	pool := goredis.NewPool(client)
	return &Redis{rs: redsync.New(pool), opts: opts, logger: logger}
}

var _ Locker = (*Redis)(nil)

func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if fn == nil {
		return ErrNilFn
	}
	mutex := r.rs.NewMutex(
		r.opts.Prefix+key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// Unlock with a fresh context so a cancelled caller still frees the key.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			r.logger.Warn("release lock failed", "key", key, "error", err)
		}
	}()

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.keepAlive(fnCtx, mutex, key, stop, cancel)
	}()

	err := fn(fnCtx)
	close(stop)
	<-done
	if err != nil && errors.Is(context.Cause(fnCtx), ErrLockLost) {
		return fmt.Errorf("%w: %s: %w", ErrLockLost, key, err)
	}
	return err
}

// keepAlive extends the mutex every Expiry/2 until stop closes. A failed
// extension cancels fn's context with ErrLockLost.
func (r *Redis) keepAlive(ctx context.Context, mutex *redsync.Mutex, key string, stop <-chan struct{}, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(r.opts.Expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := mutex.ExtendContext(ctx); !ok || err != nil {
				r.logger.Error("lock extension failed, cancelling holder", "key", key, "error", err)
				lost(ErrLockLost)
				return
			}
		}
	}
}
