// Package lock implements a TTL-bounded mutual-exclusion lock on Redis.
//
// A lock is a key holding a random owner token, set with SET NX PX.  Only
// the owner can release or renew it; a crashed owner's lock disappears when
// its TTL runs out.  There is no fencing: holders must keep their critical
// section well inside the TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
)

var (
	// ErrBusy means another owner holds the lock and the wait budget ran out.
	ErrBusy = errors.New("lock busy")
	// ErrNotHeld means the handle's lock expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Handle is a held lock.  It is returned by Acquire and consumed by
// Release and Renew.
type Handle struct {
	Key   string
	TTL   time.Duration
	token string
}

// Manager acquires and releases locks.  It is safe for concurrent use.
type Manager struct {
	rdb        redis.UniversalClient
	namespace  string
	backoffMin time.Duration
	backoffMax time.Duration
	log        *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamespace sets the key prefix (default "lock").
func WithNamespace(ns string) Option {
	return func(m *Manager) {
		if ns != "" {
			m.namespace = ns
		}
	}
}

// WithBackoff bounds the sleep between retries of a waiting Acquire.
func WithBackoff(lo, hi time.Duration) Option {
	return func(m *Manager) {
		if lo > 0 && hi >= lo {
			m.backoffMin, m.backoffMax = lo, hi
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logger.OrNop(l) }
}

// NewManager returns a Manager on rdb.
func NewManager(rdb redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		rdb:        rdb,
		namespace:  "lock",
		backoffMin: 5 * time.Millisecond,
		backoffMax: 100 * time.Millisecond,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Key builds "<namespace>:<resourceType>:<resourceID>".
func (m *Manager) Key(resourceType, resourceID string) string {
	return m.namespace + ":" + resourceType + ":" + resourceID
}

// Acquire takes the lock on key for ttl.  With wait == 0 a held lock fails
// at once with ErrBusy; otherwise Acquire retries with capped exponential
// backoff and jitter until wait elapses or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Handle, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	delay := m.backoffMin
	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			metrics.LockAcquire.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			metrics.LockAcquire.WithLabelValues("acquired").Inc()
			return &Handle{Key: key, TTL: ttl, token: token}, nil
		}

		remaining := time.Until(deadline)
		if wait <= 0 || remaining <= 0 {
			metrics.LockAcquire.WithLabelValues("busy").Inc()
			return nil, fmt.Errorf("lock %s: %w", key, ErrBusy)
		}
		sleep := delay/2 + rand.N(delay/2+1)
		if sleep > remaining {
			sleep = remaining
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if delay *= 2; delay > m.backoffMax {
			delay = m.backoffMax
		}
	}
}

// Release gives the lock back.  Releasing a nil handle, releasing twice, or
// releasing after the TTL ran out are no-ops.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.rdb, []string{h.Key}, h.token).Err(); err != nil {
		return fmt.Errorf("lock %s: release: %w", h.Key, err)
	}
	return nil
}

// Renew resets the TTL of a held lock.  It fails with ErrNotHeld when the
// lock is gone or owned by someone else.
func (m *Manager) Renew(ctx context.Context, h *Handle, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, m.rdb, []string{h.Key}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock %s: renew: %w", h.Key, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s: %w", h.Key, ErrNotHeld)
	}
	h.TTL = ttl
	return nil
}

// WithLock runs fn while holding key.  The lock is released on every exit
// path, including a panic in fn, using a context that survives ctx being
// canceled.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, key, ttl, wait)
	if err != nil {
		return err
	}
	defer m.ReleaseQuietly(ctx, h)
	return fn(ctx)
}

// ReleaseQuietly releases h and only logs a failure.  It is meant for defer.
func (m *Manager) ReleaseQuietly(ctx context.Context, h *Handle) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := m.Release(rctx, h); err != nil {
		m.log.Warn("lock release failed", zap.String("key", h.Key), zap.Error(err))
	}
}
