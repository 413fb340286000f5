// Package capacity implements a best-effort admission counter per slot on
// Redis.  The counter throttles traffic before the expensive locked re-check
// in the durable store; it is never the source of truth.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticketmall/internal/metrics"
)

// ErrFull means admitting one more would exceed the slot's ceiling.
var ErrFull = errors.New("capacity full")

// admitScript increments and, on overflow, decrements again inside one
// script so the counter is never observed above the ceiling.
var admitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n > tonumber(ARGV[1]) then
    redis.call("DECR", KEYS[1])
    return -1
end
return n
`)

// releaseScript decrements but never below zero.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
    return redis.call("DECR", KEYS[1])
end
return 0
`)

// Token is one admission.  Releasing it more than once has no effect.
type Token struct {
	SlotID   string
	key      string
	released atomic.Bool
}

// Counter admits and releases slot tokens.
type Counter struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewCounter returns a Counter whose keys look like "<prefix>:<slotID>".
func NewCounter(rdb redis.UniversalClient, prefix string) *Counter {
	if prefix == "" {
		prefix = "capacity"
	}
	return &Counter{rdb: rdb, prefix: prefix}
}

func (c *Counter) key(slotID string) string { return c.prefix + ":" + slotID }

// TryAdmit takes one place in slotID if fewer than ceiling are taken.
func (c *Counter) TryAdmit(ctx context.Context, slotID string, ceiling int64) (*Token, error) {
	if ceiling <= 0 {
		metrics.CapacityAdmit.WithLabelValues("full").Inc()
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrFull)
	}
	key := c.key(slotID)
	n, err := admitScript.Run(ctx, c.rdb, []string{key}, ceiling).Int64()
	if err != nil {
		metrics.CapacityAdmit.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("slot %s: admit: %w", slotID, err)
	}
	if n < 0 {
		metrics.CapacityAdmit.WithLabelValues("full").Inc()
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrFull)
	}
	metrics.CapacityAdmit.WithLabelValues("admitted").Inc()
	return &Token{SlotID: slotID, key: key}, nil
}

// Release gives the token's place back.  A nil or already released token is
// a no-op.
func (c *Counter) Release(ctx context.Context, tok *Token) error {
	if tok == nil || !tok.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseScript.Run(ctx, c.rdb, []string{tok.key}).Err(); err != nil {
		tok.released.Store(false)
		return fmt.Errorf("slot %s: release: %w", tok.SlotID, err)
	}
	return nil
}

// ReleaseSlot gives back one place of slotID without a token.  It is used
// when a confirmed participant leaves long after its admission token is gone.
func (c *Counter) ReleaseSlot(ctx context.Context, slotID string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{c.key(slotID)}).Err(); err != nil {
		return fmt.Errorf("slot %s: release: %w", slotID, err)
	}
	return nil
}

// Count returns the slot's current counter value.
func (c *Counter) Count(ctx context.Context, slotID string) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key(slotID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Resync overwrites the counter with the authoritative count n.  Callers
// hold the slot's coordinator lock so no admission is mid-flight in the
// durable store.
func (c *Counter) Resync(ctx context.Context, slotID string, n int64) error {
	if n < 0 {
		n = 0
	}
	return c.rdb.Set(ctx, c.key(slotID), n, 0).Err()
}
