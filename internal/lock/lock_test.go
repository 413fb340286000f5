package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/testutil"
)

func TestKeyNamespace(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	assert.Equal(t, "lock:seat:7-42", NewManager(rdb).Key("seat", "7-42"))
	assert.Equal(t, "mall:activity:9", NewManager(rdb, WithNamespace("mall")).Key("activity", "9"))
}

func TestAcquireBusyWithoutWait(t *testing.T) {
	ctx := testutil.Context(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb)

	h, err := m.Acquire(ctx, "lock:a:1", time.Second, 0)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "lock:a:1", time.Second, 0)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, m.Release(ctx, h))
	h2, err := m.Acquire(ctx, "lock:a:1", time.Second, 0)
	require.NoError(t, err)
	assert.NotEqual(t, h.token, h2.token)
}

func TestAcquireWaitsUntilBudget(t *testing.T) {
	ctx := testutil.Context(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, WithBackoff(2*time.Millisecond, 10*time.Millisecond))

	_, err := m.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx, "k", time.Minute, 60*time.Millisecond)
	require.ErrorIs(t, err, ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	ctx := testutil.Context(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, WithBackoff(time.Millisecond, 5*time.Millisecond))

	h, err := m.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Release(context.Background(), h)
	}()

	_, err = m.Acquire(ctx, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
}

func TestAcquireHonoursContext(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb)
	_, err := m.Acquire(context.Background(), "k", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "k", time.Minute, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotentAndOwnerChecked(t *testing.T) {
	ctx := testutil.Context(t)
	mr, rdb := testutil.NewRedis(t)
	m := NewManager(rdb)

	h, err := m.Acquire(ctx, "k", 100*time.Millisecond, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, h))
	require.NoError(t, m.Release(ctx, h))
	require.NoError(t, m.Release(ctx, nil))

	// An expired lock taken over by someone else must survive our release.
	old, err := m.Acquire(ctx, "k", 100*time.Millisecond, 0)
	require.NoError(t, err)
	mr.FastForward(200 * time.Millisecond)
	_, err = m.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, old))
	assert.True(t, mr.Exists("k"))
}

func TestRenew(t *testing.T) {
	ctx := testutil.Context(t)
	mr, rdb := testutil.NewRedis(t)
	m := NewManager(rdb)

	h, err := m.Acquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, m.Renew(ctx, h, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, m.Renew(ctx, h, time.Minute), ErrNotHeld)
}

func TestWithLockMutualExclusion(t *testing.T) {
	ctx := testutil.Context(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, WithBackoff(time.Millisecond, 5*time.Millisecond))

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "k", time.Second, 5*time.Second, func(context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := testutil.Context(t)
	mr, rdb := testutil.NewRedis(t)
	m := NewManager(rdb)

	boom := errors.New("boom")
	err := m.WithLock(ctx, "k", time.Minute, 0, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("k"))
}
