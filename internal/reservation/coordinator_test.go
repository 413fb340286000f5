package reservation

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/capacity"
	"github.com/iliyamo/ticketmall/internal/ledger"
	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
	"github.com/iliyamo/ticketmall/internal/testutil"
)

type fixture struct {
	c          *Coordinator
	activities *repository.ActivityRepo
	orders     *repository.OrderRepo
	ledger     *ledger.Ledger
	counter    *capacity.Counter
	locks      *lock.Manager
	clock      *testutil.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	clock := testutil.NewClock()
	f := &fixture{
		activities: repository.NewActivityRepo(db),
		orders:     repository.NewOrderRepo(db),
		ledger:     ledger.New(repository.NewLedgerRepo(db), nil, clock.Now),
		counter:    capacity.NewCounter(rdb, ""),
		locks:      lock.NewManager(rdb),
		clock:      clock,
	}
	f.c = NewCoordinator(f.activities, f.orders, f.ledger, f.counter, f.locks,
		append([]Option{WithClock(clock.Now)}, opts...)...)
	return f
}

func (f *fixture) activity(t *testing.T, capacity int64, mutate ...func(*model.Activity)) *model.Activity {
	t.Helper()
	a := &model.Activity{
		Title:      "dumplings",
		PriceCents: 990,
		Capacity:   capacity,
		EndsAt:     f.clock.Now().Add(time.Hour),
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(t, f.activities.Create(testutil.Context(t), a, f.clock.Now()))
	return a
}

func (f *fixture) stockAccount(t *testing.T, units int64) uint64 {
	t.Helper()
	ctx := testutil.Context(t)
	acct, err := f.ledger.OpenAccount(ctx, ledger.Subject{Type: "sku", ID: "dumplings", Asset: "stock"})
	require.NoError(t, err)
	if units > 0 {
		_, err = f.ledger.Mutate(ctx, ledger.Mutation{AccountID: acct.ID, Delta: units, Reason: model.ReasonManualAdjustment})
		require.NoError(t, err)
	}
	return acct.ID
}

func (f *fixture) count(t *testing.T, activityID uint64) (redisCount, durable int64) {
	t.Helper()
	ctx := testutil.Context(t)
	redisCount, err := f.counter.Count(ctx, SlotID(activityID))
	require.NoError(t, err)
	durable, err = f.activities.CountActive(ctx, activityID)
	require.NoError(t, err)
	return redisCount, durable
}

func TestThreeJoinsIntoTwoPlaces(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(50))
	a := f.activity(t, 2)
	ctx := testutil.Context(t)

	results := make([]Result, 3)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: uint64(100 + i)})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	var confirmed, full int
	for _, r := range results {
		switch {
		case r.OK():
			confirmed++
			assert.Equal(t, model.BizGroupBuy, r.Order.BizType)
			assert.Equal(t, model.OrderUnpaid, r.Order.Status)
		case assert.ErrorIs(t, r.Reason, capacity.ErrFull):
			full++
		}
	}
	assert.Equal(t, 2, confirmed)
	assert.Equal(t, 1, full)

	redisCount, durable := f.count(t, a.ID)
	assert.EqualValues(t, 2, durable)
	assert.EqualValues(t, 2, redisCount)
}

func TestJoinTwiceIsRolledBack(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, 5)
	ctx := testutil.Context(t)

	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	require.True(t, res.OK())

	res, err = f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	assert.ErrorIs(t, res.Reason, ErrAlreadyJoined)

	redisCount, durable := f.count(t, a.ID)
	assert.EqualValues(t, 1, redisCount, "the rolled back token was released")
	assert.EqualValues(t, 1, durable)
}

func TestClosedOrEndedActivityIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	closed := f.activity(t, 5, func(a *model.Activity) { a.Status = model.ActivityClosed })
	ended := f.activity(t, 5, func(a *model.Activity) { a.EndsAt = f.clock.Now().Add(-time.Minute) })

	for _, a := range []*model.Activity{closed, ended} {
		res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
		require.NoError(t, err)
		assert.Equal(t, Rejected, res.State)
		assert.ErrorIs(t, res.Reason, ErrActivityClosed)
	}

	_, err := f.c.Join(ctx, JoinRequest{ActivityID: 999, UserID: 1})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestBusyLockReleasesToken(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(2))
	a := f.activity(t, 5)
	ctx := testutil.Context(t)

	h, err := f.locks.Acquire(ctx, f.c.lockKey(a.ID), time.Minute, 0)
	require.NoError(t, err)

	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.State)
	assert.ErrorIs(t, res.Reason, lock.ErrBusy)

	redisCount, _ := f.count(t, a.ID)
	assert.Zero(t, redisCount)

	require.NoError(t, f.locks.Release(ctx, h))
	res, err = f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestStockIsReservedWithTheParticipant(t *testing.T) {
	f := newFixture(t)
	stock := f.stockAccount(t, 1)
	a := f.activity(t, 5, func(a *model.Activity) { a.StockAccountID = &stock })
	ctx := testutil.Context(t)

	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	require.True(t, res.OK())

	res, err = f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 2})
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	assert.ErrorIs(t, res.Reason, ledger.ErrInsufficientBalance)

	orders, err := f.orders.ListByUser(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, orders, "the order is rolled back with the stock failure")

	redisCount, durable := f.count(t, a.ID)
	assert.EqualValues(t, 1, redisCount)
	assert.EqualValues(t, 1, durable)
	require.NoError(t, f.ledger.Verify(ctx, stock))
}

func TestLeaveReturnsPlaceAndStock(t *testing.T) {
	f := newFixture(t)
	stock := f.stockAccount(t, 3)
	a := f.activity(t, 5, func(a *model.Activity) { a.StockAccountID = &stock })
	ctx := testutil.Context(t)

	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	require.True(t, res.OK())

	require.NoError(t, f.c.Leave(ctx, res.Order))
	require.NoError(t, f.c.Leave(ctx, res.Order))

	acct, err := f.ledger.Account(ctx, stock)
	require.NoError(t, err)
	assert.EqualValues(t, 3, acct.Balance)

	p, err := f.activities.GetParticipantByOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantCanceled, p.Status)

	redisCount, durable := f.count(t, a.ID)
	assert.Zero(t, redisCount)
	assert.Zero(t, durable)

	res, err = f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	require.NoError(t, err)
	assert.True(t, res.OK(), "a canceled participant may join again")
}

func TestDurableRecheckCatchesDriftedCounter(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, 2)
	ctx := testutil.Context(t)

	for _, user := range []uint64{1, 2} {
		res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: user})
		require.NoError(t, err)
		require.True(t, res.OK())
	}
	require.NoError(t, f.counter.Resync(ctx, SlotID(a.ID), 0))

	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 3})
	require.NoError(t, err)
	assert.Equal(t, RolledBack, res.State)
	assert.ErrorIs(t, res.Reason, capacity.ErrFull)

	n, err := f.c.Resync(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	redisCount, _ := f.count(t, a.ID)
	assert.EqualValues(t, 2, redisCount)

	require.NoError(t, f.c.ResyncOpen(ctx))
}

func TestGroupBuyHandlerCommissionLifecycle(t *testing.T) {
	f := newFixture(t)
	stock := f.stockAccount(t, 2)
	a := f.activity(t, 5, func(a *model.Activity) {
		a.StockAccountID = &stock
		a.CommissionCents = 150
	})
	ctx := testutil.Context(t)
	h := NewGroupBuyHandler(f.c)

	referrer := uint64(77)
	res, err := f.c.Join(ctx, JoinRequest{ActivityID: a.ID, UserID: 1, ReferrerID: &referrer})
	require.NoError(t, err)
	require.True(t, res.OK())
	o := res.Order

	require.NoError(t, h.OnPaid(ctx, o))
	require.NoError(t, h.OnPaid(ctx, o), "fulfilment is idempotent")

	subject := ledger.Subject{Type: "user", ID: strconv.FormatUint(referrer, 10), Asset: commissionAsset}
	acct, err := f.ledger.FindAccount(ctx, subject)
	require.NoError(t, err)
	assert.EqualValues(t, 150, acct.Balance)

	o.RefundedCents = o.AmountCents / 2
	require.NoError(t, h.OnRefunded(ctx, o, nil))
	p, err := f.activities.GetParticipantByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantPaid, p.Status, "a partial refund keeps the place")

	o.RefundedCents = o.AmountCents
	require.NoError(t, h.OnRefunded(ctx, o, nil))
	require.NoError(t, h.OnRefunded(ctx, o, nil))

	p, err = f.activities.GetParticipantByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipantRefunded, p.Status)

	acct, err = f.ledger.FindAccount(ctx, subject)
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)

	stockAcct, err := f.ledger.Account(ctx, stock)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stockAcct.Balance)

	redisCount, durable := f.count(t, a.ID)
	assert.Zero(t, redisCount)
	assert.Zero(t, durable)
}

func TestAttemptHonoursCanceledContext(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, 5)
	ctx, cancel := context.WithCancel(testutil.Context(t))
	cancel()

	_, err := f.c.Attempt(ctx, JoinRequest{ActivityID: a.ID, UserID: 1})
	assert.Error(t, err)
}
