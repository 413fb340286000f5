package seat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
	"github.com/iliyamo/ticketmall/internal/testutil"
)

type fixture struct {
	engine *Engine
	seats  *repository.ShowSeatRepo
	orders *repository.OrderRepo
	locks  *lock.Manager
	clock  *testutil.Clock
}

func newFixture(t *testing.T, nSeats int) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	f := &fixture{
		seats:  repository.NewShowSeatRepo(db),
		orders: repository.NewOrderRepo(db),
		locks:  lock.NewManager(rdb),
		clock:  testutil.NewClock(),
	}
	f.engine = NewEngine(f.seats, f.orders, f.locks, WithClock(f.clock.Now), WithHoldFor(time.Minute))

	seats := make([]model.ShowSeat, nSeats)
	for i := range seats {
		seats[i] = model.ShowSeat{ShowID: 1, SeatID: uint64(i + 1), TierID: 1, PriceCents: 1500}
	}
	require.NoError(t, f.seats.CreateBulk(testutil.Context(t), seats, f.clock.Now()))
	return f
}

func (f *fixture) newOrder(t *testing.T) uint64 {
	t.Helper()
	o := &model.Order{UserID: 9, BizType: model.BizTicket, ResourceID: 1, AmountCents: 3000}
	require.NoError(t, f.orders.Create(testutil.Context(t), o, f.clock.Now()))
	return o.ID
}

func (f *fixture) statusOf(t *testing.T, ids ...uint64) map[uint64]string {
	t.Helper()
	seats, err := f.seats.GetByIDs(testutil.Context(t), ids)
	require.NoError(t, err)
	out := map[uint64]string{}
	for _, s := range seats {
		out[s.ID] = s.Status
	}
	return out
}

func TestCheckoutHoldsAllSeats(t *testing.T) {
	f := newFixture(t, 4)
	ctx := testutil.Context(t)

	o, err := f.engine.Checkout(ctx, 7, 1, []uint64{2, 1, 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3000, o.AmountCents, "duplicates are ignored")
	assert.Equal(t, model.BizTicket, o.BizType)

	held, err := f.engine.SeatsOf(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, held, 2)
	for _, s := range held {
		assert.Equal(t, model.SeatHeld, s.Status)
		require.NotNil(t, s.HeldUntil)
		assert.True(t, f.clock.Now().Add(time.Minute).Equal(*s.HeldUntil))
	}
}

func TestCheckoutIsAllOrNothing(t *testing.T) {
	f := newFixture(t, 4)
	ctx := testutil.Context(t)

	_, err := f.engine.Checkout(ctx, 7, 1, []uint64{1, 2})
	require.NoError(t, err)

	_, err = f.engine.Checkout(ctx, 8, 1, []uint64{2, 3})
	require.ErrorIs(t, err, ErrSeatUnavailable)

	assert.Equal(t, model.SeatFree, f.statusOf(t, 3)[3], "the free seat of a failed selection stays free")
	orders, err := f.orders.ListByUser(ctx, 8, 10)
	require.NoError(t, err)
	assert.Empty(t, orders, "the order of a failed checkout is rolled back")
}

func TestCheckoutRejectsInvalidSelection(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.Context(t)

	_, err := f.engine.Checkout(ctx, 7, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidSelection)
	_, err = f.engine.Checkout(ctx, 7, 1, []uint64{1, 99})
	assert.ErrorIs(t, err, ErrInvalidSelection)
	_, err = f.engine.Checkout(ctx, 7, 2, []uint64{1})
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestAssignFailsWhileSeatLocked(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.Context(t)
	orderID := f.newOrder(t)

	h, err := f.locks.Acquire(ctx, f.locks.Key("seat", "1-2"), time.Minute, 0)
	require.NoError(t, err)

	err = f.engine.Assign(ctx, orderID, []uint64{1, 2})
	require.ErrorIs(t, err, ErrSeatUnavailable)
	assert.Equal(t, map[uint64]string{1: model.SeatFree, 2: model.SeatFree}, f.statusOf(t, 1, 2))

	// the lock on seat 1 taken by the failed attempt was given back
	_, err = f.locks.Acquire(ctx, f.locks.Key("seat", "1-1"), time.Minute, 0)
	assert.NoError(t, err)

	require.NoError(t, f.locks.Release(ctx, h))
}

func TestAssignSameOrderTwice(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.Context(t)
	orderID := f.newOrder(t)

	require.NoError(t, f.engine.Assign(ctx, orderID, []uint64{1, 2}))
	require.NoError(t, f.engine.Assign(ctx, orderID, []uint64{2, 1}))

	other := f.newOrder(t)
	assert.ErrorIs(t, f.engine.Assign(ctx, other, []uint64{2}), ErrSeatUnavailable)
}

func TestLapsedHoldCanBeRetaken(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.Context(t)
	first, second := f.newOrder(t), f.newOrder(t)

	require.NoError(t, f.engine.Assign(ctx, first, []uint64{1}))
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.engine.Assign(ctx, second, []uint64{1}))

	seats, err := f.engine.SeatsOf(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, seats)
}

func TestConfirmAndReleaseAreIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := testutil.Context(t)
	o, err := f.engine.Checkout(ctx, 7, 1, []uint64{1, 2})
	require.NoError(t, err)

	n, err := f.engine.Confirm(ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = f.engine.Confirm(ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Equal(t, map[uint64]string{1: model.SeatReserved, 2: model.SeatReserved}, f.statusOf(t, 1, 2))

	n, err = f.engine.Release(ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = f.engine.Release(ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Equal(t, map[uint64]string{1: model.SeatFree, 2: model.SeatFree}, f.statusOf(t, 1, 2))
}

func TestTicketHandlerKeepsSeatsOnPartialRefund(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.Context(t)
	h := NewTicketHandler(f.engine)
	o, err := f.engine.Checkout(ctx, 7, 1, []uint64{1, 2})
	require.NoError(t, err)

	require.NoError(t, h.OnPaid(ctx, o))
	o.RefundedCents = 1500
	require.NoError(t, h.OnRefunded(ctx, o, &model.RefundRecord{AmountCents: 1500}))
	assert.Equal(t, map[uint64]string{1: model.SeatReserved, 2: model.SeatReserved}, f.statusOf(t, 1, 2))

	o.RefundedCents = 3000
	require.NoError(t, h.OnRefunded(ctx, o, &model.RefundRecord{AmountCents: 1500}))
	assert.Equal(t, map[uint64]string{1: model.SeatFree, 2: model.SeatFree}, f.statusOf(t, 1, 2))
}

func TestTicketHandlerReportsLostSeats(t *testing.T) {
	f := newFixture(t, 2)
	ctx := testutil.Context(t)
	h := NewTicketHandler(f.engine)
	first, err := f.engine.Checkout(ctx, 7, 1, []uint64{1, 2})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	second, err := f.engine.Checkout(ctx, 8, 1, []uint64{2})
	require.NoError(t, err)

	err = h.OnPaid(ctx, first)
	require.ErrorIs(t, err, ErrSeatsLost)
	require.ErrorIs(t, h.OnPaid(ctx, first), ErrSeatsLost, "every retry reports the loss")
	assert.Equal(t, map[uint64]string{1: model.SeatReserved, 2: model.SeatHeld}, f.statusOf(t, 1, 2))

	require.NoError(t, h.OnPaid(ctx, second))
	assert.Equal(t, model.SeatReserved, f.statusOf(t, 2)[2])
}

// Overlapping selections race; every order ends with all of its seats or
// none, and no seat is held twice.
func TestConcurrentOverlappingAssign(t *testing.T) {
	f := newFixture(t, 6)
	ctx := testutil.Context(t)

	selections := [][]uint64{{1, 2, 3}, {3, 4}, {4, 5, 6}, {2, 5}, {6, 1}}
	orderIDs := make([]uint64, len(selections))
	for i := range selections {
		orderIDs[i] = f.newOrder(t)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(selections))
	for i, sel := range selections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.engine.Assign(ctx, orderIDs[i], sel)
		}()
	}
	wg.Wait()

	owner := map[uint64]uint64{}
	for i, sel := range selections {
		seats, err := f.engine.SeatsOf(ctx, orderIDs[i])
		require.NoError(t, err)
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrSeatUnavailable)
			assert.Empty(t, seats, "failed selection %v left seats behind", sel)
			continue
		}
		assert.Len(t, seats, len(sel))
		for _, s := range seats {
			_, dup := owner[s.ID]
			assert.False(t, dup, "seat %d held twice", s.ID)
			owner[s.ID] = orderIDs[i]
		}
	}
}
