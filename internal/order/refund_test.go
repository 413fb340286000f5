package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/gateway"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/queue"
	"github.com/iliyamo/ticketmall/internal/testutil"
)

// refundAtGateway submits the refund and delivers the gateway's answer.
func (f *fixture) refundAtGateway(t *testing.T, r *model.RefundRecord, ok bool) *gateway.Notification {
	t.Helper()
	ctx := testutil.Context(t)
	sub, err := f.m.SubmitRefund(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.RefundSubmitted, sub.Status)
	n, err := f.sandbox.CompleteRefund(r.RefundNo, ok, "insufficient merchant balance")
	require.NoError(t, err)
	_, err = f.m.ConfirmRefund(ctx, n)
	require.NoError(t, err)
	return n
}

func (f *fixture) refund(t *testing.T, id uint64) *model.RefundRecord {
	t.Helper()
	r, err := f.m.refunds.GetByID(testutil.Context(t), id)
	require.NoError(t, err)
	return r
}

func TestFullRefundReleasesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.ticketOrder(t, 1, 2)
	f.paid(t, o.ID)
	assert.Equal(t, []string{model.SeatReserved, model.SeatReserved}, f.seatStatuses(t, 1, 2))

	r, err := f.m.RequestRefund(ctx, o.ID, o.AmountCents, "show canceled")
	require.NoError(t, err)
	assert.Equal(t, model.RefundPending, r.Status)
	got := f.order(t, o.ID)
	assert.Equal(t, model.OrderRefunding, got.Status)
	require.NotNil(t, got.PreRefundStatus)
	assert.Equal(t, model.OrderPaid, *got.PreRefundStatus)

	n := f.refundAtGateway(t, r, true)

	got = f.order(t, o.ID)
	assert.Equal(t, model.OrderRefunded, got.Status)
	assert.Equal(t, o.AmountCents, got.RefundedCents)
	assert.NotNil(t, got.RefundedAt)
	assert.Equal(t, []string{model.SeatFree, model.SeatFree}, f.seatStatuses(t, 1, 2))

	done := f.refund(t, r.ID)
	assert.Equal(t, model.RefundFinished, done.Status)
	assert.NotNil(t, done.SettledAt)

	// a redelivered notification changes nothing
	ack, err := f.m.ConfirmRefund(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, f.sandbox.Ack(), ack)
	assert.Equal(t, o.AmountCents, f.order(t, o.ID).RefundedCents)
	assert.Equal(t, []string{queue.EventOrderPaid, queue.EventOrderRefunded}, f.events.types())
}

func TestPartialRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.topUpOrder(t, 9, 1000)
	f.paid(t, o.ID)

	first, err := f.m.RequestRefund(ctx, o.ID, 300, "")
	require.NoError(t, err)
	_, err = f.m.RequestRefund(ctx, o.ID, 800, "")
	assert.ErrorIs(t, err, ErrRefundExceeds, "300 outstanding leaves 700")
	_, err = f.m.RequestRefund(ctx, o.ID, 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	f.refundAtGateway(t, first, true)
	got := f.order(t, o.ID)
	assert.Equal(t, model.OrderRefunding, got.Status, "a partial refund keeps the order refunding")
	assert.EqualValues(t, 300, got.RefundedCents)
	assert.EqualValues(t, 700, f.cardBalance(t, 9))

	second, err := f.m.RequestRefund(ctx, o.ID, 200, "")
	require.NoError(t, err)
	f.refundAtGateway(t, second, false)
	assert.Equal(t, model.OrderRefundFailed, f.order(t, o.ID).Status)
	failed := f.refund(t, second.ID)
	assert.Equal(t, model.RefundFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "insufficient merchant balance", *failed.ErrorMessage)

	retry, err := f.m.RetryRefund(ctx, second.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 200, retry.AmountCents)
	assert.NotEqual(t, second.RefundNo, retry.RefundNo)
	assert.Equal(t, model.OrderRefunding, f.order(t, o.ID).Status)
	_, err = f.m.RetryRefund(ctx, retry.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only failed refunds are retried")

	withdrawn, err := f.m.WithdrawRefund(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RefundCanceled, withdrawn.Status)

	rest, err := f.m.RequestRefund(ctx, o.ID, 700, "")
	require.NoError(t, err)
	f.refundAtGateway(t, rest, true)

	got = f.order(t, o.ID)
	assert.Equal(t, model.OrderRefunded, got.Status)
	assert.EqualValues(t, 1000, got.RefundedCents)
	assert.Zero(t, f.cardBalance(t, 9))
	_, err = f.m.RequestRefund(ctx, o.ID, 1, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailedRefundRestoresOrder(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.ticketOrder(t, 4)
	f.paid(t, o.ID)

	r, err := f.m.RequestRefund(ctx, o.ID, o.AmountCents, "")
	require.NoError(t, err)
	f.refundAtGateway(t, r, false)

	got := f.order(t, o.ID)
	assert.Equal(t, model.OrderPaid, got.Status)
	assert.Nil(t, got.PreRefundStatus)
	assert.Zero(t, got.RefundedCents)
	assert.Equal(t, []string{model.SeatReserved}, f.seatStatuses(t, 4))
}

func TestWithdrawRestoresFinishedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.topUpOrder(t, 5, 500)
	f.paid(t, o.ID)
	_, err := f.m.Finish(ctx, o.ID)
	require.NoError(t, err)

	r, err := f.m.RequestRefund(ctx, o.ID, 200, "")
	require.NoError(t, err)
	_, err = f.m.WithdrawRefund(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.m.WithdrawRefund(ctx, r.ID)
	require.NoError(t, err, "withdrawing twice is harmless")

	got := f.order(t, o.ID)
	assert.Equal(t, model.OrderFinished, got.Status)
	assert.Nil(t, got.PreRefundStatus)

	_, err = f.m.SubmitRefund(ctx, r.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRefundNotificationChecks(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.topUpOrder(t, 5, 500)
	f.paid(t, o.ID)
	r, err := f.m.RequestRefund(ctx, o.ID, 500, "")
	require.NoError(t, err)
	_, err = f.m.SubmitRefund(ctx, r.ID)
	require.NoError(t, err)
	n, err := f.sandbox.CompleteRefund(r.RefundNo, true, "")
	require.NoError(t, err)

	inflated := *n
	inflated.Amount = "50.00"
	f.sandbox.Sign(&inflated)
	_, err = f.m.ConfirmRefund(ctx, &inflated)
	assert.ErrorIs(t, err, gateway.ErrVerificationFailed)

	forged := *n
	forged.Signature = "00"
	_, err = f.m.ConfirmRefund(ctx, &forged)
	assert.ErrorIs(t, err, gateway.ErrVerificationFailed)

	assert.Equal(t, model.OrderRefunding, f.order(t, o.ID).Status)
	_, err = f.m.ConfirmRefund(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.OrderRefunded, f.order(t, o.ID).Status)
}

func TestRefundNotificationFromAnotherGatewayIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	other := gateway.NewSandbox("other", "other-secret")
	f.m.gateways.Register(other)
	o := f.topUpOrder(t, 5, 500)
	f.paid(t, o.ID)
	r, err := f.m.RequestRefund(ctx, o.ID, 500, "")
	require.NoError(t, err)
	_, err = f.m.SubmitRefund(ctx, r.ID)
	require.NoError(t, err)
	n, err := f.sandbox.CompleteRefund(r.RefundNo, true, "")
	require.NoError(t, err)

	foreign := *n
	foreign.GatewayID = other.ID()
	other.Sign(&foreign)
	_, err = f.m.ConfirmRefund(ctx, &foreign)
	require.ErrorIs(t, err, gateway.ErrVerificationFailed)
	assert.Equal(t, model.OrderRefunding, f.order(t, o.ID).Status)
	assert.EqualValues(t, 500, f.cardBalance(t, 5))

	_, err = f.m.ConfirmRefund(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.OrderRefunded, f.order(t, o.ID).Status)
	assert.Zero(t, f.cardBalance(t, 5))
}

func TestSweeperSettlesInterruptedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.Context(t)
	o := f.topUpOrder(t, 7, 600)
	f.paid(t, o.ID)
	r, err := f.m.RequestRefund(ctx, o.ID, 600, "")
	require.NoError(t, err)

	// finish the refund without running the settle hook
	_, err = f.m.finishRefund(ctx, r)
	require.NoError(t, err)
	assert.EqualValues(t, 600, f.cardBalance(t, 7))

	s := NewSweeper(f.m, f.locks, nil, SweeperConfig{}, nil)
	stats, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Settled)
	assert.Zero(t, f.cardBalance(t, 7))
	assert.NotNil(t, f.refund(t, r.ID).SettledAt)
}
