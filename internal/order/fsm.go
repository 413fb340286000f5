package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/iliyamo/ticketmall/internal/model"
)

// Order events.
const (
	evPay             = "pay"
	evFinish          = "finish"
	evCancel          = "cancel"
	evRequestRefund   = "request_refund"
	evRefundDone      = "refund_done"
	evRefundFailed    = "refund_failed"
	evRestorePaid     = "restore_paid"
	evRestoreFinished = "restore_finished"
)

var (
	unpaid       = model.OrderUnpaid.String()
	paid         = model.OrderPaid.String()
	finished     = model.OrderFinished.String()
	refunding    = model.OrderRefunding.String()
	refunded     = model.OrderRefunded.String()
	refundFailed = model.OrderRefundFailed.String()
	canceled     = model.OrderCanceled.String()
)

// transitions is the complete order lifecycle.  Refunded and Canceled are
// terminal.
var transitions = fsm.Events{
	{Name: evPay, Src: []string{unpaid}, Dst: paid},
	{Name: evFinish, Src: []string{paid}, Dst: finished},
	{Name: evCancel, Src: []string{unpaid}, Dst: canceled},
	{Name: evRequestRefund, Src: []string{paid, finished, refunding, refundFailed}, Dst: refunding},
	{Name: evRefundDone, Src: []string{refunding}, Dst: refunded},
	{Name: evRefundFailed, Src: []string{refunding}, Dst: refundFailed},
	{Name: evRestorePaid, Src: []string{refunding, refundFailed}, Dst: paid},
	{Name: evRestoreFinished, Src: []string{refunding, refundFailed}, Dst: finished},
}

// next returns the status event leads to from status.  Events that leave
// the status unchanged are allowed.
func next(ctx context.Context, from model.OrderStatus, event string) (model.OrderStatus, error) {
	f := fsm.NewFSM(from.String(), transitions, nil)
	err := f.Event(ctx, event)
	var same fsm.NoTransitionError
	if err != nil && !errors.As(err, &same) {
		return from, fmt.Errorf("%s from %s: %w", event, from, ErrInvalidTransition)
	}
	to, ok := model.ParseOrderStatus(f.Current())
	if !ok {
		return from, fmt.Errorf("%s from %s: unknown status %q", event, from, f.Current())
	}
	return to, nil
}

// restoreEvent picks the event returning an order to its pre-refund status.
func restoreEvent(o *model.Order) string {
	if o.PreRefundStatus != nil && *o.PreRefundStatus == model.OrderFinished {
		return evRestoreFinished
	}
	return evRestorePaid
}
