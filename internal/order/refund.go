package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/gateway"
	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/queue"
	"github.com/iliyamo/ticketmall/internal/repository"
)

// errRefundSettled marks a refund notification for a record that already
// has its final status.
var errRefundSettled = errors.New("refund already settled")

func newRefundNo(orderID uint64) string {
	return fmt.Sprintf("R%d-%s", orderID, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func findRefund(list []model.RefundRecord, id uint64) (*model.RefundRecord, error) {
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("refund %d not listed for its order", id)
}

func outstanding(list []model.RefundRecord) (n int, cents int64) {
	for _, r := range list {
		if r.Outstanding() {
			n++
			cents += r.AmountCents
		}
	}
	return n, cents
}

// RequestRefund opens a refund of amount cents.  Further refunds may be
// requested while earlier ones are outstanding, as long as the total never
// exceeds the amount paid.
func (m *Machine) RequestRefund(ctx context.Context, orderID uint64, amount int64, reason string) (*model.RefundRecord, error) {
	var rec *model.RefundRecord
	_, err := m.mutate(ctx, orderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		var err error
		rec, err = m.requestTx(ctx, tx, o, amount, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("refund requested",
		zap.Uint64("order_id", orderID), zap.Uint64("refund_id", rec.ID), zap.Int64("amount_cents", amount))
	return rec, nil
}

func (m *Machine) requestTx(ctx context.Context, tx *sql.Tx, o *model.Order, amount int64, reason string, now time.Time) (*model.RefundRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount %d: %w", amount, ErrInvalidAmount)
	}
	switch o.Status {
	case model.OrderPaid, model.OrderFinished, model.OrderRefunding, model.OrderRefundFailed:
	default:
		return nil, fmt.Errorf("refund order %d in status %s: %w", o.ID, o.Status, ErrInvalidTransition)
	}
	list, err := m.refunds.ListByOrderTx(ctx, tx, o.ID)
	if err != nil {
		return nil, err
	}
	_, pending := outstanding(list)
	if left := o.AmountCents - o.RefundedCents - pending; amount > left {
		return nil, fmt.Errorf("refund %d cents of order %d, %d left: %w", amount, o.ID, left, ErrRefundExceeds)
	}
	if o.Status == model.OrderPaid || o.Status == model.OrderFinished {
		st := o.Status
		o.PreRefundStatus = &st
	}
	rec := &model.RefundRecord{
		OrderID:     o.ID,
		RefundNo:    newRefundNo(o.ID),
		AmountCents: amount,
		Reason:      reason,
	}
	if err := m.refunds.CreateTx(ctx, tx, rec, now); err != nil {
		return nil, err
	}
	if err := m.advance(ctx, tx, o, evRequestRefund, now, "pre_refund_status"); err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitRefund sends a pending refund to the gateway.  Submitting an
// already submitted refund returns it unchanged.
func (m *Machine) SubmitRefund(ctx context.Context, refundID uint64) (*model.RefundRecord, error) {
	r, err := m.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case model.RefundSubmitted:
		return r, nil
	case model.RefundPending:
	default:
		return nil, fmt.Errorf("submit refund %d in status %s: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	o, err := m.orders.GetByID(ctx, r.OrderID)
	if err != nil {
		return nil, err
	}
	p, err := m.paymentOf(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	client, err := m.gateways.Get(p.GatewayID)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	tk, err := client.Refund(gctx, gateway.RefundRequest{
		MerchantOrderNo: p.MerchantOrderNo,
		RefundNo:        r.RefundNo,
		AmountCents:     r.AmountCents,
		TotalCents:      o.AmountCents,
		Reason:          r.Reason,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("submit refund %s: %w", r.RefundNo, err)
	}

	// The gateway may already have answered; only a pending record moves.
	_, err = m.mutate(ctx, r.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		list, err := m.refunds.ListByOrderTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		cur, err := findRefund(list, r.ID)
		if err != nil || cur.Status != model.RefundPending {
			return err
		}
		if err := m.refunds.TransitionTx(ctx, tx, r.ID, []string{model.RefundPending}, repository.RefundUpdate{
			To:              model.RefundSubmitted,
			GatewayRefundID: &tk.GatewayRefundID,
			SubmittedAt:     &now,
		}, now); err != nil {
			return err
		}
		return m.orders.UpdateTx(ctx, tx, o, now, "status")
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("refund submitted", zap.Uint64("refund_id", r.ID), zap.String("refund_no", r.RefundNo))
	return m.refunds.GetByID(ctx, r.ID)
}

// paymentOf returns the payment that paid the order.  Refunds go back
// through its gateway.
func (m *Machine) paymentOf(ctx context.Context, orderID uint64) (*model.PaymentRecord, error) {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentID == nil {
		return nil, fmt.Errorf("order %d has no payment: %w", o.ID, ErrInvalidTransition)
	}
	return m.payments.GetByID(ctx, *o.PaymentID)
}

// ConfirmRefund handles a refund notification.  It is idempotent: the
// refund record moves to its final status once and later notifications are
// acknowledged without change.
func (m *Machine) ConfirmRefund(ctx context.Context, n *gateway.Notification) (gateway.Ack, error) {
	outcome, ack, err := m.confirmRefund(ctx, n)
	metrics.Notification.WithLabelValues("refund", outcome).Inc()
	return ack, err
}

func (m *Machine) confirmRefund(ctx context.Context, n *gateway.Notification) (string, gateway.Ack, error) {
	client, err := m.gateways.Get(n.GatewayID)
	if err != nil {
		return "rejected", gateway.Ack{}, err
	}
	if err := client.Verify(n); err != nil {
		m.securityWarn("refund notification failed verification", n, err)
		return "rejected", gateway.Ack{}, err
	}
	r, err := m.refunds.GetByRefundNo(ctx, n.RefundNo)
	if err != nil {
		return "error", gateway.Ack{}, err
	}
	p, err := m.paymentOf(ctx, r.OrderID)
	if err != nil {
		return "error", gateway.Ack{}, err
	}
	if p.GatewayID != n.GatewayID {
		err = fmt.Errorf("refund %s of a payment at %q: %w", r.RefundNo, p.GatewayID, gateway.ErrVerificationFailed)
		m.securityWarn("refund notification from another gateway", n, err)
		return "rejected", gateway.Ack{}, err
	}
	cents, err := n.AmountCents()
	if err != nil || cents != r.AmountCents {
		err = fmt.Errorf("refund %s: amount %q, expected %d cents: %w", r.RefundNo, n.Amount, r.AmountCents, gateway.ErrVerificationFailed)
		m.securityWarn("refund notification amount mismatch", n, err)
		return "rejected", gateway.Ack{}, err
	}

	var o *model.Order
	if n.Succeeded() {
		o, err = m.finishRefund(ctx, r)
	} else {
		o, err = m.failRefund(ctx, r, n.ErrorMessage)
	}
	if errors.Is(err, errRefundSettled) {
		if err := m.SettleRefund(ctx, r.ID); err != nil {
			return "error", gateway.Ack{}, err
		}
		return "duplicate", client.Ack(), nil
	}
	if err != nil {
		return "error", gateway.Ack{}, err
	}
	if !n.Succeeded() {
		m.log.Warn("refund failed at gateway",
			zap.Uint64("order_id", o.ID), zap.String("refund_no", r.RefundNo), zap.String("error", n.ErrorMessage))
		return "processed", client.Ack(), nil
	}
	m.publish(ctx, queue.EventOrderRefunded, o)
	if err := m.settle(ctx, o, r); err != nil {
		return "error", gateway.Ack{}, err
	}
	return "processed", client.Ack(), nil
}

// finishRefund records a successful refund: the record finishes, the
// order's refunded total grows and a fully refunded order becomes Refunded.
func (m *Machine) finishRefund(ctx context.Context, r *model.RefundRecord) (*model.Order, error) {
	return m.mutate(ctx, r.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		list, err := m.refunds.ListByOrderTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		cur, err := findRefund(list, r.ID)
		if err != nil {
			return err
		}
		if !cur.Outstanding() {
			return fmt.Errorf("refund %d is %s: %w", cur.ID, cur.Status, errRefundSettled)
		}
		err = m.refunds.TransitionTx(ctx, tx, r.ID, []string{model.RefundPending, model.RefundSubmitted},
			repository.RefundUpdate{To: model.RefundFinished, FinishedAt: &now}, now)
		if err != nil {
			return err
		}
		o.RefundedCents += cur.AmountCents
		if o.FullyRefunded() {
			o.RefundedAt = &now
			return m.advance(ctx, tx, o, evRefundDone, now, "refunded_cents", "refunded_at")
		}
		return m.orders.UpdateTx(ctx, tx, o, now, "status", "refunded_cents")
	})
}

// failRefund records a failed refund.  With nothing else outstanding the
// order returns to its pre-refund status when nothing was refunded yet and
// becomes RefundFailed otherwise.
func (m *Machine) failRefund(ctx context.Context, r *model.RefundRecord, reason string) (*model.Order, error) {
	return m.mutate(ctx, r.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		list, err := m.refunds.ListByOrderTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		cur, err := findRefund(list, r.ID)
		if err != nil {
			return err
		}
		if !cur.Outstanding() {
			return fmt.Errorf("refund %d is %s: %w", cur.ID, cur.Status, errRefundSettled)
		}
		err = m.refunds.TransitionTx(ctx, tx, r.ID, []string{model.RefundPending, model.RefundSubmitted},
			repository.RefundUpdate{To: model.RefundFailed, ErrorMessage: &reason, FinishedAt: &now}, now)
		if err != nil {
			return err
		}
		cur.Status = model.RefundFailed
		if n, _ := outstanding(list); n > 0 {
			return m.orders.UpdateTx(ctx, tx, o, now, "status")
		}
		if o.RefundedCents == 0 {
			return m.restoreTx(ctx, tx, o, now)
		}
		return m.advance(ctx, tx, o, evRefundFailed, now)
	})
}

func (m *Machine) restoreTx(ctx context.Context, tx *sql.Tx, o *model.Order, now time.Time) error {
	event := restoreEvent(o)
	o.PreRefundStatus = nil
	return m.advance(ctx, tx, o, event, now, "pre_refund_status")
}

// WithdrawRefund cancels a refund that was not submitted yet.  The order is
// restored when nothing else is outstanding and nothing was refunded.
func (m *Machine) WithdrawRefund(ctx context.Context, refundID uint64) (*model.RefundRecord, error) {
	r, err := m.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	_, err = m.mutate(ctx, r.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		list, err := m.refunds.ListByOrderTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		cur, err := findRefund(list, r.ID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case model.RefundCanceled:
			return nil
		case model.RefundPending:
		default:
			return fmt.Errorf("withdraw refund %d in status %s: %w", cur.ID, cur.Status, ErrInvalidTransition)
		}
		err = m.refunds.TransitionTx(ctx, tx, r.ID, []string{model.RefundPending},
			repository.RefundUpdate{To: model.RefundCanceled}, now)
		if err != nil {
			return err
		}
		cur.Status = model.RefundCanceled
		if n, _ := outstanding(list); n == 0 && o.RefundedCents == 0 {
			return m.restoreTx(ctx, tx, o, now)
		}
		return m.orders.UpdateTx(ctx, tx, o, now, "status")
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("refund withdrawn", zap.Uint64("refund_id", r.ID), zap.Uint64("order_id", r.OrderID))
	return m.refunds.GetByID(ctx, r.ID)
}

// RetryRefund opens a new pending refund for the amount of a failed one.
func (m *Machine) RetryRefund(ctx context.Context, refundID uint64) (*model.RefundRecord, error) {
	r, err := m.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RefundFailed {
		return nil, fmt.Errorf("retry refund %d in status %s: %w", r.ID, r.Status, ErrInvalidTransition)
	}
	var rec *model.RefundRecord
	_, err = m.mutate(ctx, r.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		var err error
		rec, err = m.requestTx(ctx, tx, o, r.AmountCents, r.Reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("refund retried", zap.Uint64("failed_refund_id", r.ID), zap.Uint64("refund_id", rec.ID))
	return rec, nil
}

// SettleRefund runs the business hook of a finished refund that has not
// been settled yet.
func (m *Machine) SettleRefund(ctx context.Context, refundID uint64) error {
	r, err := m.refunds.GetByID(ctx, refundID)
	if err != nil {
		return err
	}
	if r.Status != model.RefundFinished || r.SettledAt != nil {
		return nil
	}
	o, err := m.orders.GetByID(ctx, r.OrderID)
	if err != nil {
		return err
	}
	return m.settle(ctx, o, r)
}

func (m *Machine) settle(ctx context.Context, o *model.Order, r *model.RefundRecord) error {
	if s, ok := m.handlers[o.BizType].(RefundSettler); ok {
		if err := s.OnRefunded(ctx, o, r); err != nil {
			return fmt.Errorf("settle refund %d: %w", r.ID, err)
		}
	}
	if err := m.refunds.MarkSettled(ctx, r.ID, m.now()); err != nil {
		return err
	}
	m.log.Info("refund settled",
		zap.Uint64("order_id", o.ID), zap.Uint64("refund_id", r.ID), zap.Int64("refunded_cents", o.RefundedCents))
	return nil
}

// ListRefunds returns the refunds of an order.
func (m *Machine) ListRefunds(ctx context.Context, orderID uint64) ([]model.RefundRecord, error) {
	return m.refunds.ListByOrder(ctx, orderID)
}
