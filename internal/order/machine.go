// Package order drives orders through payment, fulfilment, cancellation and
// refunds.
//
// Every persisted change is a version check-and-set on the order row, so
// concurrent webhooks, sweeps and user actions converge without locks: the
// loser reloads and re-evaluates.  Business effects run after the state
// change committed and are recorded with fulfilled_at, released_at and
// settled_at markers so an interrupted effect is re-run by the sweeper.
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
	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/queue"
	"github.com/iliyamo/ticketmall/internal/repository"
)

var (
	// ErrStaleOrderState means a notification refers to a superseded payment
	// or a canceled order.  It is acknowledged and changes nothing.
	ErrStaleOrderState = errors.New("stale order state")
	// ErrInvalidTransition means the order's status does not allow the
	// operation.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrRefundExceeds means the refund is larger than what is left to
	// refund.
	ErrRefundExceeds = errors.New("refund exceeds refundable amount")
	// ErrInvalidAmount means a non-positive amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownBizType means no handler is registered for the business type.
	ErrUnknownBizType = errors.New("unknown business type")
)

const (
	defaultGrace   = 15 * time.Minute
	casAttempts    = 5
	gatewayTimeout = 10 * time.Second
)

// Machine is the order state machine.  It is safe for concurrent use.
type Machine struct {
	orders   *repository.OrderRepo
	payments *repository.PaymentRepo
	refunds  *repository.RefundRepo
	gateways *gateway.Registry
	handlers Handlers
	events   EventPublisher
	log      *zap.Logger
	now      func() time.Time
	grace    time.Duration
}

// Option configures a Machine.
type Option func(*Machine)

// WithGrace sets how long an unpaid order lives before it expires.
func WithGrace(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithEvents sets the publisher of order events.
func WithEvents(p EventPublisher) Option { return func(m *Machine) { m.events = p } }

// WithLogger sets the machine logger.
func WithLogger(l *zap.Logger) Option { return func(m *Machine) { m.log = logger.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// NewMachine returns a Machine.
func NewMachine(orders *repository.OrderRepo, payments *repository.PaymentRepo, refunds *repository.RefundRepo,
	gateways *gateway.Registry, handlers Handlers, opts ...Option) *Machine {
	m := &Machine{
		orders:   orders,
		payments: payments,
		refunds:  refunds,
		gateways: gateways,
		handlers: handlers,
		log:      zap.NewNop(),
		now:      time.Now,
		grace:    defaultGrace,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Grace is the unpaid-order lifetime.
func (m *Machine) Grace() time.Duration { return m.grace }

// Get loads an order.
func (m *Machine) Get(ctx context.Context, id uint64) (*model.Order, error) {
	return m.orders.GetByID(ctx, id)
}

// Create stores a new unpaid order.  Orders of group-buy and ticket type are
// created together with their held resources by the reservation and seat
// packages; Create serves the rest.
func (m *Machine) Create(ctx context.Context, o *model.Order) error {
	if o.AmountCents <= 0 {
		return fmt.Errorf("order amount %d: %w", o.AmountCents, ErrInvalidAmount)
	}
	if _, ok := m.handlers[o.BizType]; !ok {
		return fmt.Errorf("%q: %w", o.BizType, ErrUnknownBizType)
	}
	o.Status = model.OrderUnpaid
	if err := m.orders.Create(ctx, o, m.now()); err != nil {
		return err
	}
	m.log.Info("order created", zap.Uint64("order_id", o.ID), zap.String("biz_type", string(o.BizType)))
	return nil
}

// mutate loads the order and runs fn inside a transaction.  When the order
// changed underneath, it reloads and runs fn again.
func (m *Machine) mutate(ctx context.Context, orderID uint64, fn func(tx *sql.Tx, o *model.Order, now time.Time) error) (*model.Order, error) {
	for i := 0; i < casAttempts; i++ {
		o, err := m.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		err = repository.WithTx(ctx, m.orders.DB(), func(tx *sql.Tx) error {
			return fn(tx, o, m.now())
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		return o, err
	}
	return nil, fmt.Errorf("order %d: %d attempts: %w", orderID, casAttempts, repository.ErrVersionConflict)
}

// advance applies event to o and persists the new status with the extra
// fields.  The status column is always written, so the order version moves
// even when the status stays.
func (m *Machine) advance(ctx context.Context, tx *sql.Tx, o *model.Order, event string, now time.Time, fields ...string) error {
	from := o.Status
	to, err := next(ctx, from, event)
	if err != nil {
		return err
	}
	o.Status = to
	if err := m.orders.UpdateTx(ctx, tx, o, now, append([]string{"status"}, fields...)...); err != nil {
		o.Status = from
		return err
	}
	if from != to {
		metrics.OrderTransition.WithLabelValues(from.String(), to.String()).Inc()
	}
	return nil
}

func (m *Machine) clientFor(id string) (gateway.Client, error) {
	if id == "" {
		return m.gateways.Default()
	}
	return m.gateways.Get(id)
}

func newMerchantNo(orderID uint64) string {
	return fmt.Sprintf("%d-%s", orderID, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// InitiatePayment opens a fresh charge for an unpaid order.  Each call mints
// a new merchant order number and supersedes the previous payment record,
// so a late notification for an abandoned charge is recognised as stale.
func (m *Machine) InitiatePayment(ctx context.Context, orderID uint64, gatewayID string) (*gateway.Charge, error) {
	if _, err := m.ExpireIfStale(ctx, orderID); err != nil {
		return nil, err
	}
	client, err := m.clientFor(gatewayID)
	if err != nil {
		return nil, err
	}

	var p *model.PaymentRecord
	o, err := m.mutate(ctx, orderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		if o.Status != model.OrderUnpaid {
			return fmt.Errorf("pay order %d in status %s: %w", o.ID, o.Status, ErrInvalidTransition)
		}
		p = &model.PaymentRecord{
			OrderID:         o.ID,
			GatewayID:       client.ID(),
			MerchantOrderNo: newMerchantNo(o.ID),
			AmountCents:     o.AmountCents,
			Status:          model.PaymentUnpaid,
		}
		if err := m.payments.CreateTx(ctx, tx, p, now); err != nil {
			return err
		}
		if err := m.payments.SupersedeOpenTx(ctx, tx, o.ID, p.ID); err != nil {
			return err
		}
		o.PaymentID = &p.ID
		return m.orders.UpdateTx(ctx, tx, o, now, "payment_id")
	})
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	charge, err := client.CreateCharge(gctx, gateway.ChargeRequest{
		MerchantOrderNo: p.MerchantOrderNo,
		AmountCents:     p.AmountCents,
		Currency:        o.Currency,
		Description:     fmt.Sprintf("%s order %d", o.BizType, o.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("create charge %s: %w", p.MerchantOrderNo, err)
	}
	m.log.Info("payment initiated",
		zap.Uint64("order_id", o.ID), zap.String("gateway", client.ID()), zap.String("merchant_order_no", p.MerchantOrderNo))
	return charge, nil
}

// ConfirmPayment handles a payment notification.  It is idempotent: a
// duplicate or concurrent notification credits the order once.  A nil error
// means the returned Ack should be sent to the gateway.
func (m *Machine) ConfirmPayment(ctx context.Context, n *gateway.Notification) (gateway.Ack, error) {
	outcome, ack, err := m.confirmPayment(ctx, n)
	metrics.Notification.WithLabelValues("payment", outcome).Inc()
	return ack, err
}

func (m *Machine) confirmPayment(ctx context.Context, n *gateway.Notification) (string, gateway.Ack, error) {
	client, err := m.gateways.Get(n.GatewayID)
	if err != nil {
		return "rejected", gateway.Ack{}, err
	}
	if err := client.Verify(n); err != nil {
		m.securityWarn("payment notification failed verification", n, err)
		return "rejected", gateway.Ack{}, err
	}
	if !n.Succeeded() {
		m.log.Info("payment notification without success",
			zap.String("merchant_order_no", n.MerchantOrderNo), zap.String("result", n.ResultStatus))
		return "ignored", client.Ack(), nil
	}
	p, err := m.payments.GetByMerchantNo(ctx, n.MerchantOrderNo)
	if err != nil {
		return "error", gateway.Ack{}, err
	}
	if p.GatewayID != n.GatewayID {
		err = fmt.Errorf("payment %s opened at %q: %w", p.MerchantOrderNo, p.GatewayID, gateway.ErrVerificationFailed)
		m.securityWarn("payment notification from another gateway", n, err)
		return "rejected", gateway.Ack{}, err
	}
	cents, err := n.AmountCents()
	if err != nil || cents != p.AmountCents {
		err = fmt.Errorf("payment %s: amount %q, expected %d cents: %w", p.MerchantOrderNo, n.Amount, p.AmountCents, gateway.ErrVerificationFailed)
		m.securityWarn("payment notification amount mismatch", n, err)
		return "rejected", gateway.Ack{}, err
	}

	outcome, err := m.settlePayment(ctx, p, n.TransactionID)
	if errors.Is(err, ErrStaleOrderState) {
		return "stale", client.Ack(), nil
	}
	if err != nil {
		return "error", gateway.Ack{}, err
	}
	return outcome, client.Ack(), nil
}

func (m *Machine) securityWarn(msg string, n *gateway.Notification, err error) {
	m.log.Warn(msg,
		zap.Bool("security", true),
		zap.String("gateway", n.GatewayID),
		zap.String("merchant_order_no", n.MerchantOrderNo),
		zap.String("refund_no", n.RefundNo),
		zap.Error(err))
}

// settlePayment marks the order of p paid and fulfils it.  It reports
// "processed" when this call paid the order and "duplicate" otherwise.
func (m *Machine) settlePayment(ctx context.Context, p *model.PaymentRecord, txnID string) (string, error) {
	var paidNow bool
	o, err := m.mutate(ctx, p.OrderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		paidNow = false
		if p.Status == model.PaymentSuperseded || o.Status == model.OrderCanceled ||
			o.PaymentID == nil || *o.PaymentID != p.ID {
			return fmt.Errorf("order %d (%s), payment %s (%s): %w", o.ID, o.Status, p.MerchantOrderNo, p.Status, ErrStaleOrderState)
		}
		if o.Status != model.OrderUnpaid {
			return nil
		}
		o.PaidAt = &now
		if err := m.advance(ctx, tx, o, evPay, now, "paid_at"); err != nil {
			return err
		}
		paidNow = true
		return m.payments.MarkPaidTx(ctx, tx, p.ID, txnID, now)
	})
	if errors.Is(err, ErrStaleOrderState) {
		m.log.Warn("stale payment notification acknowledged",
			zap.Uint64("order_id", p.OrderID), zap.String("merchant_order_no", p.MerchantOrderNo), zap.Error(err))
		return "stale", err
	}
	if err != nil {
		return "error", err
	}
	outcome := "duplicate"
	if paidNow {
		outcome = "processed"
		m.log.Info("order paid", zap.Uint64("order_id", o.ID), zap.String("merchant_order_no", p.MerchantOrderNo))
		m.publish(ctx, queue.EventOrderPaid, o)
	}
	if o.Status == model.OrderPaid && o.FulfilledAt == nil {
		if err := m.fulfil(ctx, o); err != nil {
			return "error", err
		}
	}
	return outcome, nil
}

// Fulfil runs the business handler of a paid order whose fulfilment did not
// complete.
func (m *Machine) Fulfil(ctx context.Context, orderID uint64) error {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != model.OrderPaid || o.FulfilledAt != nil {
		return nil
	}
	return m.fulfil(ctx, o)
}

func (m *Machine) fulfil(ctx context.Context, o *model.Order) error {
	h, ok := m.handlers[o.BizType]
	if !ok {
		return fmt.Errorf("order %d %q: %w", o.ID, o.BizType, ErrUnknownBizType)
	}
	if err := h.OnPaid(ctx, o); err != nil {
		return fmt.Errorf("fulfil order %d: %w", o.ID, err)
	}
	_, err := m.mutate(ctx, o.ID, func(tx *sql.Tx, cur *model.Order, now time.Time) error {
		if cur.FulfilledAt != nil {
			return nil
		}
		cur.FulfilledAt = &now
		return m.orders.UpdateTx(ctx, tx, cur, now, "fulfilled_at")
	})
	if err != nil {
		return err
	}
	m.log.Info("order fulfilled", zap.Uint64("order_id", o.ID), zap.String("biz_type", string(o.BizType)))
	return nil
}

// ExpireIfStale cancels an unpaid order older than the grace period.  The
// gateway is asked first; a charge captured without notification is
// confirmed instead.  It reports whether the order was canceled.
func (m *Machine) ExpireIfStale(ctx context.Context, orderID uint64) (bool, error) {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o.Status != model.OrderUnpaid || m.now().Sub(o.CreatedAt) < m.grace {
		return false, nil
	}
	return m.expire(ctx, o, "expired")
}

// Cancel cancels an unpaid order on request.  A charge the gateway already
// captured wins over the cancellation.
func (m *Machine) Cancel(ctx context.Context, orderID uint64) error {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case model.OrderCanceled:
		return m.release(ctx, o)
	case model.OrderUnpaid:
	default:
		return fmt.Errorf("cancel order %d in status %s: %w", o.ID, o.Status, ErrInvalidTransition)
	}
	canceledNow, err := m.expire(ctx, o, "canceled")
	if err != nil {
		return err
	}
	if !canceledNow {
		return fmt.Errorf("order %d is no longer unpaid: %w", o.ID, ErrInvalidTransition)
	}
	return nil
}

func (m *Machine) expire(ctx context.Context, o *model.Order, reason string) (bool, error) {
	var p *model.PaymentRecord
	var client gateway.Client
	if o.PaymentID != nil {
		var err error
		if p, err = m.payments.GetByID(ctx, *o.PaymentID); err != nil {
			return false, err
		}
		if client, err = m.gateways.Get(p.GatewayID); err != nil {
			return false, err
		}
		gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
		st, err := client.QueryCharge(gctx, p.MerchantOrderNo)
		cancel()
		switch {
		case errors.Is(err, gateway.ErrChargeNotFound):
		case err != nil:
			return false, fmt.Errorf("query charge %s: %w", p.MerchantOrderNo, err)
		case st.Paid:
			if st.AmountCents != p.AmountCents {
				return false, fmt.Errorf("charge %s captured %d cents, expected %d: %w",
					p.MerchantOrderNo, st.AmountCents, p.AmountCents, gateway.ErrVerificationFailed)
			}
			m.log.Info("unpaid order found captured at gateway", zap.Uint64("order_id", o.ID))
			_, err := m.settlePayment(ctx, p, st.TransactionID)
			return false, err
		}
	}

	var canceledNow bool
	cur, err := m.mutate(ctx, o.ID, func(tx *sql.Tx, cur *model.Order, now time.Time) error {
		canceledNow = false
		if cur.Status != model.OrderUnpaid {
			return nil
		}
		if cur.PaymentID != nil && (p == nil || *cur.PaymentID != p.ID) {
			// A new charge was opened after the gateway check.
			return fmt.Errorf("order %d got a new payment: %w", cur.ID, repository.ErrConflict)
		}
		cur.CanceledAt = &now
		if err := m.advance(ctx, tx, cur, evCancel, now, "canceled_at"); err != nil {
			return err
		}
		canceledNow = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !canceledNow {
		return false, nil
	}
	m.log.Info("order canceled", zap.Uint64("order_id", cur.ID), zap.String("reason", reason))
	if client != nil {
		gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
		if err := client.CloseCharge(gctx, p.MerchantOrderNo); err != nil {
			m.log.Warn("close charge failed", zap.String("merchant_order_no", p.MerchantOrderNo), zap.Error(err))
		}
		cancel()
	}
	m.publish(ctx, queue.EventOrderCanceled, cur)
	return true, m.release(ctx, cur)
}

// Release runs the release hook of a canceled order whose resources were
// not given back yet.
func (m *Machine) Release(ctx context.Context, orderID uint64) error {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != model.OrderCanceled {
		return fmt.Errorf("release order %d in status %s: %w", o.ID, o.Status, ErrInvalidTransition)
	}
	return m.release(ctx, o)
}

func (m *Machine) release(ctx context.Context, o *model.Order) error {
	if o.ReleasedAt != nil {
		return nil
	}
	if r, ok := m.handlers[o.BizType].(Releaser); ok {
		if err := r.OnReleased(ctx, o); err != nil {
			return fmt.Errorf("release order %d: %w", o.ID, err)
		}
	}
	_, err := m.mutate(ctx, o.ID, func(tx *sql.Tx, cur *model.Order, now time.Time) error {
		if cur.ReleasedAt != nil {
			return nil
		}
		cur.ReleasedAt = &now
		return m.orders.UpdateTx(ctx, tx, cur, now, "released_at")
	})
	return err
}

// Finish closes a fulfilled paid order.  Finished orders stay refundable.
func (m *Machine) Finish(ctx context.Context, orderID uint64) (*model.Order, error) {
	return m.mutate(ctx, orderID, func(tx *sql.Tx, o *model.Order, now time.Time) error {
		if o.Status == model.OrderFinished {
			return nil
		}
		if o.Status == model.OrderPaid && o.FulfilledAt == nil {
			return fmt.Errorf("order %d is not fulfilled yet: %w", o.ID, ErrInvalidTransition)
		}
		return m.advance(ctx, tx, o, evFinish, now)
	})
}
