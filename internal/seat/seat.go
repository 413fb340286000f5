// Package seat holds show seats for ticket orders.  A multi-seat selection
// is taken all-or-nothing: per-seat try-locks in ascending id order guard
// the selection, then one batched update moves every seat to HELD or none.
package seat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
)

var (
	// ErrSeatUnavailable means at least one requested seat is held, reserved
	// or being taken by a concurrent request.  Nothing was changed.
	ErrSeatUnavailable = errors.New("seat unavailable")
	// ErrInvalidSelection means the request names no seats, unknown seats or
	// seats of another show.
	ErrInvalidSelection = errors.New("invalid seat selection")
	// ErrSeatsLost means a paid order no longer holds every seat it was
	// priced for.  Its hold lapsed and another order took a seat.
	ErrSeatsLost = errors.New("order seats lost")
)

const (
	defaultLockTTL = 30 * time.Second
	defaultHoldFor = 20 * time.Minute
)

// Engine assigns, confirms and releases seats.
type Engine struct {
	seats   *repository.ShowSeatRepo
	orders  *repository.OrderRepo
	locks   *lock.Manager
	log     *zap.Logger
	now     func() time.Time
	lockTTL time.Duration
	holdFor time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockTTL sets the TTL of the per-seat try-locks.
func WithLockTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

// WithHoldFor sets how long a HELD seat stays protected.  It should exceed
// the unpaid-order grace so the sweeper releases seats before the hold
// lapses.
func WithHoldFor(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.holdFor = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = logger.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine returns an Engine.
func NewEngine(seats *repository.ShowSeatRepo, orders *repository.OrderRepo, locks *lock.Manager, opts ...Option) *Engine {
	e := &Engine{
		seats:   seats,
		orders:  orders,
		locks:   locks,
		log:     zap.NewNop(),
		now:     time.Now,
		lockTTL: defaultLockTTL,
		holdFor: defaultHoldFor,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// normalize dedupes and sorts ids so every caller locks in the same order.
func normalize(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Assign holds seatIDs for an existing order.  Seats already held by the
// same order count as held.
func (e *Engine) Assign(ctx context.Context, orderID uint64, seatIDs []uint64) error {
	ids, seats, err := e.load(ctx, seatIDs)
	if err != nil {
		return err
	}
	return e.withSeatLocks(ctx, seats, func() error {
		return repository.WithTx(ctx, e.seats.DB(), func(tx *sql.Tx) error {
			return e.holdTx(ctx, tx, orderID, ids)
		})
	})
}

// Checkout creates an unpaid ticket order for userID priced at the sum of
// the seats and holds them, all in one transaction.
func (e *Engine) Checkout(ctx context.Context, userID, showID uint64, seatIDs []uint64) (*model.Order, error) {
	ids, seats, err := e.load(ctx, seatIDs)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, s := range seats {
		if s.ShowID != showID {
			return nil, fmt.Errorf("seat %d is not part of show %d: %w", s.ID, showID, ErrInvalidSelection)
		}
		total += s.PriceCents
	}

	var order *model.Order
	err = e.withSeatLocks(ctx, seats, func() error {
		return repository.WithTx(ctx, e.seats.DB(), func(tx *sql.Tx) error {
			o := &model.Order{
				UserID:      userID,
				BizType:     model.BizTicket,
				ResourceID:  showID,
				AmountCents: total,
				Status:      model.OrderUnpaid,
			}
			if err := e.orders.CreateTx(ctx, tx, o, e.now()); err != nil {
				return err
			}
			if err := e.holdTx(ctx, tx, o.ID, ids); err != nil {
				return err
			}
			order = o
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("ticket order created",
		zap.Uint64("order_id", order.ID), zap.Uint64("show_id", showID), zap.Int("seats", len(ids)))
	return order, nil
}

func (e *Engine) load(ctx context.Context, seatIDs []uint64) ([]uint64, []model.ShowSeat, error) {
	ids := normalize(seatIDs)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("no seats: %w", ErrInvalidSelection)
	}
	seats, err := e.seats.GetByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(seats) != len(ids) {
		return nil, nil, fmt.Errorf("%d of %d seats exist: %w", len(seats), len(ids), ErrInvalidSelection)
	}
	return ids, seats, nil
}

// withSeatLocks try-locks every seat in ascending id order, runs fn and
// releases the locks.  The first busy seat fails the whole selection.
func (e *Engine) withSeatLocks(ctx context.Context, seats []model.ShowSeat, fn func() error) error {
	held := make([]*lock.Handle, 0, len(seats))
	defer func() {
		for _, h := range held {
			e.locks.ReleaseQuietly(ctx, h)
		}
	}()
	for _, s := range seats {
		h, err := e.locks.Acquire(ctx, e.lockKey(s), e.lockTTL, 0)
		if errors.Is(err, lock.ErrBusy) {
			metrics.SeatAssign.WithLabelValues("unavailable").Inc()
			return fmt.Errorf("seat %d is being taken: %w", s.ID, ErrSeatUnavailable)
		}
		if err != nil {
			metrics.SeatAssign.WithLabelValues("error").Inc()
			return err
		}
		held = append(held, h)
	}
	return fn()
}

func (e *Engine) lockKey(s model.ShowSeat) string {
	return e.locks.Key("seat", strconv.FormatUint(s.TierID, 10)+"-"+strconv.FormatUint(s.ID, 10))
}

func (e *Engine) holdTx(ctx context.Context, tx *sql.Tx, orderID uint64, ids []uint64) error {
	now := e.now()
	n, err := e.seats.HoldTx(ctx, tx, orderID, ids, now.Add(e.holdFor), now)
	if err != nil {
		metrics.SeatAssign.WithLabelValues("error").Inc()
		return err
	}
	if n != int64(len(ids)) {
		metrics.SeatAssign.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("%d of %d seats free: %w", n, len(ids), ErrSeatUnavailable)
	}
	metrics.SeatAssign.WithLabelValues("held").Inc()
	return nil
}

// Confirm turns the order's HELD seats into RESERVED.  Running it again
// changes nothing.
func (e *Engine) Confirm(ctx context.Context, orderID uint64) (int64, error) {
	n, err := e.seats.ConfirmByOrder(ctx, orderID, e.now())
	if err != nil {
		return 0, fmt.Errorf("confirm seats of order %d: %w", orderID, err)
	}
	return n, nil
}

// Release frees every seat of the order.  Running it again changes nothing.
func (e *Engine) Release(ctx context.Context, orderID uint64) (int64, error) {
	n, err := e.seats.ReleaseByOrder(ctx, orderID, e.now())
	if err != nil {
		return 0, fmt.Errorf("release seats of order %d: %w", orderID, err)
	}
	if n > 0 {
		e.log.Info("seats released", zap.Uint64("order_id", orderID), zap.Int64("seats", n))
	}
	return n, nil
}

// SeatsOf lists the seats tied to an order.
func (e *Engine) SeatsOf(ctx context.Context, orderID uint64) ([]model.ShowSeat, error) {
	return e.seats.ListByOrder(ctx, orderID)
}

// Availability lists every seat of a show.
func (e *Engine) Availability(ctx context.Context, showID uint64) ([]model.ShowSeat, error) {
	return e.seats.ListByShow(ctx, showID)
}
