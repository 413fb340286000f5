// Package reservation admits users into capacity-limited group-buy
// activities.
//
// An attempt passes three gates.  The Redis capacity counter sheds load
// cheaply, the per-activity lock serialises the survivors, and the durable
// re-check inside one database transaction decides.  The counter token and
// the lock are given back on every exit path that does not commit.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/capacity"
	"github.com/iliyamo/ticketmall/internal/ledger"
	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
)

var (
	// ErrActivityClosed means the activity is closed or has ended.
	ErrActivityClosed = errors.New("activity closed")
	// ErrAlreadyJoined means the user already holds a place.
	ErrAlreadyJoined = errors.New("already joined")
)

// State is the final state of one attempt.
type State string

const (
	Confirmed  State = "confirmed"
	Rejected   State = "rejected"
	RolledBack State = "rolled_back"
)

// Result is the outcome of an attempt.  Business rejections are reported
// here rather than as errors; Reason wraps capacity.ErrFull, lock.ErrBusy,
// ErrActivityClosed, ErrAlreadyJoined or ledger.ErrInsufficientBalance.
type Result struct {
	State       State
	Reason      error
	Order       *model.Order
	Participant *model.Participant
}

// OK reports whether the attempt was confirmed.
func (r Result) OK() bool { return r.State == Confirmed }

// JoinRequest asks for one place in an activity.
type JoinRequest struct {
	ActivityID uint64
	UserID     uint64
	ReferrerID *uint64
}

const (
	defaultLockTTL     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultLockWait    = 2 * time.Second
)

// Coordinator runs reservation attempts.  It is safe for concurrent use.
type Coordinator struct {
	activities  *repository.ActivityRepo
	orders      *repository.OrderRepo
	ledger      *ledger.Ledger
	counter     *capacity.Counter
	locks       *lock.Manager
	log         *zap.Logger
	now         func() time.Time
	lockTTL     time.Duration
	lockWait    time.Duration
	maxAttempts int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTTL sets the TTL of the activity lock.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithLockWait sets how long Resync waits for a busy activity lock.  Joins
// never wait.
func WithLockWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.lockWait = d
		}
	}
}

// WithMaxAttempts bounds how often Join retries a busy activity lock.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = logger.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator returns a Coordinator.
func NewCoordinator(activities *repository.ActivityRepo, orders *repository.OrderRepo, l *ledger.Ledger,
	counter *capacity.Counter, locks *lock.Manager, opts ...Option) *Coordinator {
	c := &Coordinator{
		activities:  activities,
		orders:      orders,
		ledger:      l,
		counter:     counter,
		locks:       locks,
		log:         zap.NewNop(),
		now:         time.Now,
		lockTTL:     defaultLockTTL,
		lockWait:    defaultLockWait,
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SlotID is the capacity slot of an activity.
func SlotID(activityID uint64) string { return "activity:" + strconv.FormatUint(activityID, 10) }

func (c *Coordinator) lockKey(activityID uint64) string {
	return c.locks.Key("activity", strconv.FormatUint(activityID, 10))
}

// Join runs Attempt and retries while the activity lock is busy, up to the
// configured number of attempts.
func (c *Coordinator) Join(ctx context.Context, req JoinRequest) (Result, error) {
	var (
		res Result
		err error
	)
	for i := 0; i < c.maxAttempts; i++ {
		res, err = c.Attempt(ctx, req)
		if err != nil || !errors.Is(res.Reason, lock.ErrBusy) {
			return res, err
		}
		if i == c.maxAttempts-1 {
			break
		}
		t := time.NewTimer(time.Duration(5+rand.IntN(20*(i+1))) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
	return res, nil
}

// Attempt runs the admission protocol once.  A non-nil error means an
// infrastructure failure; business outcomes are in the Result.
func (c *Coordinator) Attempt(ctx context.Context, req JoinRequest) (res Result, err error) {
	defer func() { c.observe(req, res, err) }()

	a, err := c.activities.GetByID(ctx, req.ActivityID)
	if err != nil {
		return Result{}, err
	}
	if !open(a, c.now()) {
		return reject(fmt.Errorf("activity %d: %w", a.ID, ErrActivityClosed)), nil
	}

	tok, err := c.counter.TryAdmit(ctx, SlotID(a.ID), a.Capacity)
	if errors.Is(err, capacity.ErrFull) {
		return reject(fmt.Errorf("activity %d: %w", a.ID, err)), nil
	}
	if err != nil {
		return Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := c.counter.Release(context.WithoutCancel(ctx), tok); rerr != nil {
				c.log.Warn("capacity release failed", zap.String("slot", tok.SlotID), zap.Error(rerr))
			}
		}
	}()

	h, err := c.locks.Acquire(ctx, c.lockKey(a.ID), c.lockTTL, 0)
	if errors.Is(err, lock.ErrBusy) {
		return reject(fmt.Errorf("activity %d: %w", a.ID, err)), nil
	}
	if err != nil {
		return Result{}, err
	}
	defer c.locks.ReleaseQuietly(ctx, h)

	var (
		order       *model.Order
		participant *model.Participant
	)
	err = repository.WithTx(ctx, c.activities.DB(), func(tx *sql.Tx) error {
		var err error
		order, participant, err = c.admitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if isBusiness(err) {
			return Result{State: RolledBack, Reason: err}, nil
		}
		return Result{State: RolledBack, Reason: err}, err
	}
	committed = true
	return Result{State: Confirmed, Order: order, Participant: participant}, nil
}

// admitTx is the authoritative re-check and write, run under the activity
// lock.
func (c *Coordinator) admitTx(ctx context.Context, tx *sql.Tx, req JoinRequest) (*model.Order, *model.Participant, error) {
	now := c.now()
	a, err := c.activities.GetByIDTx(ctx, tx, req.ActivityID)
	if err != nil {
		return nil, nil, err
	}
	if !open(a, now) {
		return nil, nil, fmt.Errorf("activity %d: %w", a.ID, ErrActivityClosed)
	}
	_, err = c.activities.FindActiveParticipantTx(ctx, tx, a.ID, req.UserID)
	if err == nil {
		return nil, nil, fmt.Errorf("user %d in activity %d: %w", req.UserID, a.ID, ErrAlreadyJoined)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, err
	}
	n, err := c.activities.CountActiveTx(ctx, tx, a.ID)
	if err != nil {
		return nil, nil, err
	}
	if n+1 > a.Capacity {
		return nil, nil, fmt.Errorf("activity %d holds %d of %d: %w", a.ID, n, a.Capacity, capacity.ErrFull)
	}

	o := &model.Order{
		UserID:      req.UserID,
		BizType:     model.BizGroupBuy,
		ResourceID:  a.ID,
		AmountCents: a.PriceCents,
		Status:      model.OrderUnpaid,
	}
	if err := c.orders.CreateTx(ctx, tx, o, now); err != nil {
		return nil, nil, err
	}
	p := &model.Participant{ActivityID: a.ID, UserID: req.UserID, OrderID: o.ID, ReferrerID: req.ReferrerID}
	if err := c.activities.CreateParticipantTx(ctx, tx, p, now); err != nil {
		return nil, nil, err
	}
	if a.StockAccountID != nil {
		_, err := c.ledger.MutateTx(ctx, tx, ledger.Mutation{
			AccountID:     *a.StockAccountID,
			Delta:         -1,
			Reason:        model.ReasonStockReserve,
			CorrelationID: ledger.CorrelationFor("order", o.ID),
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return o, p, nil
}

func open(a *model.Activity, now time.Time) bool {
	return a.Status == model.ActivityOpen && now.Before(a.EndsAt)
}

func reject(reason error) Result { return Result{State: Rejected, Reason: reason} }

func isBusiness(err error) bool {
	return errors.Is(err, ErrActivityClosed) ||
		errors.Is(err, ErrAlreadyJoined) ||
		errors.Is(err, capacity.ErrFull) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrConflict)
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, capacity.ErrFull):
		return "capacity_full"
	case errors.Is(err, lock.ErrBusy):
		return "lock_busy"
	case errors.Is(err, ErrActivityClosed):
		return "activity_closed"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "out_of_stock"
	case errors.Is(err, ledger.ErrConflict):
		return "stock_conflict"
	default:
		return "error"
	}
}

func (c *Coordinator) observe(req JoinRequest, res Result, err error) {
	state := string(res.State)
	if state == "" {
		state = "error"
	}
	reason := res.Reason
	if reason == nil {
		reason = err
	}
	metrics.Reservation.WithLabelValues(state, reasonLabel(reason)).Inc()

	fields := []zap.Field{
		zap.Uint64("activity_id", req.ActivityID),
		zap.Uint64("user_id", req.UserID),
		zap.String("state", state),
	}
	switch {
	case err != nil:
		c.log.Error("reservation attempt failed", append(fields, zap.Error(err))...)
	case res.OK():
		c.log.Info("reservation confirmed", append(fields, zap.Uint64("order_id", res.Order.ID))...)
	default:
		c.log.Debug("reservation not confirmed", append(fields, zap.String("reason", reasonLabel(res.Reason)))...)
	}
}

// Leave gives back the place held by a canceled or expired group-buy order:
// the participant is canceled, the stock unit returned and the counter
// decremented.  It is idempotent.
func (c *Coordinator) Leave(ctx context.Context, o *model.Order) error {
	return c.vacate(ctx, o, []string{model.ParticipantPending}, model.ParticipantCanceled)
}

// vacate moves the order's participant to status and, when it changed,
// returns the stock unit and the counter slot.
func (c *Coordinator) vacate(ctx context.Context, o *model.Order, from []string, to string) error {
	a, err := c.activities.GetByID(ctx, o.ResourceID)
	if err != nil {
		return err
	}
	var changed bool
	err = repository.WithTx(ctx, c.activities.DB(), func(tx *sql.Tx) error {
		var err error
		changed, err = c.activities.TransitionParticipantTx(ctx, tx, o.ID, from, to, c.now())
		if err != nil || !changed || a.StockAccountID == nil {
			return err
		}
		_, err = c.ledger.MutateTx(ctx, tx, ledger.Mutation{
			AccountID:     *a.StockAccountID,
			Delta:         1,
			Reason:        model.ReasonStockRelease,
			CorrelationID: ledger.CorrelationFor("order", o.ID),
		})
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil || !changed {
		return err
	}
	if err := c.counter.ReleaseSlot(ctx, SlotID(a.ID)); err != nil {
		// The sweeper's resync heals the counter.
		c.log.Warn("capacity release failed", zap.Uint64("activity_id", a.ID), zap.Error(err))
	}
	c.log.Info("participant left", zap.Uint64("order_id", o.ID), zap.Uint64("activity_id", a.ID), zap.String("status", to))
	return nil
}

// Resync resets the activity's counter to the durable participant count
// while holding the activity lock.
func (c *Coordinator) Resync(ctx context.Context, activityID uint64) (int64, error) {
	var n int64
	err := c.locks.WithLock(ctx, c.lockKey(activityID), c.lockTTL, c.lockWait, func(ctx context.Context) error {
		var err error
		n, err = c.activities.CountActive(ctx, activityID)
		if err != nil {
			return err
		}
		return c.counter.Resync(ctx, SlotID(activityID), n)
	})
	return n, err
}

// ResyncOpen resyncs every open activity.  Busy activities are skipped; the
// next pass picks them up.
func (c *Coordinator) ResyncOpen(ctx context.Context) error {
	ids, err := c.activities.ListOpenIDs(ctx, c.now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := c.Resync(ctx, id); err != nil {
			if errors.Is(err, lock.ErrBusy) {
				continue
			}
			return fmt.Errorf("resync activity %d: %w", id, err)
		}
	}
	return nil
}
