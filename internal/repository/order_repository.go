package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/ticketmall/internal/model"
)

// OrderRepo persists orders.  Status changes go through UpdateTx, which
// writes only the named fields and only when the stored version still
// matches the caller's copy.
type OrderRepo struct {
	db *sql.DB
}

// NewOrderRepo returns an OrderRepo bound to db.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// DB exposes the underlying handle.
func (r *OrderRepo) DB() *sql.DB { return r.db }

const orderColumns = `id, user_id, biz_type, resource_id, amount_cents, currency, status, version, payment_id,
	refunded_cents, pre_refund_status, created_at, paid_at, fulfilled_at, canceled_at, released_at, refunded_at, updated_at`

func scanOrder(s scanner) (*model.Order, error) {
	var (
		o         model.Order
		biz       string
		status    uint8
		preRefund sql.NullInt16
	)
	err := s.Scan(&o.ID, &o.UserID, &biz, &o.ResourceID, &o.AmountCents, &o.Currency, &status, &o.Version, &o.PaymentID,
		&o.RefundedCents, &preRefund, &o.CreatedAt, &o.PaidAt, &o.FulfilledAt, &o.CanceledAt, &o.ReleasedAt, &o.RefundedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.BizType = model.BizType(biz)
	o.Status = model.OrderStatus(status)
	if preRefund.Valid {
		st := model.OrderStatus(preRefund.Int16)
		o.PreRefundStatus = &st
	}
	return &o, nil
}

// CreateTx inserts a new order inside tx and populates its ID, version and
// timestamps.
func (r *OrderRepo) CreateTx(ctx context.Context, tx *sql.Tx, o *model.Order, now time.Time) error {
	return r.create(ctx, tx, o, now)
}

// Create inserts a new order outside any transaction.
func (r *OrderRepo) Create(ctx context.Context, o *model.Order, now time.Time) error {
	return r.create(ctx, r.db, o, now)
}

func (r *OrderRepo) create(ctx context.Context, q queryer, o *model.Order, now time.Time) error {
	if o.Currency == "" {
		o.Currency = "CNY"
	}
	if o.Status == 0 {
		o.Status = model.OrderUnpaid
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO orders (user_id, biz_type, resource_id, amount_cents, currency, status, version, refunded_cents, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		o.UserID, string(o.BizType), o.ResourceID, o.AmountCents, o.Currency, uint8(o.Status), now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)
	o.Version = 0
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// GetByID loads one order.
func (r *OrderRepo) GetByID(ctx context.Context, id uint64) (*model.Order, error) {
	return r.get(ctx, r.db, id)
}

// GetByIDTx loads one order inside tx.
func (r *OrderRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Order, error) {
	return r.get(ctx, tx, id)
}

func (r *OrderRepo) get(ctx context.Context, q queryer, id uint64) (*model.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return o, err
}

// orderFields maps the updatable column names to their value on an order.
// Columns not listed here can never be changed after insert.
var orderFields = map[string]func(o *model.Order) any{
	"status":         func(o *model.Order) any { return uint8(o.Status) },
	"payment_id":     func(o *model.Order) any { return o.PaymentID },
	"refunded_cents": func(o *model.Order) any { return o.RefundedCents },
	"pre_refund_status": func(o *model.Order) any {
		if o.PreRefundStatus == nil {
			return nil
		}
		return uint8(*o.PreRefundStatus)
	},
	"paid_at":      func(o *model.Order) any { return o.PaidAt },
	"fulfilled_at": func(o *model.Order) any { return o.FulfilledAt },
	"canceled_at":  func(o *model.Order) any { return o.CanceledAt },
	"released_at":  func(o *model.Order) any { return o.ReleasedAt },
	"refunded_at":  func(o *model.Order) any { return o.RefundedAt },
}

// UpdateTx writes the listed fields of o when the stored version equals
// o.Version, then bumps the version in the row and in o.  A stale copy
// yields ErrVersionConflict and leaves o untouched.
func (r *OrderRepo) UpdateTx(ctx context.Context, tx *sql.Tx, o *model.Order, now time.Time, fields ...string) error {
	if len(fields) == 0 {
		return errors.New("order update: no fields")
	}
	sets := make([]string, 0, len(fields)+2)
	args := make([]any, 0, len(fields)+3)
	for _, f := range fields {
		get, ok := orderFields[f]
		if !ok {
			return fmt.Errorf("order update: field %q is not updatable", f)
		}
		sets = append(sets, f+" = ?")
		args = append(args, get(o))
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, now, o.ID, o.Version)

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %d at version %d: %w", o.ID, o.Version, ErrVersionConflict)
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// ListStaleUnpaid returns unpaid orders created before cutoff, oldest first.
func (r *OrderRepo) ListStaleUnpaid(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		uint8(model.OrderUnpaid), cutoff, limit)
}

// ListUnreleased returns canceled orders whose held resources were not
// given back yet, for example because the process died mid-cancel.
func (r *OrderRepo) ListUnreleased(ctx context.Context, limit int) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? AND released_at IS NULL ORDER BY id LIMIT ?`,
		uint8(model.OrderCanceled), limit)
}

// ListUnfulfilled returns paid orders whose business handler has not
// completed, so the sweeper can drive them forward.
func (r *OrderRepo) ListUnfulfilled(ctx context.Context, limit int) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = ? AND fulfilled_at IS NULL ORDER BY id LIMIT ?`,
		uint8(model.OrderPaid), limit)
}

// ListByUser returns a user's orders, newest first.
func (r *OrderRepo) ListByUser(ctx context.Context, userID uint64, limit int) ([]model.Order, error) {
	return r.list(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
}

func (r *OrderRepo) list(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
