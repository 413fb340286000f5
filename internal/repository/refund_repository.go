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

// RefundRepo persists refund records.  Status changes are check-and-set on
// the current status so concurrent gateway callbacks apply at most once.
type RefundRepo struct {
	db *sql.DB
}

// NewRefundRepo returns a RefundRepo bound to db.
func NewRefundRepo(db *sql.DB) *RefundRepo { return &RefundRepo{db: db} }

const refundColumns = `id, order_id, refund_no, amount_cents, reason, status, gateway_refund_id, error_message,
	created_at, submitted_at, finished_at, settled_at, updated_at`

func scanRefund(s scanner) (*model.RefundRecord, error) {
	var f model.RefundRecord
	err := s.Scan(&f.ID, &f.OrderID, &f.RefundNo, &f.AmountCents, &f.Reason, &f.Status, &f.GatewayRefundID, &f.ErrorMessage,
		&f.CreatedAt, &f.SubmittedAt, &f.FinishedAt, &f.SettledAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateTx inserts a pending refund record.
func (r *RefundRepo) CreateTx(ctx context.Context, tx *sql.Tx, f *model.RefundRecord, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO refunds (order_id, refund_no, amount_cents, reason, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.RefundNo, f.AmountCents, f.Reason, model.RefundPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("refund %s: %w", f.RefundNo, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	f.ID = uint64(id)
	f.Status = model.RefundPending
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

// GetByID loads a refund record.
func (r *RefundRepo) GetByID(ctx context.Context, id uint64) (*model.RefundRecord, error) {
	f, err := scanRefund(r.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund %d: %w", id, ErrNotFound)
	}
	return f, err
}

// GetByRefundNo resolves a gateway refund callback to its record.
func (r *RefundRepo) GetByRefundNo(ctx context.Context, refundNo string) (*model.RefundRecord, error) {
	f, err := scanRefund(r.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE refund_no = ?`, refundNo))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund %s: %w", refundNo, ErrNotFound)
	}
	return f, err
}

// ListByOrder returns every refund of an order, oldest first.
func (r *RefundRepo) ListByOrder(ctx context.Context, orderID uint64) ([]model.RefundRecord, error) {
	return r.listByOrder(ctx, r.db, orderID)
}

// ListByOrderTx is ListByOrder inside tx.
func (r *RefundRepo) ListByOrderTx(ctx context.Context, tx *sql.Tx, orderID uint64) ([]model.RefundRecord, error) {
	return r.listByOrder(ctx, tx, orderID)
}

func (r *RefundRepo) listByOrder(ctx context.Context, q queryer, orderID uint64) ([]model.RefundRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RefundRecord
	for rows.Next() {
		f, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// RefundUpdate describes one refund status transition.  Optional fields are
// written only when non-nil.
type RefundUpdate struct {
	To              string
	GatewayRefundID *string
	ErrorMessage    *string
	SubmittedAt     *time.Time
	FinishedAt      *time.Time
}

// TransitionTx moves a refund from any of the from statuses to u.To.  It
// returns ErrVersionConflict when the record is in none of them.
func (r *RefundRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id uint64, from []string, u RefundUpdate, now time.Time) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{u.To, now}
	if u.GatewayRefundID != nil {
		sets = append(sets, "gateway_refund_id = ?")
		args = append(args, *u.GatewayRefundID)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if u.SubmittedAt != nil {
		sets = append(sets, "submitted_at = ?")
		args = append(args, *u.SubmittedAt)
	}
	if u.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *u.FinishedAt)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE refunds SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("refund %d not in %v: %w", id, from, ErrVersionConflict)
	}
	return nil
}

// ListUnsettled returns finished refunds whose business hook has not
// completed yet.
func (r *RefundRepo) ListUnsettled(ctx context.Context, limit int) ([]model.RefundRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE status = ? AND settled_at IS NULL ORDER BY id LIMIT ?`,
		model.RefundFinished, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RefundRecord
	for rows.Next() {
		f, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// MarkSettled records that the post-refund business hook completed.  It is
// a no-op when already settled.
func (r *RefundRepo) MarkSettled(ctx context.Context, id uint64, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refunds SET settled_at = ?, updated_at = ? WHERE id = ? AND settled_at IS NULL`, now, now, id)
	return err
}
