package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticketmall/internal/model"
)

// ActivityRepo persists group-buy activities and their participants.
type ActivityRepo struct {
	db *sql.DB
}

// NewActivityRepo returns an ActivityRepo bound to db.
func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// DB exposes the underlying handle.
func (r *ActivityRepo) DB() *sql.DB { return r.db }

const activityColumns = `id, title, price_cents, capacity, status, ends_at, commission_cents, stock_account_id, created_at, updated_at`

func scanActivity(s scanner) (*model.Activity, error) {
	var a model.Activity
	if err := s.Scan(&a.ID, &a.Title, &a.PriceCents, &a.Capacity, &a.Status, &a.EndsAt, &a.CommissionCents, &a.StockAccountID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts an activity.
func (r *ActivityRepo) Create(ctx context.Context, a *model.Activity, now time.Time) error {
	if a.Status == "" {
		a.Status = model.ActivityOpen
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO activities (title, price_cents, capacity, status, ends_at, commission_cents, stock_account_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Title, a.PriceCents, a.Capacity, a.Status, a.EndsAt, a.CommissionCents, a.StockAccountID, now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// GetByID loads an activity.
func (r *ActivityRepo) GetByID(ctx context.Context, id uint64) (*model.Activity, error) {
	return r.get(ctx, r.db, id)
}

// GetByIDTx loads an activity inside tx.
func (r *ActivityRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Activity, error) {
	return r.get(ctx, tx, id)
}

func (r *ActivityRepo) get(ctx context.Context, q queryer, id uint64) (*model.Activity, error) {
	a, err := scanActivity(q.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity %d: %w", id, ErrNotFound)
	}
	return a, err
}

// ListOpenIDs returns the ids of activities still accepting participants.
func (r *ActivityRepo) ListOpenIDs(ctx context.Context, now time.Time) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM activities WHERE status = ? AND ends_at > ? ORDER BY id`, model.ActivityOpen, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountActive returns the number of participants holding a place.
func (r *ActivityRepo) CountActive(ctx context.Context, activityID uint64) (int64, error) {
	return r.countActive(ctx, r.db, activityID)
}

// CountActiveTx is CountActive inside tx; used for the authoritative
// re-check while the activity lock is held.
func (r *ActivityRepo) CountActiveTx(ctx context.Context, tx *sql.Tx, activityID uint64) (int64, error) {
	return r.countActive(ctx, tx, activityID)
}

func (r *ActivityRepo) countActive(ctx context.Context, q queryer, activityID uint64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE activity_id = ? AND status IN (?, ?)`,
		activityID, model.ParticipantPending, model.ParticipantPaid).Scan(&n)
	return n, err
}

const participantColumns = `id, activity_id, user_id, order_id, referrer_id, status, created_at, updated_at`

func scanParticipant(s scanner) (*model.Participant, error) {
	var p model.Participant
	if err := s.Scan(&p.ID, &p.ActivityID, &p.UserID, &p.OrderID, &p.ReferrerID, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindActiveParticipantTx returns the user's pending or paid participation
// in the activity, or an error wrapping ErrNotFound.
func (r *ActivityRepo) FindActiveParticipantTx(ctx context.Context, tx *sql.Tx, activityID, userID uint64) (*model.Participant, error) {
	p, err := scanParticipant(tx.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants
		 WHERE activity_id = ? AND user_id = ? AND status IN (?, ?) ORDER BY id DESC LIMIT 1`,
		activityID, userID, model.ParticipantPending, model.ParticipantPaid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %d/%d: %w", activityID, userID, ErrNotFound)
	}
	return p, err
}

// GetParticipantByOrder returns the participant created for an order.
func (r *ActivityRepo) GetParticipantByOrder(ctx context.Context, orderID uint64) (*model.Participant, error) {
	p, err := scanParticipant(r.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant for order %d: %w", orderID, ErrNotFound)
	}
	return p, err
}

// CreateParticipantTx inserts a pending participant inside tx.
func (r *ActivityRepo) CreateParticipantTx(ctx context.Context, tx *sql.Tx, p *model.Participant, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO participants (activity_id, user_id, order_id, referrer_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ActivityID, p.UserID, p.OrderID, p.ReferrerID, model.ParticipantPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("participant for order %d: %w", p.OrderID, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.Status = model.ParticipantPending
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// TransitionParticipantTx moves the participant of an order from one of the
// from statuses to to.  It reports whether a row changed; false means the
// participant was already past that transition.
func (r *ActivityRepo) TransitionParticipantTx(ctx context.Context, tx *sql.Tx, orderID uint64, from []string, to string, now time.Time) (bool, error) {
	args := []any{to, now, orderID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE participants SET status = ?, updated_at = ? WHERE order_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
