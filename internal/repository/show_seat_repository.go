package repository // repository for show seat persistence

import (
    "context"      // context for managing deadlines
    "database/sql" // sql provides DB interfaces
    "time"         // hold expirations and row timestamps

    "github.com/iliyamo/ticketmall/internal/model"
)

// ShowSeatRepo encapsulates database operations for show_seats.  Multi-seat
// changes are issued as one batched statement so a partial write can never
// be observed; the caller compares the affected row count with the number of
// seats it asked for and rolls back on mismatch.
type ShowSeatRepo struct {
    db *sql.DB
}

// NewShowSeatRepo constructs a ShowSeatRepo given a DB handle.
func NewShowSeatRepo(db *sql.DB) *ShowSeatRepo {
    return &ShowSeatRepo{db: db}
}

// DB exposes the underlying sql.DB for callers that open transactions.
func (r *ShowSeatRepo) DB() *sql.DB { return r.db }

const showSeatColumns = `id, show_id, seat_id, tier_id, seat_label, price_cents, status, order_id, held_until, version, created_at, updated_at`

// CreateBulk inserts multiple show_seat records in one statement.  Seats
// start FREE at version 0.  The ID fields of the passed values are not
// populated.
func (r *ShowSeatRepo) CreateBulk(ctx context.Context, seats []model.ShowSeat, now time.Time) error {
    if len(seats) == 0 {
        return nil
    }
    // Each row binds eight values; version starts at 0.
    query := `INSERT INTO show_seats (show_id, seat_id, tier_id, seat_label, price_cents, status, version, created_at, updated_at) VALUES `
    args := make([]interface{}, 0, len(seats)*8)
    for i, ss := range seats {
        if i > 0 {
            query += ","
        }
        query += "(?, ?, ?, ?, ?, ?, 0, ?, ?)"
        args = append(args, ss.ShowID, ss.SeatID, ss.TierID, ss.SeatLabel, ss.PriceCents, model.SeatFree, now, now)
    }
    _, err := r.db.ExecContext(ctx, query, args...)
    return err
}

// GetByIDs loads the given show seats ordered by id.  Unknown ids are
// silently skipped; callers compare lengths.
func (r *ShowSeatRepo) GetByIDs(ctx context.Context, ids []uint64) ([]model.ShowSeat, error) {
    if len(ids) == 0 {
        return nil, nil
    }
    args := make([]interface{}, len(ids))
    for i, id := range ids {
        args[i] = id
    }
    return r.list(ctx, `SELECT `+showSeatColumns+` FROM show_seats WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

// ListByOrder returns the seats currently tied to an order.
func (r *ShowSeatRepo) ListByOrder(ctx context.Context, orderID uint64) ([]model.ShowSeat, error) {
    return r.list(ctx, `SELECT `+showSeatColumns+` FROM show_seats WHERE order_id = ? ORDER BY id`, orderID)
}

// ListByShow returns every seat of a show for availability views.
func (r *ShowSeatRepo) ListByShow(ctx context.Context, showID uint64) ([]model.ShowSeat, error) {
    return r.list(ctx, `SELECT `+showSeatColumns+` FROM show_seats WHERE show_id = ? ORDER BY id`, showID)
}

func (r *ShowSeatRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.ShowSeat, error) {
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    var out []model.ShowSeat
    for rows.Next() {
        var s model.ShowSeat
        if err := rows.Scan(&s.ID, &s.ShowID, &s.SeatID, &s.TierID, &s.SeatLabel, &s.PriceCents, &s.Status,
            &s.OrderID, &s.HeldUntil, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
            return nil, err
        }
        out = append(out, s)
    }
    return out, rows.Err()
}

// HoldTx marks the seats HELD for orderID in one statement.  A seat is
// holdable when it is FREE, when its previous hold lapsed, or when it is
// already held by the same order.  The number of seats changed is returned.
func (r *ShowSeatRepo) HoldTx(ctx context.Context, tx *sql.Tx, orderID uint64, ids []uint64, heldUntil, now time.Time) (int64, error) {
    if len(ids) == 0 {
        return 0, nil
    }
    args := []interface{}{model.SeatHeld, orderID, heldUntil, now}
    for _, id := range ids {
        args = append(args, id)
    }
    args = append(args, model.SeatFree, model.SeatHeld, now, model.SeatHeld, orderID)
    res, err := tx.ExecContext(ctx,
        `UPDATE show_seats SET status = ?, order_id = ?, held_until = ?, version = version + 1, updated_at = ?
         WHERE id IN (`+placeholders(len(ids))+`)
           AND (status = ? OR (status = ? AND held_until < ?) OR (status = ? AND order_id = ?))`,
        args...)
    if err != nil {
        return 0, err
    }
    return res.RowsAffected()
}

// ConfirmByOrder turns the order's HELD seats into RESERVED and returns how
// many changed.  Already reserved seats are left alone.
func (r *ShowSeatRepo) ConfirmByOrder(ctx context.Context, orderID uint64, now time.Time) (int64, error) {
    res, err := r.db.ExecContext(ctx,
        `UPDATE show_seats SET status = ?, held_until = NULL, version = version + 1, updated_at = ?
         WHERE order_id = ? AND status = ?`,
        model.SeatReserved, now, orderID, model.SeatHeld)
    if err != nil {
        return 0, err
    }
    return res.RowsAffected()
}

// ReleaseByOrder frees every seat tied to the order and returns how many
// changed.  Calling it again changes nothing.
func (r *ShowSeatRepo) ReleaseByOrder(ctx context.Context, orderID uint64, now time.Time) (int64, error) {
    res, err := r.db.ExecContext(ctx,
        `UPDATE show_seats SET status = ?, order_id = NULL, held_until = NULL, version = version + 1, updated_at = ?
         WHERE order_id = ?`,
        model.SeatFree, now, orderID)
    if err != nil {
        return 0, err
    }
    return res.RowsAffected()
}
