package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticketmall/internal/model"
)

// PaymentRepo persists payment attempts.  merchant_order_no is unique, so a
// gateway notification resolves to at most one record.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a PaymentRepo bound to db.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, order_id, gateway_id, merchant_order_no, amount_cents, status, gateway_txn_id, created_at, paid_at`

func scanPayment(s scanner) (*model.PaymentRecord, error) {
	var p model.PaymentRecord
	if err := s.Scan(&p.ID, &p.OrderID, &p.GatewayID, &p.MerchantOrderNo, &p.AmountCents, &p.Status, &p.GatewayTxnID, &p.CreatedAt, &p.PaidAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTx inserts an unpaid payment record.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.PaymentRecord, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, gateway_id, merchant_order_no, amount_cents, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.OrderID, p.GatewayID, p.MerchantOrderNo, p.AmountCents, model.PaymentUnpaid, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.MerchantOrderNo, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	p.Status = model.PaymentUnpaid
	p.CreatedAt = now
	return nil
}

// GetByID loads a payment record.
func (r *PaymentRepo) GetByID(ctx context.Context, id uint64) (*model.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return p, err
}

// GetByMerchantNo resolves a gateway notification to its payment record.
func (r *PaymentRepo) GetByMerchantNo(ctx context.Context, merchantNo string) (*model.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE merchant_order_no = ?`, merchantNo))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", merchantNo, ErrNotFound)
	}
	return p, err
}

// SupersedeOpenTx marks every other unpaid record of the order superseded.
// Notifications for those merchant numbers are then treated as stale.
func (r *PaymentRepo) SupersedeOpenTx(ctx context.Context, tx *sql.Tx, orderID, keepID uint64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE order_id = ? AND id <> ? AND status = ?`,
		model.PaymentSuperseded, orderID, keepID, model.PaymentUnpaid)
	return err
}

// MarkPaidTx flips an unpaid record to paid and stores the gateway
// transaction id.  A record that is no longer unpaid yields
// ErrVersionConflict.
func (r *PaymentRepo) MarkPaidTx(ctx context.Context, tx *sql.Tx, id uint64, txnID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, gateway_txn_id = ?, paid_at = ? WHERE id = ? AND status = ?`,
		model.PaymentPaid, txnID, now, id, model.PaymentUnpaid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment %d: %w", id, ErrVersionConflict)
	}
	return nil
}
