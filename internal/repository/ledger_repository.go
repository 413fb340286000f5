package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticketmall/internal/model"
)

// LedgerRepo provides access to ledger_accounts and ledger_entries.  Balance
// writes are always compare-and-set on the account version; the repository
// never updates a balance without the caller's expected version.
type LedgerRepo struct {
	db *sql.DB
}

// NewLedgerRepo returns a LedgerRepo bound to db.
func NewLedgerRepo(db *sql.DB) *LedgerRepo { return &LedgerRepo{db: db} }

// DB exposes the underlying handle so services can open transactions that
// span several repositories.
func (r *LedgerRepo) DB() *sql.DB { return r.db }

const accountColumns = `id, subject_type, subject_id, asset, balance, version, created_at, updated_at`

func scanAccount(s scanner) (*model.LedgerAccount, error) {
	var a model.LedgerAccount
	if err := s.Scan(&a.ID, &a.SubjectType, &a.SubjectID, &a.Asset, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAccount looks an account up by its owning subject.  It returns an
// error wrapping ErrNotFound when the subject has no account yet; creating
// one is a separate, explicit step (CreateAccount).
func (r *LedgerRepo) FindAccount(ctx context.Context, subjectType, subjectID, asset string) (*model.LedgerAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM ledger_accounts WHERE subject_type = ? AND subject_id = ? AND asset = ?`,
		subjectType, subjectID, asset)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger account %s/%s/%s: %w", subjectType, subjectID, asset, ErrNotFound)
	}
	return a, err
}

// CreateAccount inserts a zero-balance account.  A concurrent creator of the
// same subject makes this fail with ErrConflict; callers then FindAccount.
func (r *LedgerRepo) CreateAccount(ctx context.Context, a *model.LedgerAccount, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_accounts (subject_type, subject_id, asset, balance, version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)`,
		a.SubjectType, a.SubjectID, a.Asset, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger account %s/%s/%s: %w", a.SubjectType, a.SubjectID, a.Asset, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	a.Balance = 0
	a.Version = 0
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// GetAccount reads an account by id.
func (r *LedgerRepo) GetAccount(ctx context.Context, id uint64) (*model.LedgerAccount, error) {
	return r.getAccount(ctx, r.db, id)
}

// GetAccountTx reads an account by id inside tx.
func (r *LedgerRepo) GetAccountTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.LedgerAccount, error) {
	return r.getAccount(ctx, tx, id)
}

func (r *LedgerRepo) getAccount(ctx context.Context, q queryer, id uint64) (*model.LedgerAccount, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger account %d: %w", id, ErrNotFound)
	}
	return a, err
}

// AddBalanceTx applies delta to the account only if its version still
// equals expectedVersion, bumping the version by one.  It returns
// ErrVersionConflict when no row matched.
func (r *LedgerRepo) AddBalanceTx(ctx context.Context, tx *sql.Tx, id uint64, delta int64, expectedVersion uint64, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET balance = balance + ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		delta, now, id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ledger account %d at version %d: %w", id, expectedVersion, ErrVersionConflict)
	}
	return nil
}

// InsertEntryTx appends an entry inside tx.  A duplicate (account, reason,
// correlation id) yields ErrConflict.
func (r *LedgerRepo) InsertEntryTx(ctx context.Context, tx *sql.Tx, e *model.LedgerEntry) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, delta, balance_after, reason, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Delta, e.BalanceAfter, string(e.Reason), e.CorrelationID, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger entry %d/%s: %w", e.AccountID, e.Reason, ErrConflict)
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// EntryExistsTx reports whether the account already has an entry with this
// reason and correlation id.
func (r *LedgerRepo) EntryExistsTx(ctx context.Context, tx *sql.Tx, accountID uint64, reason model.Reason, correlationID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_entries WHERE account_id = ? AND reason = ? AND correlation_id = ? LIMIT 1`,
		accountID, string(reason), correlationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListEntries returns the newest entries of an account first.
func (r *LedgerRepo) ListEntries(ctx context.Context, accountID uint64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, delta, balance_after, reason, correlation_id, created_at
		 FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			reason string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &reason, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = model.Reason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SumEntries returns the sum of all deltas recorded for an account.  For a
// healthy account it equals the stored balance.
func (r *LedgerRepo) SumEntries(ctx context.Context, accountID uint64) (int64, error) {
	var sum sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT SUM(delta) FROM ledger_entries WHERE account_id = ?`, accountID).Scan(&sum)
	return sum.Int64, err
}
