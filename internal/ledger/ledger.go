// Package ledger implements balances guarded by optimistic concurrency.
//
// Every mutation reads (balance, version), checks the caller's guard, and
// then in one transaction applies the delta only if the version is
// unchanged and appends exactly one entry.  A lost race surfaces as
// ErrConflict; retrying is the caller's decision.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
)

var (
	// ErrConflict means the account changed between read and write.
	ErrConflict = errors.New("ledger conflict")
	// ErrInsufficientBalance means the guard rejected the resulting balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicate means an entry with the same reason and correlation id
	// already exists; the mutation was applied before.
	ErrDuplicate = errors.New("duplicate ledger mutation")
	// ErrRetryExhausted wraps the last conflict of MutateWithRetry.
	ErrRetryExhausted = errors.New("ledger retries exhausted")
	// ErrAccountNotFound is returned by FindAccount.
	ErrAccountNotFound = errors.New("ledger account not found")
	// ErrAccountExists is returned by OpenAccount for a subject that already
	// has an account.
	ErrAccountExists = errors.New("ledger account exists")
	// ErrIntegrity means stored balance and entry sum disagree.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// Guard decides whether a resulting balance is acceptable.
type Guard func(newBalance int64) bool

// NonNegative rejects balances below zero.  It is the default guard.
func NonNegative(b int64) bool { return b >= 0 }

// Unbounded accepts any balance; use it for accounts allowed to go negative,
// such as a clearing account.
func Unbounded(int64) bool { return true }

// Subject identifies the owner of an account.
type Subject struct {
	Type  string // "user", "card", "sku", ...
	ID    string
	Asset string // "cash", "points", "stored_value", "stock", ...
}

// Mutation is one requested balance change.
type Mutation struct {
	AccountID     uint64
	Delta         int64
	Reason        model.Reason
	CorrelationID string // optional; makes the mutation apply at most once
	Guard         Guard  // nil means NonNegative
}

func (m Mutation) validate() error {
	if m.AccountID == 0 {
		return errors.New("ledger: account id required")
	}
	if m.Delta == 0 {
		return errors.New("ledger: zero delta")
	}
	if !m.Reason.Valid() {
		return fmt.Errorf("ledger: unknown reason %q", m.Reason)
	}
	return nil
}

// Ledger applies mutations.  It is safe for concurrent use.
type Ledger struct {
	repo *repository.LedgerRepo
	log  *zap.Logger
	now  func() time.Time
}

// New returns a Ledger backed by repo.  A nil log disables logging and a nil
// now uses time.Now.
func New(repo *repository.LedgerRepo, log *zap.Logger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{repo: repo, log: logger.OrNop(log), now: now}
}

// FindAccount returns the subject's account or ErrAccountNotFound.
func (l *Ledger) FindAccount(ctx context.Context, s Subject) (*model.LedgerAccount, error) {
	a, err := l.repo.FindAccount(ctx, s.Type, s.ID, s.Asset)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s/%s: %w", s.Type, s.ID, s.Asset, ErrAccountNotFound)
	}
	return a, err
}

// OpenAccount creates a zero-balance account for the subject, or fails with
// ErrAccountExists.
func (l *Ledger) OpenAccount(ctx context.Context, s Subject) (*model.LedgerAccount, error) {
	a := &model.LedgerAccount{SubjectType: s.Type, SubjectID: s.ID, Asset: s.Asset}
	if err := l.repo.CreateAccount(ctx, a, l.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%s/%s/%s: %w", s.Type, s.ID, s.Asset, ErrAccountExists)
		}
		return nil, err
	}
	return a, nil
}

// EnsureAccount finds the subject's account and opens it when missing.  A
// concurrent open is resolved by reading the winner's account.
func (l *Ledger) EnsureAccount(ctx context.Context, s Subject) (*model.LedgerAccount, error) {
	a, err := l.FindAccount(ctx, s)
	if !errors.Is(err, ErrAccountNotFound) {
		return a, err
	}
	a, err = l.OpenAccount(ctx, s)
	if errors.Is(err, ErrAccountExists) {
		return l.FindAccount(ctx, s)
	}
	return a, err
}

// Account returns an account by id.
func (l *Ledger) Account(ctx context.Context, id uint64) (*model.LedgerAccount, error) {
	a, err := l.repo.GetAccount(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("account %d: %w", id, ErrAccountNotFound)
	}
	return a, err
}

// Balance returns the subject's balance.  A subject without an account has
// a zero balance.
func (l *Ledger) Balance(ctx context.Context, s Subject) (int64, error) {
	a, err := l.FindAccount(ctx, s)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Entries returns the newest entries of an account.
func (l *Ledger) Entries(ctx context.Context, id uint64, limit int) ([]model.LedgerEntry, error) {
	return l.repo.ListEntries(ctx, id, limit)
}

// Verify checks that the stored balance equals the sum of the account's
// entries.
func (l *Ledger) Verify(ctx context.Context, id uint64) error {
	a, err := l.Account(ctx, id)
	if err != nil {
		return err
	}
	sum, err := l.repo.SumEntries(ctx, id)
	if err != nil {
		return err
	}
	if sum != a.Balance {
		return fmt.Errorf("account %d: balance %d, entries %d: %w", id, a.Balance, sum, ErrIntegrity)
	}
	return nil
}

// Mutate applies m once and returns the new balance.  It does not retry.
func (l *Ledger) Mutate(ctx context.Context, m Mutation) (int64, error) {
	if err := m.validate(); err != nil {
		return 0, err
	}
	acct, err := l.Account(ctx, m.AccountID)
	if err != nil {
		return 0, err
	}
	var balance int64
	err = repository.WithTx(ctx, l.repo.DB(), func(tx *sql.Tx) error {
		var err error
		balance, err = l.apply(ctx, tx, acct, m)
		return err
	})
	l.record(m, err)
	return balance, err
}

// MutateTx applies m inside the caller's transaction.  The account is read
// through tx, so the write can only conflict with a concurrent transaction.
func (l *Ledger) MutateTx(ctx context.Context, tx *sql.Tx, m Mutation) (int64, error) {
	if err := m.validate(); err != nil {
		return 0, err
	}
	acct, err := l.repo.GetAccountTx(ctx, tx, m.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, fmt.Errorf("account %d: %w", m.AccountID, ErrAccountNotFound)
		}
		return 0, err
	}
	balance, err := l.apply(ctx, tx, acct, m)
	l.record(m, err)
	return balance, err
}

// MutateWithRetry calls Mutate up to attempts times while it fails with
// ErrConflict, sleeping a few jittered milliseconds between tries.
func (l *Ledger) MutateWithRetry(ctx context.Context, m Mutation, attempts int) (int64, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		balance, err := l.Mutate(ctx, m)
		if !errors.Is(err, ErrConflict) {
			return balance, err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(time.Duration(1+rand.IntN(5*(i+1))) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	return 0, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}

func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, acct *model.LedgerAccount, m Mutation) (int64, error) {
	if m.CorrelationID != "" {
		dup, err := l.repo.EntryExistsTx(ctx, tx, acct.ID, m.Reason, m.CorrelationID)
		if err != nil {
			return 0, err
		}
		if dup {
			return acct.Balance, fmt.Errorf("account %d %s/%s: %w", acct.ID, m.Reason, m.CorrelationID, ErrDuplicate)
		}
	}

	guard := m.Guard
	if guard == nil {
		guard = NonNegative
	}
	newBalance := acct.Balance + m.Delta
	if !guard(newBalance) {
		return acct.Balance, fmt.Errorf("account %d: balance %d, delta %d: %w", acct.ID, acct.Balance, m.Delta, ErrInsufficientBalance)
	}

	now := l.now().UTC()
	if err := l.repo.AddBalanceTx(ctx, tx, acct.ID, m.Delta, acct.Version, now); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return 0, fmt.Errorf("account %d: %w", acct.ID, ErrConflict)
		}
		return 0, err
	}

	entry := &model.LedgerEntry{
		AccountID:    acct.ID,
		Delta:        m.Delta,
		BalanceAfter: newBalance,
		Reason:       m.Reason,
		CreatedAt:    now,
	}
	if m.CorrelationID != "" {
		entry.CorrelationID = &m.CorrelationID
	}
	if err := l.repo.InsertEntryTx(ctx, tx, entry); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return 0, fmt.Errorf("account %d %s/%s: %w", acct.ID, m.Reason, m.CorrelationID, ErrDuplicate)
		}
		// The balance row was already changed in this transaction; the
		// rollback keeps balance and entries in step.
		l.log.Error("ledger entry insert failed after balance update",
			zap.Bool("integrity", true),
			zap.Uint64("account_id", acct.ID),
			zap.Int64("delta", m.Delta),
			zap.String("reason", string(m.Reason)),
			zap.Error(err))
		return 0, fmt.Errorf("account %d: append entry: %w", acct.ID, err)
	}
	return newBalance, nil
}

func (l *Ledger) record(m Mutation, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		result = "conflict"
	case errors.Is(err, ErrInsufficientBalance):
		result = "insufficient"
	case errors.Is(err, ErrDuplicate):
		result = "duplicate"
	default:
		result = "error"
	}
	metrics.LedgerMutation.WithLabelValues(string(m.Reason), result).Inc()
}

// CorrelationFor builds the correlation id used by order-driven mutations,
// e.g. "order:42" or "refund:7".
func CorrelationFor(kind string, id uint64) string {
	return kind + ":" + strconv.FormatUint(id, 10)
}
