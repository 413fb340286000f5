package ledger

import (
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
	"github.com/iliyamo/ticketmall/internal/testutil"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(repository.NewLedgerRepo(testutil.NewDB(t)), nil, nil)
}

func openAccount(t *testing.T, l *Ledger, id string) *model.LedgerAccount {
	t.Helper()
	a, err := l.OpenAccount(testutil.Context(t), Subject{Type: "user", ID: id, Asset: "points"})
	require.NoError(t, err)
	return a
}

func TestFindThenOpenAccount(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	s := Subject{Type: "card", ID: "9", Asset: "stored_value"}

	_, err := l.FindAccount(ctx, s)
	require.ErrorIs(t, err, ErrAccountNotFound)
	balance, err := l.Balance(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, balance)

	a, err := l.OpenAccount(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, a.Balance)
	assert.Zero(t, a.Version)

	_, err = l.OpenAccount(ctx, s)
	require.ErrorIs(t, err, ErrAccountExists)

	found, err := l.FindAccount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	ensured, err := l.EnsureAccount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, a.ID, ensured.ID)

	fresh, err := l.EnsureAccount(ctx, Subject{Type: "card", ID: "10", Asset: "stored_value"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)
}

func TestMutateAppliesBalanceVersionAndEntry(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")

	bal, err := l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: 500, Reason: model.ReasonCharge})
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	bal, err = l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: -200, Reason: model.ReasonManualAdjustment})
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Balance)
	assert.Equal(t, uint64(2), got.Version)

	entries, err := l.Entries(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(300), entries[0].BalanceAfter)
	assert.Equal(t, model.ReasonManualAdjustment, entries[0].Reason)
	require.NoError(t, l.Verify(ctx, a.ID))
}

func TestMutateRejectsInvalidInput(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")

	tests := []struct {
		name string
		m    Mutation
	}{
		{"no account", Mutation{Delta: 1, Reason: model.ReasonCharge}},
		{"zero delta", Mutation{AccountID: a.ID, Reason: model.ReasonCharge}},
		{"bad reason", Mutation{AccountID: a.ID, Delta: 1, Reason: "gift"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Mutate(ctx, tt.m)
			require.Error(t, err)
		})
	}

	_, err := l.Mutate(ctx, Mutation{AccountID: 999, Delta: 1, Reason: model.ReasonCharge})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestInsufficientBalanceWritesNothing(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")
	_, err := l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: 100, Reason: model.ReasonCharge})
	require.NoError(t, err)

	_, err = l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: -101, Reason: model.ReasonStockReserve})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, uint64(1), got.Version)

	// A custom guard may allow going negative.
	bal, err := l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: -150, Reason: model.ReasonManualAdjustment, Guard: Unbounded})
	require.NoError(t, err)
	assert.Equal(t, int64(-50), bal)
	require.NoError(t, l.Verify(ctx, a.ID))
}

func TestCorrelationIDAppliesOnce(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")
	m := Mutation{AccountID: a.ID, Delta: 40, Reason: model.ReasonCommissionAward, CorrelationID: CorrelationFor("order", 7)}

	_, err := l.Mutate(ctx, m)
	require.NoError(t, err)
	_, err = l.Mutate(ctx, m)
	require.ErrorIs(t, err, ErrDuplicate)

	// Same correlation under another reason is a different mutation.
	m.Reason = model.ReasonCharge
	_, err = l.Mutate(ctx, m)
	require.NoError(t, err)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.Balance)
}

func TestStaleVersionConflicts(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")

	stale, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	_, err = l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: 10, Reason: model.ReasonCharge})
	require.NoError(t, err)

	err = repository.WithTx(ctx, l.repo.DB(), func(tx *sql.Tx) error {
		_, err := l.apply(ctx, tx, stale, Mutation{AccountID: a.ID, Delta: 5, Reason: model.ReasonCharge})
		return err
	})
	require.ErrorIs(t, err, ErrConflict)

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Balance)
	require.NoError(t, l.Verify(ctx, a.ID))
}

func TestConcurrentMutationsKeepSumInvariant(t *testing.T) {
	ctx := testutil.Context(t)
	l := newLedger(t)
	a := openAccount(t, l, "1")
	_, err := l.Mutate(ctx, Mutation{AccountID: a.ID, Delta: 50, Reason: model.ReasonCharge})
	require.NoError(t, err)

	deltas := []int64{7, -3, 12, -20, 5, -9, 1, -40, 30, -2}
	var (
		applied   atomic.Int64
		conflicts atomic.Int64
		wg        sync.WaitGroup
	)
	for round := 0; round < 4; round++ {
		for _, d := range deltas {
			wg.Add(1)
			go func(d int64) {
				defer wg.Done()
				_, err := l.MutateWithRetry(ctx, Mutation{AccountID: a.ID, Delta: d, Reason: model.ReasonManualAdjustment}, 50)
				switch {
				case err == nil:
					applied.Add(d)
				case errors.Is(err, ErrInsufficientBalance):
				case errors.Is(err, ErrRetryExhausted):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(d)
		}
	}
	wg.Wait()

	got, err := l.Account(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 50+applied.Load(), got.Balance)
	assert.GreaterOrEqual(t, got.Balance, int64(0))
	require.NoError(t, l.Verify(ctx, a.ID))

	entries, err := l.Entries(ctx, a.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(entries)), got.Version)
}
