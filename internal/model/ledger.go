package model

import "time"

// Reason classifies why a ledger balance moved.  The set is closed; new
// reasons need a migration of every consumer that switches on it.
type Reason string

const (
	ReasonCharge           Reason = "charge"
	ReasonRefundCredit     Reason = "refund_credit"
	ReasonCommissionAward  Reason = "commission_award"
	ReasonStockReserve     Reason = "stock_reserve"
	ReasonStockRelease     Reason = "stock_release"
	ReasonManualAdjustment Reason = "manual_adjustment"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonCharge, ReasonRefundCredit, ReasonCommissionAward,
		ReasonStockReserve, ReasonStockRelease, ReasonManualAdjustment:
		return true
	}
	return false
}

// LedgerAccount is a balance owned by a subject (user, card, sku, ...).
// Balances are integers in the smallest unit of the asset (cents, points,
// stock units).  Version increases by exactly one per committed mutation.
type LedgerAccount struct {
	ID          uint64    // ledger_accounts.id
	SubjectType string    // ledger_accounts.subject_type
	SubjectID   string    // ledger_accounts.subject_id
	Asset       string    // ledger_accounts.asset
	Balance     int64     // ledger_accounts.balance
	Version     uint64    // ledger_accounts.version
	CreatedAt   time.Time // ledger_accounts.created_at
	UpdatedAt   time.Time // ledger_accounts.updated_at
}

// LedgerEntry is the append-only record of one committed mutation.
type LedgerEntry struct {
	ID            uint64    // ledger_entries.id
	AccountID     uint64    // ledger_entries.account_id
	Delta         int64     // ledger_entries.delta
	BalanceAfter  int64     // ledger_entries.balance_after
	Reason        Reason    // ledger_entries.reason
	CorrelationID *string   // ledger_entries.correlation_id (nullable)
	CreatedAt     time.Time // ledger_entries.created_at
}
