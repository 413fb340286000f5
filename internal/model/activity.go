package model

import "time"

// Activity is a group-buy offer with a hard participant ceiling.
//
// Fields:
//  Capacity        – maximum number of active participants.
//  CommissionCents – credited to a participant's referrer once paid.
//  StockAccountID  – optional ledger account holding the sellable stock.
type Activity struct {
	ID              uint64    // activities.id
	Title           string    // activities.title
	PriceCents      int64     // activities.price_cents
	Capacity        int64     // activities.capacity
	Status          string    // activities.status (OPEN, CLOSED)
	EndsAt          time.Time // activities.ends_at
	CommissionCents int64     // activities.commission_cents
	StockAccountID  *uint64   // activities.stock_account_id
	CreatedAt       time.Time // activities.created_at
	UpdatedAt       time.Time // activities.updated_at
}

const (
	ActivityOpen   = "OPEN"
	ActivityClosed = "CLOSED"
)

// Participant statuses.  Pending and paid participants count against the
// activity capacity.
const (
	ParticipantPending  = "pending"
	ParticipantPaid     = "paid"
	ParticipantCanceled = "canceled"
	ParticipantRefunded = "refunded"
)

// Participant is a user's place in an activity, backed by an order.
type Participant struct {
	ID         uint64    // participants.id
	ActivityID uint64    // participants.activity_id
	UserID     uint64    // participants.user_id
	OrderID    uint64    // participants.order_id
	ReferrerID *uint64   // participants.referrer_id
	Status     string    // participants.status
	CreatedAt  time.Time // participants.created_at
	UpdatedAt  time.Time // participants.updated_at
}
