package model

import "time"

// OrderStatus is the persisted order state.  The numeric codes are stored in
// orders.status and exposed to clients, so they must never be renumbered.
type OrderStatus uint8

const (
	OrderUnpaid       OrderStatus = 1
	OrderPaid         OrderStatus = 2
	OrderFinished     OrderStatus = 3
	OrderRefunding    OrderStatus = 4
	OrderRefunded     OrderStatus = 5
	OrderRefundFailed OrderStatus = 6
	OrderCanceled     OrderStatus = 7
)

var orderStatusNames = map[OrderStatus]string{
	OrderUnpaid:       "unpaid",
	OrderPaid:         "paid",
	OrderFinished:     "finished",
	OrderRefunding:    "refunding",
	OrderRefunded:     "refunded",
	OrderRefundFailed: "refund_failed",
	OrderCanceled:     "canceled",
}

func (s OrderStatus) String() string {
	if n, ok := orderStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseOrderStatus is the inverse of OrderStatus.String.
func ParseOrderStatus(name string) (OrderStatus, bool) {
	for s, n := range orderStatusNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// BizType selects the business handler that fulfils a paid order.
type BizType string

const (
	BizGroupBuy  BizType = "group_buy"
	BizTicket    BizType = "ticket"
	BizCardTopUp BizType = "card_topup"
)

// Order is a purchase moving through the payment and refund lifecycle.
//
// Fields:
//  ResourceID      – activity id, show id or card id depending on BizType.
//  PaymentID       – the current PaymentRecord; older ones are superseded.
//  RefundedCents   – sum of finished refunds, never above AmountCents.
//  PreRefundStatus – status to restore when a refund is withdrawn or fails.
//  FulfilledAt     – set once the business handler has run for the payment.
//  ReleasedAt      – set once held seats/capacity were given back after cancel.
type Order struct {
	ID              uint64       // orders.id
	UserID          uint64       // orders.user_id
	BizType         BizType      // orders.biz_type
	ResourceID      uint64       // orders.resource_id
	AmountCents     int64        // orders.amount_cents
	Currency        string       // orders.currency
	Status          OrderStatus  // orders.status
	Version         uint64       // orders.version
	PaymentID       *uint64      // orders.payment_id (nullable)
	RefundedCents   int64        // orders.refunded_cents
	PreRefundStatus *OrderStatus // orders.pre_refund_status (nullable)
	CreatedAt       time.Time    // orders.created_at
	PaidAt          *time.Time   // orders.paid_at
	FulfilledAt     *time.Time   // orders.fulfilled_at
	CanceledAt      *time.Time   // orders.canceled_at
	ReleasedAt      *time.Time   // orders.released_at
	RefundedAt      *time.Time   // orders.refunded_at
	UpdatedAt       time.Time    // orders.updated_at
}

// FullyRefunded reports whether finished refunds cover the whole amount.
func (o *Order) FullyRefunded() bool { return o.RefundedCents >= o.AmountCents }

// Payment record statuses.
const (
	PaymentUnpaid     = "unpaid"
	PaymentPaid       = "paid"
	PaymentSuperseded = "superseded"
)

// PaymentRecord is one charge attempt at a gateway.  Every payment
// initiation mints a fresh MerchantOrderNo.
type PaymentRecord struct {
	ID              uint64     // payments.id
	OrderID         uint64     // payments.order_id
	GatewayID       string     // payments.gateway_id
	MerchantOrderNo string     // payments.merchant_order_no
	AmountCents     int64      // payments.amount_cents
	Status          string     // payments.status
	GatewayTxnID    *string    // payments.gateway_txn_id
	CreatedAt       time.Time  // payments.created_at
	PaidAt          *time.Time // payments.paid_at
}

// Refund record statuses.
const (
	RefundPending   = "pending"
	RefundSubmitted = "submitted"
	RefundFinished  = "finished"
	RefundFailed    = "failed"
	RefundCanceled  = "canceled"
)

// RefundRecord tracks a (possibly partial) refund of an order.
type RefundRecord struct {
	ID              uint64     // refunds.id
	OrderID         uint64     // refunds.order_id
	RefundNo        string     // refunds.refund_no
	AmountCents     int64      // refunds.amount_cents
	Reason          string     // refunds.reason
	Status          string     // refunds.status
	GatewayRefundID *string    // refunds.gateway_refund_id
	ErrorMessage    *string    // refunds.error_message
	CreatedAt       time.Time  // refunds.created_at
	SubmittedAt     *time.Time // refunds.submitted_at
	FinishedAt      *time.Time // refunds.finished_at
	SettledAt       *time.Time // refunds.settled_at
	UpdatedAt       time.Time  // refunds.updated_at
}

// Outstanding reports whether the refund still waits for a gateway result.
func (r *RefundRecord) Outstanding() bool {
	return r.Status == RefundPending || r.Status == RefundSubmitted
}
