// Package queue defines message payloads exchanged over the message broker
// and the consumer that audits them.
package queue

// Order event types.  They travel on one durable queue; the type is also set
// as the AMQP message type.
const (
    EventOrderPaid     = "order.paid"
    EventOrderCanceled = "order.canceled"
    EventOrderRefunded = "order.refunded"
)

// OrderQueueName is the durable queue carrying every order event.
const OrderQueueName = "order.events"

// OrderEvent is published after an order change committed.  It carries
// enough for downstream consumers to log, notify or feed analytics without
// querying the primary database.
type OrderEvent struct {
    Type          string `json:"type"`
    OrderID       uint64 `json:"order_id"`
    UserID        uint64 `json:"user_id"`
    BizType       string `json:"biz_type"`
    ResourceID    uint64 `json:"resource_id"`
    AmountCents   int64  `json:"amount_cents"`
    RefundedCents int64  `json:"refunded_cents"`
    Status        string `json:"status"`
    OccurredAt    string `json:"occurred_at"`
}
