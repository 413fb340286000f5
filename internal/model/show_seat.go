package model

import "time"

// ShowSeat is the sellable instance of a seat for one show.  A seat moves
// FREE -> HELD when an order provisionally takes it, HELD -> RESERVED once
// the order is paid, and back to FREE when the order is canceled, expires
// or is refunded.
//
// Fields:
//  ID         – primary key identifier.
//  ShowID     – the show to which this seat belongs.
//  SeatID     – the physical seat.
//  TierID     – price tier; seat locks are namespaced by tier and seat.
//  Status     – availability status (FREE, HELD, RESERVED).
//  OrderID    – order holding the seat, nil when FREE.
//  HeldUntil  – a HELD seat past this instant may be taken again.
//  Version    – bumped on every status change.
type ShowSeat struct {
	ID         uint64     // show_seats.id
	ShowID     uint64     // show_seats.show_id
	SeatID     uint64     // show_seats.seat_id
	TierID     uint64     // show_seats.tier_id
	SeatLabel  string     // show_seats.seat_label
	PriceCents int64      // show_seats.price_cents
	Status     string     // show_seats.status
	OrderID    *uint64    // show_seats.order_id
	HeldUntil  *time.Time // show_seats.held_until
	Version    uint32     // show_seats.version
	CreatedAt  time.Time  // show_seats.created_at
	UpdatedAt  time.Time  // show_seats.updated_at
}

const (
	SeatFree     = "FREE"
	SeatHeld     = "HELD"
	SeatReserved = "RESERVED"
)
