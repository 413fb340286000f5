// Package gateway defines the contract between the order state machine and
// payment gateways, and a registry of configured gateway clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrVerificationFailed means a notification's signature, amount or
	// result could not be trusted.  The notification must not be
	// acknowledged.
	ErrVerificationFailed = errors.New("gateway verification failed")
	// ErrUnknownGateway means no client is registered under the id.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrChargeNotFound means the gateway has no charge for the merchant
	// order number.
	ErrChargeNotFound = errors.New("charge not found")
)

// Result statuses carried by notifications.
const (
	ResultSuccess = "SUCCESS"
	ResultFail    = "FAIL"
)

// Notification is a payment or refund callback as received from a gateway.
// Amount is a decimal string in major units ("12.50").
type Notification struct {
	GatewayID       string `json:"-"`
	MerchantOrderNo string `json:"merchant_order_no"`
	RefundNo        string `json:"refund_no,omitempty"`
	Amount          string `json:"amount"`
	TransactionID   string `json:"transaction_id"`
	ResultStatus    string `json:"result_status"`
	ErrorMessage    string `json:"error_message,omitempty"`
	Signature       string `json:"signature"`
}

// Succeeded reports whether the gateway reports success.
func (n *Notification) Succeeded() bool { return n.ResultStatus == ResultSuccess }

// AmountCents converts the notification amount to integer cents.  Amounts
// with sub-cent precision or a sign are rejected.
func (n *Notification) AmountCents() (int64, error) {
	return ParseCents(n.Amount)
}

// ParseCents converts a decimal major-unit string to cents.
func ParseCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() || cents.IsNegative() {
		return 0, fmt.Errorf("amount %q: not a non-negative cent value", s)
	}
	return cents.IntPart(), nil
}

// FormatCents renders cents as a major-unit decimal string ("12.50").
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ChargeRequest asks a gateway to open a charge.
type ChargeRequest struct {
	MerchantOrderNo string
	AmountCents     int64
	Currency        string
	Description     string
}

// Charge is what the client needs to complete payment at the gateway.
type Charge struct {
	GatewayID       string            `json:"gateway_id"`
	MerchantOrderNo string            `json:"merchant_order_no"`
	Amount          string            `json:"amount"`
	PayParams       map[string]string `json:"pay_params"`
}

// ChargeStatus is the gateway's view of a charge.
type ChargeStatus struct {
	MerchantOrderNo string
	Paid            bool
	TransactionID   string
	AmountCents     int64
}

// RefundRequest asks a gateway to return part or all of a captured charge.
type RefundRequest struct {
	MerchantOrderNo string
	RefundNo        string
	AmountCents     int64
	TotalCents      int64
	Reason          string
}

// RefundTicket is the gateway's acceptance of a refund request.  The final
// result arrives later as a refund notification.
type RefundTicket struct {
	RefundNo        string
	GatewayRefundID string
}

// Ack is the body a gateway expects after a notification was processed.
type Ack struct {
	ContentType string
	Body        []byte
}

// Client is one configured gateway merchant account.
type Client interface {
	ID() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	QueryCharge(ctx context.Context, merchantOrderNo string) (*ChargeStatus, error)
	CloseCharge(ctx context.Context, merchantOrderNo string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundTicket, error)
	// Verify checks the notification signature.  It wraps
	// ErrVerificationFailed on mismatch.
	Verify(n *Notification) error
	Ack() Ack
}

// Registry maps gateway ids to clients.  It is injected into the order
// state machine instead of living in a package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback string
}

// NewRegistry returns a registry holding clients.  The first client becomes
// the default for new charges.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a client.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
	if r.fallback == "" {
		r.fallback = c.ID()
	}
}

// Get returns the client registered under id.
func (r *Registry) Get(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownGateway)
	}
	return c, nil
}

// Default returns the client used when a caller does not pick a gateway.
func (r *Registry) Default() (Client, error) {
	r.mu.RLock()
	id := r.fallback
	r.mu.RUnlock()
	return r.Get(id)
}

// IDs lists the registered gateway ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
