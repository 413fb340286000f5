package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type sandboxCharge struct {
	amount int64
	paid   bool
	closed bool
	txnID  string
}

type sandboxRefund struct {
	merchantNo string
	amount     int64
	gatewayID  string
}

// Sandbox is an in-process gateway used for local runs and tests.  It keeps
// charges in memory and produces signed notifications on demand, which lets
// callers drive the same webhook path a real gateway would.
type Sandbox struct {
	id     string
	secret string

	mu      sync.Mutex
	charges map[string]*sandboxCharge
	refunds map[string]*sandboxRefund
}

// NewSandbox returns a sandbox gateway registered under id.
func NewSandbox(id, secret string) *Sandbox {
	return &Sandbox{
		id:      id,
		secret:  secret,
		charges: map[string]*sandboxCharge{},
		refunds: map[string]*sandboxRefund{},
	}
}

// ID returns the id the sandbox was registered under.
func (s *Sandbox) ID() string { return s.id }

// CreateCharge records an unpaid charge.  Calling it again for the same
// merchant order number resets the charge.
func (s *Sandbox) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("sandbox: amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[req.MerchantOrderNo] = &sandboxCharge{amount: req.AmountCents}
	return &Charge{
		GatewayID:       s.id,
		MerchantOrderNo: req.MerchantOrderNo,
		Amount:          FormatCents(req.AmountCents),
		PayParams:       map[string]string{"pay_url": "sandbox://pay/" + req.MerchantOrderNo},
	}, nil
}

// QueryCharge reports the charge's state, or ErrChargeNotFound.
func (s *Sandbox) QueryCharge(_ context.Context, merchantOrderNo string) (*ChargeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[merchantOrderNo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", merchantOrderNo, ErrChargeNotFound)
	}
	return &ChargeStatus{
		MerchantOrderNo: merchantOrderNo,
		Paid:            c.paid,
		TransactionID:   c.txnID,
		AmountCents:     c.amount,
	}, nil
}

// CloseCharge closes an unpaid charge.  A paid charge cannot be closed.
func (s *Sandbox) CloseCharge(_ context.Context, merchantOrderNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[merchantOrderNo]
	if !ok {
		return fmt.Errorf("%s: %w", merchantOrderNo, ErrChargeNotFound)
	}
	if c.paid {
		return fmt.Errorf("sandbox: charge %s already paid", merchantOrderNo)
	}
	c.closed = true
	return nil
}

// Refund accepts a refund against a paid charge.  The same refund number
// returns the ticket issued the first time.
func (s *Sandbox) Refund(_ context.Context, req RefundRequest) (*RefundTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[req.MerchantOrderNo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.MerchantOrderNo, ErrChargeNotFound)
	}
	if !c.paid {
		return nil, fmt.Errorf("sandbox: charge %s not paid", req.MerchantOrderNo)
	}
	if r, ok := s.refunds[req.RefundNo]; ok {
		return &RefundTicket{RefundNo: req.RefundNo, GatewayRefundID: r.gatewayID}, nil
	}
	r := &sandboxRefund{merchantNo: req.MerchantOrderNo, amount: req.AmountCents, gatewayID: "sbr-" + uuid.NewString()}
	s.refunds[req.RefundNo] = r
	return &RefundTicket{RefundNo: req.RefundNo, GatewayRefundID: r.gatewayID}, nil
}

// Verify checks the notification's signature against the sandbox secret.
func (s *Sandbox) Verify(n *Notification) error { return VerifySignature(s.secret, n) }

// Ack returns the JSON success body the sandbox expects.
func (s *Sandbox) Ack() Ack {
	return Ack{ContentType: "application/json", Body: []byte(`{"code":"SUCCESS"}`)}
}

// Pay marks the charge captured and returns the signed payment notification
// the gateway would deliver.
func (s *Sandbox) Pay(merchantOrderNo string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[merchantOrderNo]
	if !ok {
		return nil, fmt.Errorf("%s: %w", merchantOrderNo, ErrChargeNotFound)
	}
	if c.closed {
		return nil, fmt.Errorf("sandbox: charge %s closed", merchantOrderNo)
	}
	if !c.paid {
		c.paid = true
		c.txnID = "sbt-" + uuid.NewString()
	}
	return s.sign(&Notification{
		GatewayID:       s.id,
		MerchantOrderNo: merchantOrderNo,
		Amount:          FormatCents(c.amount),
		TransactionID:   c.txnID,
		ResultStatus:    ResultSuccess,
	}), nil
}

// CompleteRefund returns the signed refund notification for refundNo.  A
// false ok produces a failure notification carrying reason.
func (s *Sandbox) CompleteRefund(refundNo string, ok bool, reason string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.refunds[refundNo]
	if !found {
		return nil, fmt.Errorf("sandbox: refund %s not submitted", refundNo)
	}
	n := &Notification{
		GatewayID:       s.id,
		MerchantOrderNo: r.merchantNo,
		RefundNo:        refundNo,
		Amount:          FormatCents(r.amount),
		TransactionID:   r.gatewayID,
		ResultStatus:    ResultSuccess,
	}
	if !ok {
		n.ResultStatus = ResultFail
		n.ErrorMessage = reason
	}
	return s.sign(n), nil
}

// Sign signs an arbitrary notification with the sandbox secret.
func (s *Sandbox) Sign(n *Notification) *Notification {
	return s.sign(n)
}

func (s *Sandbox) sign(n *Notification) *Notification {
	n.Signature = Sign(s.secret, n)
	return n
}

var _ Client = (*Sandbox)(nil)
