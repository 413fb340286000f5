package order

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/ledger"
	"github.com/iliyamo/ticketmall/internal/model"
)

// Fulfiller delivers what a paid order bought.  OnPaid may run more than
// once for the same order and must be idempotent.
type Fulfiller interface {
	OnPaid(ctx context.Context, o *model.Order) error
}

// Releaser gives back resources held by an order that was canceled before
// payment.
type Releaser interface {
	OnReleased(ctx context.Context, o *model.Order) error
}

// RefundSettler reacts to a finished refund.  o carries the refunded total
// including r.
type RefundSettler interface {
	OnRefunded(ctx context.Context, o *model.Order, r *model.RefundRecord) error
}

// Handlers maps each business type to its handler.  A handler may also
// implement Releaser and RefundSettler.
type Handlers map[model.BizType]Fulfiller

const (
	cardAsset     = "stored_value"
	ledgerRetries = 5
)

// CardTopUpHandler credits stored-value cards.  The order's ResourceID is
// the card id.
type CardTopUpHandler struct {
	ledger *ledger.Ledger
	log    *zap.Logger
}

// NewCardTopUpHandler returns the card top-up handler.
func NewCardTopUpHandler(l *ledger.Ledger, log *zap.Logger) *CardTopUpHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CardTopUpHandler{ledger: l, log: log}
}

// CardSubject is the ledger subject of a stored-value card.
func CardSubject(cardID uint64) ledger.Subject {
	return ledger.Subject{Type: "card", ID: strconv.FormatUint(cardID, 10), Asset: cardAsset}
}

// OnPaid credits the order amount once per order.
func (h *CardTopUpHandler) OnPaid(ctx context.Context, o *model.Order) error {
	return h.book(ctx, o.ResourceID, ledger.Mutation{
		Delta:         o.AmountCents,
		Reason:        model.ReasonCharge,
		CorrelationID: ledger.CorrelationFor("order", o.ID),
	})
}

// OnRefunded debits the refunded amount once per refund.  The card may go
// negative when the credit was already spent.
func (h *CardTopUpHandler) OnRefunded(ctx context.Context, o *model.Order, r *model.RefundRecord) error {
	return h.book(ctx, o.ResourceID, ledger.Mutation{
		Delta:         -r.AmountCents,
		Reason:        model.ReasonRefundCredit,
		CorrelationID: ledger.CorrelationFor("refund", r.ID),
		Guard:         ledger.Unbounded,
	})
}

func (h *CardTopUpHandler) book(ctx context.Context, cardID uint64, m ledger.Mutation) error {
	acct, err := h.ledger.EnsureAccount(ctx, CardSubject(cardID))
	if err != nil {
		return err
	}
	m.AccountID = acct.ID
	balance, err := h.ledger.MutateWithRetry(ctx, m, ledgerRetries)
	if errors.Is(err, ledger.ErrDuplicate) {
		h.log.Debug("card mutation already applied", zap.Uint64("card_id", cardID), zap.String("correlation", m.CorrelationID))
		return nil
	}
	if err != nil {
		return err
	}
	h.log.Info("card balance changed",
		zap.Uint64("card_id", cardID), zap.Int64("delta", m.Delta), zap.Int64("balance", balance))
	return nil
}
