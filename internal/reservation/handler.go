package reservation

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/ledger"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/repository"
)

const ledgerRetries = 5

// commissionAsset is the asset commissions are paid in.
const commissionAsset = "cash"

// GroupBuyHandler fulfils group-buy orders for the order state machine.
type GroupBuyHandler struct {
	c *Coordinator
}

// NewGroupBuyHandler returns the group-buy business handler.
func NewGroupBuyHandler(c *Coordinator) *GroupBuyHandler { return &GroupBuyHandler{c: c} }

// OnPaid marks the participant paid and credits the referrer's commission.
// Both steps are idempotent, so a retried fulfilment is safe.
func (h *GroupBuyHandler) OnPaid(ctx context.Context, o *model.Order) error {
	c := h.c
	err := repository.WithTx(ctx, c.activities.DB(), func(tx *sql.Tx) error {
		_, err := c.activities.TransitionParticipantTx(ctx, tx, o.ID, []string{model.ParticipantPending}, model.ParticipantPaid, c.now())
		return err
	})
	if err != nil {
		return err
	}
	p, err := c.activities.GetParticipantByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if p.Status != model.ParticipantPaid {
		c.log.Warn("paid order has no active participant",
			zap.Uint64("order_id", o.ID), zap.String("participant_status", p.Status))
		return nil
	}
	return h.commission(ctx, o, p, 1, ledger.CorrelationFor("order", o.ID))
}

// OnReleased gives the place of a canceled order back.
func (h *GroupBuyHandler) OnReleased(ctx context.Context, o *model.Order) error {
	return h.c.Leave(ctx, o)
}

// OnRefunded gives the place back and claws back the commission once the
// order is fully refunded.  Partial refunds keep the place.
func (h *GroupBuyHandler) OnRefunded(ctx context.Context, o *model.Order, _ *model.RefundRecord) error {
	if !o.FullyRefunded() {
		return nil
	}
	from := []string{model.ParticipantPending, model.ParticipantPaid}
	if err := h.c.vacate(ctx, o, from, model.ParticipantRefunded); err != nil {
		return err
	}
	p, err := h.c.activities.GetParticipantByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	return h.commission(ctx, o, p, -1, ledger.CorrelationFor("refund", o.ID))
}

// commission moves the activity's commission to or from the referrer.  A
// claw-back may take the referrer's balance below zero.
func (h *GroupBuyHandler) commission(ctx context.Context, o *model.Order, p *model.Participant, sign int64, correlation string) error {
	if p.ReferrerID == nil {
		return nil
	}
	c := h.c
	a, err := c.activities.GetByID(ctx, p.ActivityID)
	if err != nil {
		return err
	}
	if a.CommissionCents <= 0 {
		return nil
	}
	acct, err := c.ledger.EnsureAccount(ctx, ledger.Subject{
		Type:  "user",
		ID:    strconv.FormatUint(*p.ReferrerID, 10),
		Asset: commissionAsset,
	})
	if err != nil {
		return err
	}
	m := ledger.Mutation{
		AccountID:     acct.ID,
		Delta:         sign * a.CommissionCents,
		Reason:        model.ReasonCommissionAward,
		CorrelationID: correlation,
	}
	if sign < 0 {
		m.Guard = ledger.Unbounded
	}
	_, err = c.ledger.MutateWithRetry(ctx, m, ledgerRetries)
	if errors.Is(err, ledger.ErrDuplicate) {
		return nil
	}
	if err == nil {
		c.log.Info("commission booked",
			zap.Uint64("order_id", o.ID), zap.Uint64("referrer_id", *p.ReferrerID), zap.Int64("delta", m.Delta))
	}
	return err
}
