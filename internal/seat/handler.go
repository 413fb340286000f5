package seat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/metrics"
	"github.com/iliyamo/ticketmall/internal/model"
)

// TicketHandler fulfils ticket orders for the order state machine.
type TicketHandler struct {
	engine *Engine
}

// NewTicketHandler returns the ticket business handler.
func NewTicketHandler(e *Engine) *TicketHandler { return &TicketHandler{engine: e} }

// OnPaid reserves the order's seats.  When the reserved seats no longer
// cover the order amount it returns ErrSeatsLost, so the order stays
// unfulfilled and is picked up by reconciliation.
func (h *TicketHandler) OnPaid(ctx context.Context, o *model.Order) error {
	if _, err := h.engine.Confirm(ctx, o.ID); err != nil {
		return err
	}
	seats, err := h.engine.SeatsOf(ctx, o.ID)
	if err != nil {
		return err
	}
	var covered int64
	for _, s := range seats {
		if s.Status == model.SeatReserved {
			covered += s.PriceCents
		}
	}
	if covered != o.AmountCents {
		metrics.SeatConfirm.WithLabelValues("lost").Inc()
		h.engine.log.Error("paid order lost its seats",
			zap.Uint64("order_id", o.ID),
			zap.Int64("amount_cents", o.AmountCents),
			zap.Int64("reserved_cents", covered),
			zap.Int("seats", len(seats)))
		return fmt.Errorf("order %d: reserved %d of %d cents: %w", o.ID, covered, o.AmountCents, ErrSeatsLost)
	}
	metrics.SeatConfirm.WithLabelValues("reserved").Inc()
	return nil
}

// OnReleased frees the seats of a canceled or expired order.
func (h *TicketHandler) OnReleased(ctx context.Context, o *model.Order) error {
	_, err := h.engine.Release(ctx, o.ID)
	return err
}

// OnRefunded frees the seats once the order is fully refunded.  Partial
// refunds keep the seats.
func (h *TicketHandler) OnRefunded(ctx context.Context, o *model.Order, _ *model.RefundRecord) error {
	if !o.FullyRefunded() {
		return nil
	}
	_, err := h.engine.Release(ctx, o.ID)
	return err
}
