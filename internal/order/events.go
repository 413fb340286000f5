package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/queue"
)

// EventPublisher delivers order events after the change committed.
// Delivery is best effort; a failure never undoes the change.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.OrderEvent) error
}

func (m *Machine) publish(ctx context.Context, kind string, o *model.Order) {
	if m.events == nil {
		return
	}
	ev := queue.OrderEvent{
		Type:          kind,
		OrderID:       o.ID,
		UserID:        o.UserID,
		BizType:       string(o.BizType),
		ResourceID:    o.ResourceID,
		AmountCents:   o.AmountCents,
		RefundedCents: o.RefundedCents,
		Status:        o.Status.String(),
		OccurredAt:    m.now().UTC().Format(time.RFC3339),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := m.events.Publish(pctx, ev); err != nil {
		m.log.Warn("order event not published", zap.String("type", kind), zap.Uint64("order_id", o.ID), zap.Error(err))
	}
}
