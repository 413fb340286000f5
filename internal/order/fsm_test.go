package order

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticketmall/internal/model"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  model.OrderStatus
		event string
		to    model.OrderStatus
		ok    bool
	}{
		{model.OrderUnpaid, evPay, model.OrderPaid, true},
		{model.OrderUnpaid, evCancel, model.OrderCanceled, true},
		{model.OrderPaid, evFinish, model.OrderFinished, true},
		{model.OrderPaid, evRequestRefund, model.OrderRefunding, true},
		{model.OrderFinished, evRequestRefund, model.OrderRefunding, true},
		{model.OrderRefunding, evRequestRefund, model.OrderRefunding, true},
		{model.OrderRefundFailed, evRequestRefund, model.OrderRefunding, true},
		{model.OrderRefunding, evRefundDone, model.OrderRefunded, true},
		{model.OrderRefunding, evRefundFailed, model.OrderRefundFailed, true},
		{model.OrderRefundFailed, evRestoreFinished, model.OrderFinished, true},
		{model.OrderRefunding, evRestorePaid, model.OrderPaid, true},

		{model.OrderPaid, evPay, model.OrderPaid, false},
		{model.OrderCanceled, evPay, model.OrderCanceled, false},
		{model.OrderPaid, evCancel, model.OrderPaid, false},
		{model.OrderRefunding, evCancel, model.OrderRefunding, false},
		{model.OrderUnpaid, evRequestRefund, model.OrderUnpaid, false},
		{model.OrderRefunded, evRequestRefund, model.OrderRefunded, false},
		{model.OrderCanceled, evRestorePaid, model.OrderCanceled, false},
		{model.OrderRefundFailed, evRefundDone, model.OrderRefundFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event, func(t *testing.T) {
			got, err := next(context.Background(), tt.from, tt.event)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestRestoreEvent(t *testing.T) {
	fin := model.OrderFinished
	assert.Equal(t, evRestoreFinished, restoreEvent(&model.Order{PreRefundStatus: &fin}))
	assert.Equal(t, evRestorePaid, restoreEvent(&model.Order{}))
}
