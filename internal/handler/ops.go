package handler

import (
    "errors"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/ticketmall/internal/ledger"
    "github.com/iliyamo/ticketmall/internal/model"
    "github.com/iliyamo/ticketmall/internal/order"
    "github.com/iliyamo/ticketmall/internal/reservation"
)

// ledgerAdjustAttempts bounds version-conflict retries of a manual
// adjustment.
const ledgerAdjustAttempts = 5

// OpsHandler groups operator endpoints: refunds, order closing, manual
// ledger adjustments and capacity counter resync.
type OpsHandler struct {
    Machine     *order.Machine
    Ledger      *ledger.Ledger
    Coordinator *reservation.Coordinator
}

// NewOpsHandler constructs an OpsHandler and panics if a dependency is nil.
func NewOpsHandler(m *order.Machine, l *ledger.Ledger, coord *reservation.Coordinator) *OpsHandler {
    if m == nil || l == nil || coord == nil {
        panic("nil dependency passed to NewOpsHandler")
    }
    return &OpsHandler{Machine: m, Ledger: l, Coordinator: coord}
}

// RequestRefund handles POST /v1/ops/orders/:id/refunds with
// {"amount_cents": n, "reason": "...", "submit": bool}.  A missing amount
// refunds what is left of the order.  With submit the refund goes to the
// gateway right away.
func (h *OpsHandler) RequestRefund(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var body struct {
        AmountCents int64  `json:"amount_cents"`
        Reason      string `json:"reason"`
        Submit      bool   `json:"submit"`
    }
    if err := c.Bind(&body); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    ctx := c.Request().Context()
    if body.AmountCents == 0 {
        o, err := h.Machine.Get(ctx, id)
        if err != nil {
            return fail(c, err)
        }
        body.AmountCents = o.AmountCents - o.RefundedCents
    }
    r, err := h.Machine.RequestRefund(ctx, id, body.AmountCents, body.Reason)
    if err != nil {
        return fail(c, err)
    }
    if body.Submit {
        if r, err = h.Machine.SubmitRefund(ctx, r.ID); err != nil {
            return fail(c, err)
        }
    }
    return c.JSON(http.StatusCreated, viewRefund(r))
}

// ListRefunds handles GET /v1/ops/orders/:id/refunds.
func (h *OpsHandler) ListRefunds(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    list, err := h.Machine.ListRefunds(c.Request().Context(), id)
    if err != nil {
        return fail(c, err)
    }
    out := make([]refundView, len(list))
    for i := range list {
        out[i] = viewRefund(&list[i])
    }
    return c.JSON(http.StatusOK, out)
}

// Finish handles POST /v1/ops/orders/:id/finish.
func (h *OpsHandler) Finish(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    o, err := h.Machine.Finish(c.Request().Context(), id)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, viewOrder(o))
}

func (h *OpsHandler) refundAction(c echo.Context, fn func(c echo.Context, id uint64) (*model.RefundRecord, error)) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    r, err := fn(c, id)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, viewRefund(r))
}

// SubmitRefund handles POST /v1/ops/refunds/:id/submit.
func (h *OpsHandler) SubmitRefund(c echo.Context) error {
    return h.refundAction(c, func(c echo.Context, id uint64) (*model.RefundRecord, error) {
        return h.Machine.SubmitRefund(c.Request().Context(), id)
    })
}

// WithdrawRefund handles POST /v1/ops/refunds/:id/withdraw.
func (h *OpsHandler) WithdrawRefund(c echo.Context) error {
    return h.refundAction(c, func(c echo.Context, id uint64) (*model.RefundRecord, error) {
        return h.Machine.WithdrawRefund(c.Request().Context(), id)
    })
}

// RetryRefund handles POST /v1/ops/refunds/:id/retry.
func (h *OpsHandler) RetryRefund(c echo.Context) error {
    return h.refundAction(c, func(c echo.Context, id uint64) (*model.RefundRecord, error) {
        return h.Machine.RetryRefund(c.Request().Context(), id)
    })
}

// AdjustLedger handles POST /v1/ops/ledger/:id/adjust with
// {"delta": n, "correlation_id": "...", "allow_negative": bool}.  A repeated
// correlation id answers 409 without applying twice.
func (h *OpsHandler) AdjustLedger(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var body struct {
        Delta         int64  `json:"delta"`
        CorrelationID string `json:"correlation_id"`
        AllowNegative bool   `json:"allow_negative"`
    }
    if err := c.Bind(&body); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    if body.Delta == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "delta must not be zero"})
    }
    m := ledger.Mutation{
        AccountID:     id,
        Delta:         body.Delta,
        Reason:        model.ReasonManualAdjustment,
        CorrelationID: body.CorrelationID,
    }
    if body.AllowNegative {
        m.Guard = ledger.Unbounded
    }
    balance, err := h.Ledger.MutateWithRetry(c.Request().Context(), m, ledgerAdjustAttempts)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{"account_id": id, "balance": balance})
}

// LedgerAccount handles GET /v1/ops/ledger/:id.  It returns the account,
// its newest entries and whether the balance matches the entry sum.
func (h *OpsHandler) LedgerAccount(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    ctx := c.Request().Context()
    a, err := h.Ledger.Account(ctx, id)
    if err != nil {
        return fail(c, err)
    }
    entries, err := h.Ledger.Entries(ctx, id, 50)
    if err != nil {
        return fail(c, err)
    }
    verified := true
    if err := h.Ledger.Verify(ctx, id); err != nil {
        if !errors.Is(err, ledger.ErrIntegrity) {
            return fail(c, err)
        }
        c.Logger().Errorf("ledger account %d: %v", id, err)
        verified = false
    }
    return c.JSON(http.StatusOK, echo.Map{"account": a, "entries": entries, "verified": verified})
}

// ResyncActivity handles POST /v1/ops/activities/:id/resync.
func (h *OpsHandler) ResyncActivity(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    n, err := h.Coordinator.Resync(c.Request().Context(), id)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{"activity_id": id, "count": n})
}
