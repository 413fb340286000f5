package handler

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/ticketmall/internal/model"
    "github.com/iliyamo/ticketmall/internal/order"
    "github.com/iliyamo/ticketmall/internal/repository"
    "github.com/iliyamo/ticketmall/internal/seat"
)

// OrderHandler serves customer order endpoints: seat checkout, card top-up,
// payment initiation, cancellation and lookup.  Customers only see their
// own orders; other orders answer 404.
type OrderHandler struct {
    Machine *order.Machine
    Seats   *seat.Engine
}

// NewOrderHandler constructs an OrderHandler and panics if a dependency is
// nil.
func NewOrderHandler(m *order.Machine, seats *seat.Engine) *OrderHandler {
    if m == nil || seats == nil {
        panic("nil dependency passed to NewOrderHandler")
    }
    return &OrderHandler{Machine: m, Seats: seats}
}

// owned loads the order in the :id parameter and checks it belongs to the
// caller.
func (h *OrderHandler) owned(c echo.Context) (*model.Order, error) {
    uid, err := currentUser(c)
    if err != nil {
        return nil, err
    }
    id, err := pathID(c, "id")
    if err != nil {
        return nil, err
    }
    o, err := h.Machine.Get(c.Request().Context(), id)
    if err != nil {
        return nil, err
    }
    if o.UserID != uid {
        return nil, repository.ErrNotFound
    }
    return o, nil
}

// ownedOrFail is owned with domain errors already written to the response.
func (h *OrderHandler) ownedOrFail(c echo.Context) (*model.Order, bool, error) {
    o, err := h.owned(c)
    if err == nil {
        return o, true, nil
    }
    if _, ok := err.(*echo.HTTPError); ok {
        return nil, false, err
    }
    return nil, false, fail(c, err)
}

// Checkout handles POST /v1/shows/:id/checkout with {"seat_ids": [...]}.
// The seats are held for the new unpaid order, all or nothing.
func (h *OrderHandler) Checkout(c echo.Context) error {
    uid, err := currentUser(c)
    if err != nil {
        return err
    }
    showID, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var body struct {
        SeatIDs []uint64 `json:"seat_ids"`
    }
    if err := c.Bind(&body); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    if len(body.SeatIDs) == 0 {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_ids is required"})
    }
    o, err := h.Seats.Checkout(c.Request().Context(), uid, showID, body.SeatIDs)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusCreated, viewOrder(o))
}

// TopUp handles POST /v1/cards/:id/topup with {"amount_cents": n}.  The card
// is credited once the order is paid.
func (h *OrderHandler) TopUp(c echo.Context) error {
    uid, err := currentUser(c)
    if err != nil {
        return err
    }
    cardID, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var body struct {
        AmountCents int64 `json:"amount_cents"`
    }
    if err := c.Bind(&body); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
    }
    o := &model.Order{UserID: uid, BizType: model.BizCardTopUp, ResourceID: cardID, AmountCents: body.AmountCents}
    if err := h.Machine.Create(c.Request().Context(), o); err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusCreated, viewOrder(o))
}

// Pay handles POST /v1/orders/:id/pay with an optional {"gateway": id}.
// Every call opens a fresh charge and supersedes the previous one.
func (h *OrderHandler) Pay(c echo.Context) error {
    o, ok, err := h.ownedOrFail(c)
    if !ok {
        return err
    }
    var body struct {
        Gateway string `json:"gateway"`
    }
    if c.Request().ContentLength != 0 {
        if err := c.Bind(&body); err != nil {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
        }
    }
    charge, err := h.Machine.InitiatePayment(c.Request().Context(), o.ID, body.Gateway)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, charge)
}

// Cancel handles POST /v1/orders/:id/cancel.
func (h *OrderHandler) Cancel(c echo.Context) error {
    o, ok, err := h.ownedOrFail(c)
    if !ok {
        return err
    }
    ctx := c.Request().Context()
    if err := h.Machine.Cancel(ctx, o.ID); err != nil {
        return fail(c, err)
    }
    o, err = h.Machine.Get(ctx, o.ID)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, viewOrder(o))
}

// Get handles GET /v1/orders/:id.  Ticket orders include their seats.
func (h *OrderHandler) Get(c echo.Context) error {
    o, ok, err := h.ownedOrFail(c)
    if !ok {
        return err
    }
    resp := echo.Map{"order": viewOrder(o)}
    if o.BizType == model.BizTicket {
        seats, err := h.Seats.SeatsOf(c.Request().Context(), o.ID)
        if err != nil {
            return fail(c, err)
        }
        labels := make([]string, len(seats))
        for i, s := range seats {
            labels[i] = s.SeatLabel
        }
        resp["seats"] = labels
    }
    return c.JSON(http.StatusOK, resp)
}
