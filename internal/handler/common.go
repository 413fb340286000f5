package handler // handler defines the HTTP handlers of the service

import (
    "errors"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/ticketmall/internal/capacity"
    "github.com/iliyamo/ticketmall/internal/gateway"
    "github.com/iliyamo/ticketmall/internal/ledger"
    "github.com/iliyamo/ticketmall/internal/lock"
    "github.com/iliyamo/ticketmall/internal/middleware"
    "github.com/iliyamo/ticketmall/internal/model"
    "github.com/iliyamo/ticketmall/internal/order"
    "github.com/iliyamo/ticketmall/internal/repository"
    "github.com/iliyamo/ticketmall/internal/reservation"
    "github.com/iliyamo/ticketmall/internal/seat"
)

// errorStatus maps domain errors to HTTP status codes and a stable error
// code.  Unknown errors are internal.
func errorStatus(err error) (int, string) {
    switch {
    case errors.Is(err, repository.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
        return http.StatusNotFound, "not_found"
    case errors.Is(err, gateway.ErrVerificationFailed):
        return http.StatusBadRequest, "verification_failed"
    case errors.Is(err, gateway.ErrUnknownGateway):
        return http.StatusNotFound, "unknown_gateway"
    case errors.Is(err, order.ErrInvalidAmount), errors.Is(err, seat.ErrInvalidSelection),
        errors.Is(err, order.ErrUnknownBizType):
        return http.StatusBadRequest, "invalid_request"
    case errors.Is(err, order.ErrInvalidTransition):
        return http.StatusConflict, "invalid_transition"
    case errors.Is(err, order.ErrRefundExceeds):
        return http.StatusConflict, "refund_exceeds"
    case errors.Is(err, seat.ErrSeatUnavailable):
        return http.StatusConflict, "seat_unavailable"
    case errors.Is(err, capacity.ErrFull):
        return http.StatusConflict, "capacity_full"
    case errors.Is(err, reservation.ErrAlreadyJoined):
        return http.StatusConflict, "already_joined"
    case errors.Is(err, reservation.ErrActivityClosed):
        return http.StatusConflict, "activity_closed"
    case errors.Is(err, ledger.ErrInsufficientBalance):
        return http.StatusConflict, "insufficient_balance"
    case errors.Is(err, ledger.ErrDuplicate):
        return http.StatusConflict, "duplicate"
    case errors.Is(err, lock.ErrBusy), errors.Is(err, repository.ErrVersionConflict),
        errors.Is(err, ledger.ErrRetryExhausted), errors.Is(err, ledger.ErrConflict):
        return http.StatusServiceUnavailable, "busy"
    }
    return http.StatusInternalServerError, "internal"
}

// fail writes err as a JSON error.  Internal errors are logged and their
// text is not sent to the client.
func fail(c echo.Context, err error) error {
    status, code := errorStatus(err)
    msg := err.Error()
    if status == http.StatusInternalServerError {
        c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
        msg = "internal error"
    }
    if status == http.StatusServiceUnavailable {
        c.Response().Header().Set("Retry-After", "1")
    }
    return c.JSON(status, echo.Map{"error": code, "message": msg})
}

// pathID parses a positive numeric path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
    id, err := strconv.ParseUint(c.Param(name), 10, 64)
    if err != nil || id == 0 {
        return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
    }
    return id, nil
}

// currentUser returns the authenticated user or a 401 error.
func currentUser(c echo.Context) (uint64, error) {
    uid, ok := middleware.UserID(c)
    if !ok {
        return 0, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
    }
    return uid, nil
}

type orderView struct {
    ID            uint64     `json:"id"`
    UserID        uint64     `json:"user_id"`
    BizType       string     `json:"biz_type"`
    ResourceID    uint64     `json:"resource_id"`
    Status        string     `json:"status"`
    StatusCode    uint8      `json:"status_code"`
    Amount        string     `json:"amount"`
    Currency      string     `json:"currency"`
    AmountCents   int64      `json:"amount_cents"`
    RefundedCents int64      `json:"refunded_cents"`
    CreatedAt     time.Time  `json:"created_at"`
    PaidAt        *time.Time `json:"paid_at,omitempty"`
    CanceledAt    *time.Time `json:"canceled_at,omitempty"`
    RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}

func viewOrder(o *model.Order) orderView {
    return orderView{
        ID:            o.ID,
        UserID:        o.UserID,
        BizType:       string(o.BizType),
        ResourceID:    o.ResourceID,
        Status:        o.Status.String(),
        StatusCode:    uint8(o.Status),
        Amount:        gateway.FormatCents(o.AmountCents),
        Currency:      o.Currency,
        AmountCents:   o.AmountCents,
        RefundedCents: o.RefundedCents,
        CreatedAt:     o.CreatedAt,
        PaidAt:        o.PaidAt,
        CanceledAt:    o.CanceledAt,
        RefundedAt:    o.RefundedAt,
    }
}

type refundView struct {
    ID           uint64     `json:"id"`
    OrderID      uint64     `json:"order_id"`
    RefundNo     string     `json:"refund_no"`
    AmountCents  int64      `json:"amount_cents"`
    Reason       string     `json:"reason,omitempty"`
    Status       string     `json:"status"`
    ErrorMessage *string    `json:"error_message,omitempty"`
    CreatedAt    time.Time  `json:"created_at"`
    FinishedAt   *time.Time `json:"finished_at,omitempty"`
    SettledAt    *time.Time `json:"settled_at,omitempty"`
}

func viewRefund(r *model.RefundRecord) refundView {
    return refundView{
        ID:           r.ID,
        OrderID:      r.OrderID,
        RefundNo:     r.RefundNo,
        AmountCents:  r.AmountCents,
        Reason:       r.Reason,
        Status:       r.Status,
        ErrorMessage: r.ErrorMessage,
        CreatedAt:    r.CreatedAt,
        FinishedAt:   r.FinishedAt,
        SettledAt:    r.SettledAt,
    }
}
