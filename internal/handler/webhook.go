package handler

import (
    "encoding/json"
    "errors"
    "io"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/ticketmall/internal/gateway"
    "github.com/iliyamo/ticketmall/internal/order"
)

// maxNotificationBytes bounds a webhook body.
const maxNotificationBytes = 16 << 10

// WebhookHandler receives gateway notifications.  Processed, duplicate and
// stale notifications are answered with the gateway's acknowledgement so
// the gateway stops retrying; verification failures get 400 and internal
// errors 500, which makes the gateway retry later.
type WebhookHandler struct {
    Machine *order.Machine
}

// NewWebhookHandler constructs a WebhookHandler and panics if m is nil.
func NewWebhookHandler(m *order.Machine) *WebhookHandler {
    if m == nil {
        panic("nil machine passed to NewWebhookHandler")
    }
    return &WebhookHandler{Machine: m}
}

func readNotification(c echo.Context) (*gateway.Notification, error) {
    raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationBytes+1))
    if err != nil {
        return nil, err
    }
    if len(raw) > maxNotificationBytes {
        return nil, errors.New("notification too large")
    }
    var n gateway.Notification
    if err := json.Unmarshal(raw, &n); err != nil {
        return nil, err
    }
    n.GatewayID = c.Param("gateway")
    return &n, nil
}

func (h *WebhookHandler) handle(c echo.Context, confirm func(*gateway.Notification) (gateway.Ack, error)) error {
    n, err := readNotification(c)
    if err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_notification", "message": err.Error()})
    }
    ack, err := confirm(n)
    if err != nil {
        return fail(c, err)
    }
    return c.Blob(http.StatusOK, ack.ContentType, ack.Body)
}

// Payment handles POST /v1/webhooks/:gateway/payment.
func (h *WebhookHandler) Payment(c echo.Context) error {
    return h.handle(c, func(n *gateway.Notification) (gateway.Ack, error) {
        return h.Machine.ConfirmPayment(c.Request().Context(), n)
    })
}

// Refund handles POST /v1/webhooks/:gateway/refund.
func (h *WebhookHandler) Refund(c echo.Context) error {
    return h.handle(c, func(n *gateway.Notification) (gateway.Ack, error) {
        return h.Machine.ConfirmRefund(c.Request().Context(), n)
    })
}
