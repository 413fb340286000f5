package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/ticketmall/internal/handler"
	"github.com/iliyamo/ticketmall/internal/middleware"
)

// Handlers bundles every handler the router mounts.
type Handlers struct {
	Ready    *handler.ReadyHandler
	Activity *handler.ActivityHandler
	Order    *handler.OrderHandler
	Webhook  *handler.WebhookHandler
	Ops      *handler.OpsHandler
}

// Middleware bundles the shared request guards.
type Middleware struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc // token bucket for joins and webhooks
	Cache     echo.MiddlewareFunc // response cache for public reads
}

// RegisterRoutes registers routes that do not require authentication:
// health checks, metrics and public activity availability.
func RegisterRoutes(e *echo.Echo, h Handlers, mw Middleware) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", h.Ready.Ready)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/v1/activities/:id", h.Activity.Get, mw.Cache)
}

// RegisterCustomer registers customer-scoped endpoints under /v1.  All routes
// require a valid JWT and the CUSTOMER role.
func RegisterCustomer(e *echo.Echo, h Handlers, mw Middleware) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(mw.JWTSecret),
		middleware.RequireRole(middleware.RoleCustomer),
	)
	g.POST("/activities/:id/join", h.Activity.Join, mw.RateLimit)
	g.POST("/shows/:id/checkout", h.Order.Checkout)
	g.POST("/cards/:id/topup", h.Order.TopUp)

	g.GET("/orders/:id", h.Order.Get)
	g.POST("/orders/:id/pay", h.Order.Pay)
	g.POST("/orders/:id/cancel", h.Order.Cancel)
}

// RegisterOperator registers back-office endpoints under /v1/ops.  All
// routes require a valid JWT and the OPERATOR role.
func RegisterOperator(e *echo.Echo, h Handlers, mw Middleware) {
	g := e.Group(
		"/v1/ops",
		middleware.JWTAuth(mw.JWTSecret),
		middleware.RequireRole(middleware.RoleOperator),
	)

	// ---- Orders and refunds ----
	g.GET("/orders/:id/refunds", h.Ops.ListRefunds)
	g.POST("/orders/:id/refunds", h.Ops.RequestRefund)
	g.POST("/orders/:id/finish", h.Ops.Finish)
	g.POST("/refunds/:id/submit", h.Ops.SubmitRefund)
	g.POST("/refunds/:id/withdraw", h.Ops.WithdrawRefund)
	g.POST("/refunds/:id/retry", h.Ops.RetryRefund)

	// ---- Ledger ----
	g.GET("/ledger/:id", h.Ops.LedgerAccount)
	g.POST("/ledger/:id/adjust", h.Ops.AdjustLedger)

	// ---- Activities ----
	g.POST("/activities/:id/resync", h.Ops.ResyncActivity)
}

// RegisterWebhooks registers gateway notification endpoints.  They carry no
// JWT; notifications are authenticated by their signature.
func RegisterWebhooks(e *echo.Echo, h Handlers, mw Middleware) {
	g := e.Group("/v1/webhooks/:gateway", mw.RateLimit)
	g.POST("/payment", h.Webhook.Payment)
	g.POST("/refund", h.Webhook.Refund)
}

// Register mounts every route group.
func Register(e *echo.Echo, h Handlers, mw Middleware) {
	if mw.RateLimit == nil {
		mw.RateLimit = passThrough
	}
	if mw.Cache == nil {
		mw.Cache = passThrough
	}
	RegisterRoutes(e, h, mw)
	RegisterCustomer(e, h, mw)
	RegisterOperator(e, h, mw)
	RegisterWebhooks(e, h, mw)
}

func passThrough(next echo.HandlerFunc) echo.HandlerFunc { return next }
