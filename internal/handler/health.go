package handler

import (
    "context"
    "database/sql"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
)

// Health is a simple health‑check endpoint used by load balancers and
// monitoring systems to verify that the service is running.  It returns
// a plain text "ok" message with an HTTP 200 status code.
func Health(c echo.Context) error {
    return c.String(http.StatusOK, "ok")
}

// ReadyHandler reports whether the durable store and Redis answer.
type ReadyHandler struct {
    DB    *sql.DB
    Redis redis.UniversalClient
}

// Ready handles GET /readyz.  It returns 503 listing the failing
// dependencies.
func (h *ReadyHandler) Ready(c echo.Context) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
    defer cancel()

    failing := echo.Map{}
    if err := h.DB.PingContext(ctx); err != nil {
        failing["database"] = err.Error()
    }
    if err := h.Redis.Ping(ctx).Err(); err != nil {
        failing["redis"] = err.Error()
    }
    if len(failing) > 0 {
        return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "not_ready", "failing": failing})
    }
    return c.String(http.StatusOK, "ready")
}
