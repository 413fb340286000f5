package handler

import (
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/ticketmall/internal/config"
    "github.com/iliyamo/ticketmall/internal/middleware"
    "github.com/iliyamo/ticketmall/internal/repository"
    "github.com/iliyamo/ticketmall/internal/reservation"
)

// ActivityHandler serves group-buy activities: public availability and
// customer joins.
type ActivityHandler struct {
    Activities  *repository.ActivityRepo
    Coordinator *reservation.Coordinator
    Cache       config.CacheConfig
    Redis       redis.UniversalClient // cache invalidation; nil disables it
}

// NewActivityHandler constructs an ActivityHandler and panics if a required
// dependency is nil.
func NewActivityHandler(activities *repository.ActivityRepo, coord *reservation.Coordinator, cache config.CacheConfig, rdb redis.UniversalClient) *ActivityHandler {
    if activities == nil || coord == nil {
        panic("nil dependency passed to NewActivityHandler")
    }
    return &ActivityHandler{Activities: activities, Coordinator: coord, Cache: cache, Redis: rdb}
}

// Get handles GET /v1/activities/:id.  The joined count comes from the
// durable store; the response is cached briefly, so it is advisory.
func (h *ActivityHandler) Get(c echo.Context) error {
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    ctx := c.Request().Context()
    a, err := h.Activities.GetByID(ctx, id)
    if err != nil {
        return fail(c, err)
    }
    joined, err := h.Activities.CountActive(ctx, id)
    if err != nil {
        return fail(c, err)
    }
    return c.JSON(http.StatusOK, echo.Map{
        "id":          a.ID,
        "title":       a.Title,
        "price_cents": a.PriceCents,
        "capacity":    a.Capacity,
        "joined":      joined,
        "remaining":   max(a.Capacity-joined, 0),
        "status":      a.Status,
        "ends_at":     a.EndsAt.UTC().Format(time.RFC3339),
    })
}

// Join handles POST /v1/activities/:id/join with an optional
// {"referrer_id": n} body.  A confirmed join returns 201 with the unpaid
// order; rejections return 409 (503 while the activity stays busy).
func (h *ActivityHandler) Join(c echo.Context) error {
    uid, err := currentUser(c)
    if err != nil {
        return err
    }
    id, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var body struct {
        ReferrerID *uint64 `json:"referrer_id"`
    }
    if c.Request().ContentLength != 0 {
        if err := c.Bind(&body); err != nil {
            return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
        }
    }
    if body.ReferrerID != nil && (*body.ReferrerID == 0 || *body.ReferrerID == uid) {
        body.ReferrerID = nil
    }

    ctx := c.Request().Context()
    res, err := h.Coordinator.Join(ctx, reservation.JoinRequest{ActivityID: id, UserID: uid, ReferrerID: body.ReferrerID})
    if err != nil {
        return fail(c, err)
    }
    if !res.OK() {
        return fail(c, res.Reason)
    }
    if err := middleware.InvalidatePath(ctx, h.Cache, h.Redis, activityPath(id)); err != nil {
        c.Logger().Warnf("invalidate activity %d cache: %v", id, err)
    }
    return c.JSON(http.StatusCreated, echo.Map{
        "state":          res.State,
        "order":          viewOrder(res.Order),
        "participant_id": res.Participant.ID,
    })
}

func activityPath(id uint64) string { return "/v1/activities/" + strconv.FormatUint(id, 10) }
