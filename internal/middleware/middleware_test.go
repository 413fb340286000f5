package middleware

import (
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/ticketmall/internal/config"
    "github.com/iliyamo/ticketmall/internal/testutil"
    "github.com/iliyamo/ticketmall/internal/utils"
)

const testSecret = "test-secret"

func bearer(t *testing.T, secret string, uid uint64, role string, ttl time.Duration) string {
    t.Helper()
    tok, err := utils.NewAccessToken(secret, uid, role, ttl)
    require.NoError(t, err)
    return "Bearer " + tok.Token
}

func serve(e *echo.Echo, method, target, auth string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(method, target, nil)
    if auth != "" {
        req.Header.Set("Authorization", auth)
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestJWTAuthAndRole(t *testing.T) {
    e := echo.New()
    e.GET("/ops", func(c echo.Context) error {
        uid, ok := UserID(c)
        if !ok {
            return c.NoContent(http.StatusInternalServerError)
        }
        return c.JSON(http.StatusOK, echo.Map{"user_id": uid})
    }, JWTAuth(testSecret), RequireRole(RoleOperator))

    cases := []struct {
        name   string
        auth   string
        status int
    }{
        {"missing token", "", http.StatusUnauthorized},
        {"not bearer", "Basic abc", http.StatusUnauthorized},
        {"wrong secret", bearer(t, "other", 7, RoleOperator, time.Hour), http.StatusUnauthorized},
        {"expired", bearer(t, testSecret, 7, RoleOperator, -time.Minute), http.StatusUnauthorized},
        {"zero subject", bearer(t, testSecret, 0, RoleOperator, time.Hour), http.StatusUnauthorized},
        {"wrong role", bearer(t, testSecret, 7, RoleCustomer, time.Hour), http.StatusForbidden},
        {"operator", bearer(t, testSecret, 7, RoleOperator, time.Hour), http.StatusOK},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            rec := serve(e, http.MethodGet, "/ops", tc.auth)
            assert.Equal(t, tc.status, rec.Code, rec.Body.String())
        })
    }

    rec := serve(e, http.MethodGet, "/ops", bearer(t, testSecret, 7, RoleOperator, time.Hour))
    assert.JSONEq(t, `{"user_id":7}`, rec.Body.String())
}

func TestTokenBucketLimits(t *testing.T) {
    _, rdb := testutil.NewRedis(t)
    cfg := config.RateLimitConfig{
        Enabled:        true,
        Capacity:       2,
        RefillTokens:   1,
        RefillInterval: time.Hour,
        TTL:            5 * time.Hour,
        KeyStrategy:    "ip_route",
        Prefix:         "rl",
    }
    e := echo.New()
    e.POST("/hook", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, NewTokenBucket(cfg, rdb, nil))

    for i := 0; i < 2; i++ {
        rec := serve(e, http.MethodPost, "/hook", "")
        require.Equal(t, http.StatusOK, rec.Code)
        assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
    }
    rec := serve(e, http.MethodPost, "/hook", "")
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.NotEmpty(t, rec.Header().Get("Retry-After"))
    assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestTokenBucketFailsOpen(t *testing.T) {
    mr, rdb := testutil.NewRedis(t)
    cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour, Prefix: "rl"}
    e := echo.New()
    e.POST("/hook", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, NewTokenBucket(cfg, rdb, nil))

    mr.Close()
    for i := 0; i < 3; i++ {
        assert.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/hook", "").Code)
    }
}

func TestBuildRateKey(t *testing.T) {
    e := echo.New()
    req := httptest.NewRequest(http.MethodPost, "/v1/activities/3/join", nil)
    req.RemoteAddr = "10.0.0.1:1234"
    c := e.NewContext(req, httptest.NewRecorder())
    c.SetPath("/v1/activities/:id/join")
    c.Set(ctxUserID, uint64(42))

    cfg := config.RateLimitConfig{Prefix: "rl"}
    cfg.KeyStrategy = "user"
    assert.Equal(t, "rl:user:42", buildRateKey(cfg, c))
    cfg.KeyStrategy = "ip_route"
    assert.Equal(t, "rl:ip:10.0.0.1:route:POST /v1/activities/:id/join", buildRateKey(cfg, c))
    cfg.KeyStrategy = ""
    assert.Equal(t, "rl:ip:10.0.0.1:user:42:route:POST /v1/activities/:id/join", buildRateKey(cfg, c))
}

func TestRedisCache(t *testing.T) {
    _, rdb := testutil.NewRedis(t)
    cfg := config.CacheConfig{
        Enabled:      true,
        Methods:      map[string]bool{http.MethodGet: true},
        TTL:          time.Minute,
        KeyStrategy:  "path_query",
        Prefix:       "cache",
        MaxBodyBytes: 1 << 10,
    }
    var calls atomic.Int32
    e := echo.New()
    e.GET("/v1/activities/:id", func(c echo.Context) error {
        n := calls.Add(1)
        if c.Param("id") == "404" {
            return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
        }
        return c.JSON(http.StatusOK, echo.Map{"id": c.Param("id"), "calls": n})
    }, NewRedisCache(cfg, rdb))

    first := serve(e, http.MethodGet, "/v1/activities/1", "")
    require.Equal(t, http.StatusOK, first.Code)
    assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

    second := serve(e, http.MethodGet, "/v1/activities/1", "")
    require.Equal(t, http.StatusOK, second.Code)
    assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
    assert.Equal(t, first.Body.String(), second.Body.String())
    assert.Contains(t, second.Header().Get(echo.HeaderContentType), "application/json")
    assert.EqualValues(t, 1, calls.Load())

    // A different query is a different variant.
    assert.Equal(t, "MISS", serve(e, http.MethodGet, "/v1/activities/1?x=1", "").Header().Get("X-Cache"))
    assert.EqualValues(t, 2, calls.Load())

    require.NoError(t, InvalidatePath(testutil.Context(t), cfg, rdb, "/v1/activities/1"))
    third := serve(e, http.MethodGet, "/v1/activities/1", "")
    assert.Equal(t, "MISS", third.Header().Get("X-Cache"))
    assert.Contains(t, third.Body.String(), `"calls":3`)
    assert.Equal(t, "MISS", serve(e, http.MethodGet, "/v1/activities/1?x=1", "").Header().Get("X-Cache"))

    // Errors are not cached.
    serve(e, http.MethodGet, "/v1/activities/404", "")
    assert.Equal(t, "MISS", serve(e, http.MethodGet, "/v1/activities/404", "").Header().Get("X-Cache"))
}

func TestCacheKeyStrategy(t *testing.T) {
    cfg := config.CacheConfig{Prefix: "cache", KeyStrategy: "path"}
    assert.Equal(t, cacheKey(cfg, "GET", "/a", "x=1"), cacheKey(cfg, "GET", "/a", "x=2"))
    assert.NotEqual(t, cacheKey(cfg, "GET", "/a", ""), cacheKey(cfg, "GET", "/b", ""))

    cfg.KeyStrategy = "path_query"
    assert.NotEqual(t, cacheKey(cfg, "GET", "/a", "x=1"), cacheKey(cfg, "GET", "/a", "x=2"))
    assert.Contains(t, cacheKey(cfg, "GET", "/a", "x=1"), pathDigest(cfg, "/a")+":")
}
