package middleware // middleware provides the HTTP guards shared by all route groups

import (
    "net/http"
    "strconv"
    "strings"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
)

// Context keys set by JWTAuth.
const (
    ctxUserID = "user_id"
    ctxRole   = "role"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the token's subject and role claims into the request context.  The
// provided secret must match the one used when issuing tokens.  Tokens are
// issued by an external identity service; this service only verifies them.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            raw := strings.TrimPrefix(auth, "Bearer ")

            // Only HMAC tokens signed with our secret are accepted.
            tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
                if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
                    return nil, echo.ErrUnauthorized
                }
                return []byte(secret), nil
            })
            if err != nil || !tok.Valid {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }

            claims, ok := tok.Claims.(jwt.MapClaims)
            if !ok {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
            }
            uid, ok := subject(claims)
            if !ok {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid subject"})
            }
            role, _ := claims["role"].(string)

            c.Set(ctxUserID, uid)
            c.Set(ctxRole, role)
            return next(c)
        }
    }
}

// subject reads the numeric user id from the sub claim.  JSON numbers decode
// as float64; string subjects are accepted too.
func subject(claims jwt.MapClaims) (uint64, bool) {
    switch v := claims["sub"].(type) {
    case float64:
        if v <= 0 || v != float64(uint64(v)) {
            return 0, false
        }
        return uint64(v), true
    case string:
        n, err := strconv.ParseUint(v, 10, 64)
        return n, err == nil && n > 0
    }
    return 0, false
}

// UserID returns the authenticated user's id set by JWTAuth.
func UserID(c echo.Context) (uint64, bool) {
    uid, ok := c.Get(ctxUserID).(uint64)
    return uid, ok && uid > 0
}

// userKey identifies the caller for rate limiting and caching.  It returns
// "anon" when no user is authenticated.
func userKey(c echo.Context) string {
    if uid, ok := UserID(c); ok {
        return strconv.FormatUint(uid, 10)
    }
    return "anon"
}
