package middleware

import (
    "net/http"

    "github.com/labstack/echo/v4"
)

// Roles carried in the JWT role claim.
const (
    RoleCustomer = "CUSTOMER"
    RoleOperator = "OPERATOR"
)

// RequireRole returns a middleware function that enforces that the
// authenticated user has one of the specified roles.  If the user's role is
// not in the allowed set, the request is aborted with a 403 Forbidden
// response.  It assumes JWTAuth ran before it.
func RequireRole(roles ...string) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[r] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            role, ok := c.Get(ctxRole).(string)
            if !ok || !allowed[role] {
                return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
            }
            return next(c)
        }
    }
}
