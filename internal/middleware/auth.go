package middleware

import (
	"context"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/token"
)

// DeviceHeader carries the client's stable device identifier.  The adaptive
// limiter and device sessions are keyed by it.
const DeviceHeader = "X-Device-ID"

const (
	principalKey = "principal_id"
	tokenKey     = "token"
	roleKey      = "role"
)

// TokenValidator is the single gate in front of every protected route.
type TokenValidator interface {
	Validate(ctx context.Context, tok string, required token.Role) (string, error)
}

// Auth validates the bearer token for role and stores the principal in the
// echo context.  Failures are returned as *apperr.Error and rendered by the
// central error handler.
func Auth(tokens TokenValidator, role token.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			id, err := tokens.Validate(c.Request().Context(), raw, role)
			if err != nil {
				return err
			}
			pid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return apperr.Wrap(apperr.InvalidToken, err)
			}
			c.Set(principalKey, pid)
			c.Set(tokenKey, raw)
			c.Set(roleKey, role)
			return next(c)
		}
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// PrincipalID returns the id stored by Auth, or 0 on public routes.
func PrincipalID(c echo.Context) int64 {
	id, _ := c.Get(principalKey).(int64)
	return id
}

// Token returns the raw bearer token of an authenticated request.
func Token(c echo.Context) string {
	tok, _ := c.Get(tokenKey).(string)
	return tok
}

// DeviceID returns the trimmed device header.
func DeviceID(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(DeviceHeader))
}
