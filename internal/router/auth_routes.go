package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/handler"
	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/token"
)

// RegisterAuth registers registration and login for both roles.  Logout
// only needs a valid token of either role, so it is mounted twice.
func RegisterAuth(g *echo.Group, a *handler.AuthHandler, tokens middleware.TokenValidator) {
	g.POST("/customers/register", a.RegisterCustomer)
	g.POST("/customers/login", a.LoginCustomer)
	g.POST("/merchants/register", a.RegisterMerchant)
	g.POST("/merchants/login", a.LoginMerchant)

	g.POST("/customers/logout", a.Logout, middleware.Auth(tokens, token.Customer))
	g.POST("/merchants/logout", a.Logout, middleware.Auth(tokens, token.Merchant))
}
