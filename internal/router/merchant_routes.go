package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/token"
)

// RegisterMerchant registers merchant endpoints under /v1/merchant and the
// QR login flow.  Creating a ticket and waiting on it are public: the
// browser has no session yet.
func RegisterMerchant(api *echo.Group, h Handlers, tokens middleware.TokenValidator) {
	api.POST("/qr/tickets", h.QR.CreateTicket)
	api.GET("/qr/tickets/:key/socket", h.QR.Socket)

	g := api.Group("/merchant", middleware.Auth(tokens, token.Merchant))
	g.GET("/me", h.Merchant.Me)
	g.POST("/email/code", h.Merchant.SendEmailCode)
	g.POST("/email/verify", h.Merchant.VerifyEmail)
	g.POST("/sessions/end-others", h.Auth.EndOtherSessions(token.Merchant))
	g.POST("/qr/approve", h.QR.Approve)
}
