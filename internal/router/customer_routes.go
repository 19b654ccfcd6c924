package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/token"
)

// RegisterCustomer registers customer-scoped endpoints under /v1/customer.
// All routes require a valid customer token.
func RegisterCustomer(api *echo.Group, h Handlers, o Options) {
	g := api.Group("/customer", middleware.Auth(o.Tokens, token.Customer))

	g.POST("/sessions/end-others", h.Auth.EndOtherSessions(token.Customer))

	g.GET("/cards", h.Cards.List)
	g.POST("/cards/bank", h.Cards.StartLink)
	g.POST("/cards/bank/confirm", h.Cards.ConfirmLink)
	g.POST("/cards/transport", h.Cards.AddTransport)
	g.DELETE("/cards/:id", h.Cards.Remove)
	g.GET("/cards/:id/transport-balance", h.Payments.TransportBalance)

	g.POST("/topups", h.Payments.TopUp)
	g.POST("/payments", h.Payments.Pay)
	g.GET("/transactions", h.Payments.History)

	// the station list changes rarely and the aggregator is slow
	if o.Redis != nil {
		g.GET("/stations", h.Payments.Stations, middleware.NewResponseCache(o.Cache, o.Redis))
	} else {
		g.GET("/stations", h.Payments.Stations)
	}
}
