// Package router builds the echo instance and registers every route.
package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/paylink/internal/config"
	"github.com/iliyamo/paylink/internal/handler"
	"github.com/iliyamo/paylink/internal/metrics"
	"github.com/iliyamo/paylink/internal/middleware"
)

// Handlers groups the HTTP handlers mounted by New.
type Handlers struct {
	Auth     *handler.AuthHandler
	Cards    *handler.CardHandler
	Payments *handler.PaymentHandler
	Merchant *handler.MerchantHandler
	QR       *handler.QRHandler
}

// Options configures the shared middleware.  A nil Redis client disables
// the token bucket and the response cache.
type Options struct {
	Redis     redis.UniversalClient
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Metrics   *metrics.Metrics
	Tokens    middleware.TokenValidator
	Ready     map[string]handler.Pinger
}

// New returns an echo instance with every route registered.
func New(h Handlers, o Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(o.Metrics))

	RegisterRoutes(e, o)

	api := e.Group("/v1")
	if o.Redis != nil {
		api.Use(middleware.NewTokenBucket(o.RateLimit, o.Redis))
	}
	RegisterAuth(api, h.Auth, o.Tokens)
	RegisterCustomer(api, h, o)
	RegisterMerchant(api, h, o.Tokens)
	return e
}

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, o Options) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(o.Ready))
	if o.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(o.Metrics.Handler()))
	}
}
