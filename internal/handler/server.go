package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/verdandi/internal/handler/webhook"
)

// lookupRateLimit bounds the customer-facing lookup endpoints, which are
// the only unauthenticated read surface and the target of reference
// enumeration attempts.
const lookupRateLimit = 10 // requests/second/IP

// ServerDeps collects everything the HTTP server needs.
type ServerDeps struct {
	Checkout *CheckoutHandler
	Orders   *OrderHandler
	Admin    *AdminHandler
	Webhook  *webhook.GatewayHandler

	AdminToken string
	Ready      func() error // liveness of the storage backend
	Logger     *slog.Logger
}

// NewServer builds the echo instance with all routes and middleware.
func NewServer(deps ServerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(deps.Logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	e.GET("/healthz", func(c echo.Context) error {
		if deps.Ready != nil {
			if err := deps.Ready(); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/webhooks/gateway", deps.Webhook.Handle)

	api := e.Group("/api")
	api.POST("/orders", deps.Checkout.CreateOrder)
	api.POST("/orders/:id/payments/pix", deps.Checkout.CreatePixPayment)
	api.POST("/orders/:id/payments/card", deps.Checkout.CreateCardPayment)

	lookup := api.Group("", middleware.RateLimiter(
		middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      lookupRateLimit,
			Burst:     lookupRateLimit * 2,
			ExpiresIn: 3 * time.Minute,
		}),
	))
	lookup.GET("/orders/:ref", deps.Orders.Get)
	lookup.GET("/orders/:ref/events", deps.Orders.StreamEvents)

	admin := e.Group("/admin", RequireBearerToken(deps.AdminToken))
	admin.GET("/orders", deps.Admin.ListOrders)
	admin.GET("/orders/:id", deps.Admin.GetOrder)
	admin.POST("/orders/:id/mark-sent", deps.Admin.MarkSentToFulfillment)
	admin.POST("/orders/:id/mark-fulfillment-failed", deps.Admin.MarkFulfillmentFailed)
	admin.POST("/orders/:id/cancel", deps.Admin.CancelOrder)
	admin.POST("/orders/:id/sync-payment", deps.Admin.SyncPayment)

	return e
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	})
}
