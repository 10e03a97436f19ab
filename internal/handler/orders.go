package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/notify"
	"github.com/dukerupert/verdandi/internal/service"
)

// sseHeartbeat keeps intermediaries from closing an idle event stream.
const sseHeartbeat = 25 * time.Second

// OrderHandler exposes the customer-facing order surface: lookup by
// external reference and the live status event stream.
type OrderHandler struct {
	orders service.OrderService
	nats   *nats.Conn // nil when NATS is disabled
	logger *slog.Logger
}

// NewOrderHandler creates a customer order handler.
func NewOrderHandler(orders service.OrderService, natsConn *nats.Conn, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		nats:   natsConn,
		logger: logger.With("component", "order_handler"),
	}
}

type orderItemResponse struct {
	ProductName    string `json:"product_name"`
	SKU            string `json:"sku"`
	Size           string `json:"size,omitempty"`
	Color          string `json:"color,omitempty"`
	Quantity       int32  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type orderDetailResponse struct {
	orderResponse
	Items     []orderItemResponse `json:"items"`
	CreatedAt time.Time           `json:"created_at"`
}

// Get handles GET /api/orders/:ref. The payer email must be supplied and
// match the order; a mismatch is indistinguishable from a missing order so
// references cannot be enumerated.
func (h *OrderHandler) Get(c echo.Context) error {
	ref := c.Param("ref")
	email := c.QueryParam("email")
	if email == "" {
		return domain.Invalid("order.get", "email query parameter is required")
	}

	detail, err := h.orders.GetForCustomer(c.Request().Context(), ref, email)
	if err != nil {
		return err
	}

	resp := orderDetailResponse{
		orderResponse: toOrderResponse(&detail.Order),
		CreatedAt:     detail.Order.CreatedAt,
		Items:         make([]orderItemResponse, 0, len(detail.Items)),
	}
	for _, item := range detail.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductName:    item.ProductName,
			SKU:            item.SKU,
			Size:           item.Size,
			Color:          item.Color,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// StreamEvents handles GET /api/orders/:ref/events — an SSE stream of
// status changes for one order, fed by the NATS transition events. The
// same email check as Get applies before anything is streamed.
func (h *OrderHandler) StreamEvents(c echo.Context) error {
	ref := c.Param("ref")
	email := c.QueryParam("email")
	if email == "" {
		return domain.Invalid("order.stream", "email query parameter is required")
	}
	if h.nats == nil {
		return domain.Errorf(domain.EINTERNAL, "order.stream", "live status stream is not enabled")
	}

	detail, err := h.orders.GetForCustomer(c.Request().Context(), ref, email)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	// Current status first, so a client reconnecting after a missed event
	// is immediately consistent.
	fmt.Fprintf(res, "event: status\ndata: {\"status\":%q}\n\n", detail.Order.Status)
	res.Flush()

	events := make(chan *nats.Msg, 8)
	sub, err := h.nats.ChanSubscribe(notify.SubjectFor(ref), events)
	if err != nil {
		h.logger.Error("failed to subscribe to order events",
			"reference", ref,
			"error", err)
		return nil
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe order event stream", "error", err)
		}
	}()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case msg := <-events:
			fmt.Fprintf(res, "event: status\ndata: %s\n\n", msg.Data)
			res.Flush()
		case <-heartbeat.C:
			fmt.Fprint(res, ": keepalive\n\n")
			res.Flush()
		}
	}
}
