package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// AdminHandler exposes the privileged order management surface.
type AdminHandler struct {
	orders   service.OrderService
	provider gateway.Provider
	logger   *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(orders service.OrderService, provider gateway.Provider, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		orders:   orders,
		provider: provider,
		logger:   logger.With("component", "admin_handler"),
	}
}

// RequireBearerToken guards admin routes with a static bearer token.
func RequireBearerToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return domain.Errorf(domain.EINTERNAL, "admin.auth", "admin API token is not configured")
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return domain.Unauthorized("admin.auth", "invalid or missing admin token")
			}
			return next(c)
		}
	}
}

type adminOrderResponse struct {
	orderResponse
	PayerEmail         string    `json:"payer_email"`
	CouponCode         string    `json:"coupon_code,omitempty"`
	GatewayPaymentID   string    `json:"gateway_payment_id,omitempty"`
	FulfillmentOrderID string    `json:"fulfillment_order_id,omitempty"`
	RiskScore          int32     `json:"risk_score"`
	RiskFlags          []string  `json:"risk_flags,omitempty"`
	Version            int64     `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toAdminOrderResponse(order *domain.Order) adminOrderResponse {
	return adminOrderResponse{
		orderResponse:      toOrderResponse(order),
		PayerEmail:         order.PayerEmail,
		CouponCode:         order.CouponCode,
		GatewayPaymentID:   order.GatewayPaymentID,
		FulfillmentOrderID: order.FulfillmentOrderID,
		RiskScore:          order.RiskScore,
		RiskFlags:          order.RiskFlags,
		Version:            order.Version,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
}

type transitionResponse struct {
	FromStatus    string    `json:"from_status,omitempty"`
	ToStatus      string    `json:"to_status"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason"`
	GatewayStatus string    `json:"gateway_status,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListOrders handles GET /admin/orders?status=PENDING&limit=50&offset=0.
func (h *AdminHandler) ListOrders(c echo.Context) error {
	status := domain.OrderStatus(c.QueryParam("status"))
	if status == "" {
		return domain.Invalid("admin.list_orders", "status query parameter is required")
	}

	limit := int32(defaultListLimit)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n <= 0 || n > maxListLimit {
			return domain.Invalid("admin.list_orders", "limit must be between 1 and 200")
		}
		limit = int32(n)
	}
	var offset int32
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 0 {
			return domain.Invalid("admin.list_orders", "offset must be non-negative")
		}
		offset = int32(n)
	}

	orders, err := h.orders.ListByStatus(c.Request().Context(), status, limit, offset)
	if err != nil {
		return err
	}

	resp := make([]adminOrderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toAdminOrderResponse(&orders[i]))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"orders": resp})
}

// GetOrder handles GET /admin/orders/:id — full detail including the
// transition log and raw gateway status snapshots.
func (h *AdminHandler) GetOrder(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("admin.get_order", "invalid order id")
	}

	detail, err := h.orders.GetDetail(c.Request().Context(), orderID)
	if err != nil {
		return err
	}

	items := make([]orderItemResponse, 0, len(detail.Items))
	for _, item := range detail.Items {
		items = append(items, orderItemResponse{
			ProductName:    item.ProductName,
			SKU:            item.SKU,
			Size:           item.Size,
			Color:          item.Color,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	transitions := make([]transitionResponse, 0, len(detail.Transitions))
	for _, tr := range detail.Transitions {
		transitions = append(transitions, transitionResponse{
			FromStatus:    string(tr.FromStatus),
			ToStatus:      string(tr.ToStatus),
			Actor:         string(tr.Actor),
			Reason:        tr.Reason,
			GatewayStatus: tr.GatewayStatus,
			CreatedAt:     tr.CreatedAt,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"order":       toAdminOrderResponse(&detail.Order),
		"items":       items,
		"transitions": transitions,
	})
}

type markSentRequest struct {
	FulfillmentOrderID string `json:"fulfillment_order_id"`
	Note               string `json:"note"`
}

// MarkSentToFulfillment handles POST /admin/orders/:id/mark-sent.
func (h *AdminHandler) MarkSentToFulfillment(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("admin.mark_sent", "invalid order id")
	}
	var req markSentRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("admin.mark_sent", "invalid request body")
	}

	order, err := h.orders.MarkSentToFulfillment(c.Request().Context(), orderID, req.FulfillmentOrderID, req.Note, domain.ActorAdmin)
	if err != nil {
		return err
	}
	h.logger.Info("order marked sent to fulfillment",
		"reference", order.ExternalReference,
		"fulfillment_order_id", req.FulfillmentOrderID)
	return c.JSON(http.StatusOK, toAdminOrderResponse(order))
}

type markFailedRequest struct {
	Reason string `json:"reason"`
}

// MarkFulfillmentFailed handles POST /admin/orders/:id/mark-fulfillment-failed.
func (h *AdminHandler) MarkFulfillmentFailed(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("admin.mark_failed", "invalid order id")
	}
	var req markFailedRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("admin.mark_failed", "invalid request body")
	}

	order, err := h.orders.MarkFulfillmentFailed(c.Request().Context(), orderID, req.Reason, domain.ActorAdmin)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAdminOrderResponse(order))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /admin/orders/:id/cancel.
func (h *AdminHandler) CancelOrder(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("admin.cancel", "invalid order id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("admin.cancel", "invalid request body")
	}

	order, err := h.orders.Cancel(c.Request().Context(), orderID, domain.ActorAdmin, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAdminOrderResponse(order))
}

// SyncPayment handles POST /admin/orders/:id/sync-payment: re-fetch the
// gateway's view of the order's payment and apply it, e.g. to pull in a
// refund processed on the gateway side before its webhook arrives.
func (h *AdminHandler) SyncPayment(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("admin.sync_payment", "invalid order id")
	}

	detail, err := h.orders.GetDetail(c.Request().Context(), orderID)
	if err != nil {
		return err
	}
	if detail.Order.GatewayPaymentID == "" {
		return domain.Invalid("admin.sync_payment", "order has no gateway payment attached")
	}

	payment, err := h.provider.FetchPayment(c.Request().Context(), detail.Order.GatewayPaymentID)
	if err != nil {
		return err
	}

	outcome, err := h.orders.ApplyGatewayPayment(c.Request().Context(), payment, domain.ActorAdmin)
	if err != nil {
		return err
	}
	h.logger.Info("payment synced from gateway",
		"reference", detail.Order.ExternalReference,
		"gateway_status", payment.Status,
		"outcome", outcome)

	updated, err := h.orders.GetDetail(c.Request().Context(), orderID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"outcome":        outcome,
		"gateway_status": string(payment.Status),
		"order":          toAdminOrderResponse(&updated.Order),
	})
}
