package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/service"
)

// CheckoutHandler exposes order creation and payment attempt endpoints.
type CheckoutHandler struct {
	checkout service.CheckoutService
	logger   *slog.Logger
}

// NewCheckoutHandler creates a checkout handler.
func NewCheckoutHandler(checkout service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		logger:   logger.With("component", "checkout_handler"),
	}
}

type orderResponse struct {
	OrderID           uuid.UUID `json:"order_id"`
	ExternalReference string    `json:"external_reference"`
	Status            string    `json:"status"`
	SubtotalCents     int64     `json:"subtotal_cents"`
	DiscountCents     int64     `json:"discount_cents"`
	ShippingCents     int64     `json:"shipping_cents"`
	TotalCents        int64     `json:"total_cents"`
}

func toOrderResponse(order *domain.Order) orderResponse {
	return orderResponse{
		OrderID:           order.ID,
		ExternalReference: order.ExternalReference,
		Status:            string(order.Status),
		SubtotalCents:     order.SubtotalCents,
		DiscountCents:     order.DiscountCents,
		ShippingCents:     order.ShippingCents,
		TotalCents:        order.TotalCents,
	}
}

// CreateOrder handles POST /api/orders.
func (h *CheckoutHandler) CreateOrder(c echo.Context) error {
	var input service.CreateOrderInput
	if err := c.Bind(&input); err != nil {
		return domain.Invalid("checkout.create_order", "invalid request body")
	}
	// Request metadata for the risk recorder comes from the connection, not
	// the payload.
	input.ClientIP = c.RealIP()
	input.UserAgent = c.Request().UserAgent()

	order, err := h.checkout.CreateOrder(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toOrderResponse(order))
}

type pixPaymentResponse struct {
	PaymentID    string    `json:"payment_id"`
	Status       string    `json:"status"`
	PixQRCode    string    `json:"pix_qr_code"`
	PixCopyPaste string    `json:"pix_copy_paste"`
	PixExpiresAt time.Time `json:"pix_expires_at"`
}

// CreatePixPayment handles POST /api/orders/:id/payments/pix.
func (h *CheckoutHandler) CreatePixPayment(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("checkout.create_pix", "invalid order id")
	}

	payment, err := h.checkout.CreatePixPayment(c.Request().Context(), orderID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, pixPaymentResponse{
		PaymentID:    payment.ID,
		Status:       string(payment.Status),
		PixQRCode:    payment.PixQRCode,
		PixCopyPaste: payment.PixCopyPaste,
		PixExpiresAt: payment.PixExpiresAt,
	})
}

type cardPaymentRequest struct {
	CardToken    string `json:"card_token"`
	Installments int32  `json:"installments"`
}

type cardPaymentResponse struct {
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`
}

// CreateCardPayment handles POST /api/orders/:id/payments/card.
func (h *CheckoutHandler) CreateCardPayment(c echo.Context) error {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domain.Invalid("checkout.create_card", "invalid order id")
	}

	var req cardPaymentRequest
	if err := c.Bind(&req); err != nil {
		return domain.Invalid("checkout.create_card", "invalid request body")
	}
	if req.Installments <= 0 {
		req.Installments = 1
	}

	payment, err := h.checkout.CreateCardPayment(c.Request().Context(), orderID, req.CardToken, req.Installments)
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if payment.Status == gateway.StatusRejected || payment.Status == gateway.StatusCancelled {
		// The attempt was created but the charge was declined; tell the
		// storefront in-band rather than via the error path.
		status = http.StatusPaymentRequired
	}
	return c.JSON(status, cardPaymentResponse{
		PaymentID:    payment.ID,
		Status:       string(payment.Status),
		StatusDetail: payment.StatusDetail,
	})
}
