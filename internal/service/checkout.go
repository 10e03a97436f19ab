package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

// Shipping pricing. Flat rate, waived above the free-shipping threshold.
const (
	shippingFlatCents          = 500
	freeShippingThresholdCents = 15_000
)

// CreateOrderInput is the checkout intake request.
type CreateOrderInput struct {
	PayerEmail string                 `json:"payer_email" validate:"required,email"`
	Items      []CreateOrderItemInput `json:"items" validate:"required,min=1,max=50,dive"`
	CouponCode string                 `json:"coupon_code" validate:"omitempty,max=32"`

	// Request metadata, filled by the handler, never by the client body.
	ClientIP  string `json:"-"`
	UserAgent string `json:"-"`
}

type CreateOrderItemInput struct {
	VariantID string `json:"variant_id" validate:"required,uuid"`
	Quantity  int32  `json:"quantity" validate:"required,min=1,max=50"`
}

// CheckoutService creates orders and starts payment attempts against the
// gateway. It owns the totals computation: totals are computed exactly once
// here and are immutable afterwards.
type CheckoutService interface {
	// CreateOrder validates items against the live catalog, reserves coupon
	// usage and stock, computes totals and creates the order in PENDING.
	// Never partially creates an order.
	CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error)

	// CreatePixPayment starts a PIX payment attempt for a pending order and
	// returns the QR payload. Exactly one payment attempt can ever be
	// attached to an order; concurrent calls lose with
	// DUPLICATE_PAYMENT_ATTEMPT.
	CreatePixPayment(ctx context.Context, orderID uuid.UUID) (*gateway.Payment, error)

	// CreateCardPayment charges a tokenized card under the same
	// single-attempt rule. Card payments settle synchronously when the
	// gateway answers with a terminal status.
	CreateCardPayment(ctx context.Context, orderID uuid.UUID, cardToken string, installments int32) (*gateway.Payment, error)
}

type checkoutService struct {
	orders   domain.OrderStore
	catalog  domain.CatalogStore
	provider gateway.Provider
	orderSvc OrderService
	risk     *RiskScorer
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCheckoutService creates a new CheckoutService instance.
func NewCheckoutService(orders domain.OrderStore, catalog domain.CatalogStore, provider gateway.Provider, orderSvc OrderService, risk *RiskScorer, logger *slog.Logger) CheckoutService {
	return &checkoutService{
		orders:   orders,
		catalog:  catalog,
		provider: provider,
		orderSvc: orderSvc,
		risk:     risk,
		validate: validator.New(),
		logger:   logger.With("component", "checkout"),
	}
}

func (s *checkoutService) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	const op = "checkout.create_order"

	if err := s.validate.Struct(input); err != nil {
		return nil, domain.WrapError(err, domain.EINVALID, op, "invalid checkout request")
	}

	// Snapshot each variant as it exists right now. Later catalog edits
	// must never show through on the order.
	items := make([]domain.OrderItem, 0, len(input.Items))
	var subtotal int64
	for _, in := range input.Items {
		variantID, err := uuid.Parse(in.VariantID)
		if err != nil {
			return nil, domain.Invalid(op, fmt.Sprintf("invalid variant id: %s", in.VariantID))
		}

		variant, err := s.catalog.GetVariant(ctx, variantID)
		if err != nil {
			return nil, err
		}
		if !variant.Active {
			return nil, domain.ErrProductNotFound
		}
		if variant.Stock < in.Quantity {
			return nil, domain.ErrOutOfStockVariant
		}

		product, err := s.catalog.GetProduct(ctx, variant.ProductID)
		if err != nil {
			return nil, err
		}
		if !product.Active {
			return nil, domain.ErrProductNotFound
		}

		items = append(items, domain.OrderItem{
			ProductID:      product.ID,
			VariantID:      variant.ID,
			ProductName:    product.Name,
			SKU:            variant.SKU,
			Size:           variant.Size,
			Color:          variant.Color,
			Quantity:       in.Quantity,
			UnitPriceCents: variant.PriceCents,
		})
		subtotal += variant.PriceCents * int64(in.Quantity)
	}

	var discount int64
	couponCode := strings.ToUpper(strings.TrimSpace(input.CouponCode))
	if couponCode != "" {
		coupon, err := s.catalog.GetCoupon(ctx, couponCode)
		if err != nil {
			return nil, err
		}
		if !coupon.Active || (coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(time.Now())) {
			return nil, domain.ErrCouponExpired
		}
		if coupon.MaxUses > 0 && coupon.Uses >= coupon.MaxUses {
			return nil, domain.ErrCouponExhausted
		}
		discount = coupon.DiscountFor(subtotal)
	}

	shipping := int64(shippingFlatCents)
	if subtotal-discount >= freeShippingThresholdCents {
		shipping = 0
	}
	total := subtotal - discount + shipping

	score, flags := s.risk.Assess(ctx, RiskInput{
		PayerEmail: input.PayerEmail,
		ClientIP:   input.ClientIP,
		UserAgent:  input.UserAgent,
		TotalCents: total,
	})

	// The store re-guards coupon usage and stock inside the creation
	// transaction; the reads above only produce precise error messages.
	order, err := s.orders.CreateOrder(ctx, domain.CreateOrderParams{
		ExternalReference: newExternalReference(),
		PayerEmail:        input.PayerEmail,
		SubtotalCents:     subtotal,
		DiscountCents:     discount,
		ShippingCents:     shipping,
		TotalCents:        total,
		CouponCode:        couponCode,
		RiskScore:         score,
		RiskFlags:         flags,
		ClientIP:          input.ClientIP,
		UserAgent:         input.UserAgent,
		Items:             items,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		"reference", order.ExternalReference,
		"total_cents", order.TotalCents,
		"items", len(items),
		"risk_score", score)
	if telemetry.Business != nil {
		hasCoupon := "false"
		if couponCode != "" {
			hasCoupon = "true"
		}
		telemetry.Business.OrdersCreated.WithLabelValues(hasCoupon).Inc()
		telemetry.Business.OrderValue.WithLabelValues(hasCoupon).Observe(float64(order.TotalCents))
	}

	return order, nil
}

func (s *checkoutService) CreatePixPayment(ctx context.Context, orderID uuid.UUID) (*gateway.Payment, error) {
	return s.createPayment(ctx, orderID, "pix", func(order *domain.Order, claim string) (*gateway.Payment, error) {
		return s.provider.CreatePixPayment(ctx, gateway.CreatePaymentParams{
			ExternalReference: order.ExternalReference,
			AmountCents:       order.TotalCents,
			Description:       "Order " + order.ExternalReference,
			PayerEmail:        order.PayerEmail,
			IdempotencyKey:    claim,
		})
	})
}

func (s *checkoutService) CreateCardPayment(ctx context.Context, orderID uuid.UUID, cardToken string, installments int32) (*gateway.Payment, error) {
	if cardToken == "" {
		return nil, domain.Invalid("checkout.create_card_payment", "card token is required")
	}
	if installments < 1 {
		installments = 1
	}

	payment, err := s.createPayment(ctx, orderID, "card", func(order *domain.Order, claim string) (*gateway.Payment, error) {
		return s.provider.CreateCardPayment(ctx, gateway.CreateCardPaymentParams{
			CreatePaymentParams: gateway.CreatePaymentParams{
				ExternalReference: order.ExternalReference,
				AmountCents:       order.TotalCents,
				Description:       "Order " + order.ExternalReference,
				PayerEmail:        order.PayerEmail,
				IdempotencyKey:    claim,
			},
			CardToken:    cardToken,
			Installments: installments,
		})
	})
	if err != nil {
		return nil, err
	}

	// Card authorizations usually settle in the same response. Apply the
	// result now instead of waiting for the webhook; both paths converge
	// on the same idempotent transition.
	if payment.Status.Terminal() {
		if _, err := s.orderSvc.ApplyGatewayPayment(ctx, payment, domain.ActorCheckout); err != nil {
			s.logger.Warn("failed to apply synchronous card result",
				"reference", payment.ExternalReference,
				"status", payment.Status,
				"error", err)
		}
	}
	return payment, nil
}

// createPayment runs the two-phase payment attachment: claim the order's
// payment slot, call the gateway, then confirm the real payment id or
// release the claim. The claim token doubles as the gateway idempotency key
// so a retried HTTP call can never charge twice.
func (s *checkoutService) createPayment(ctx context.Context, orderID uuid.UUID, method string, create func(*domain.Order, string) (*gateway.Payment, error)) (*gateway.Payment, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusPending {
		return nil, domain.Conflict("checkout.create_payment", "order is not awaiting payment")
	}

	claim := uuid.NewString()
	if err := s.orders.ClaimGatewayPayment(ctx, orderID, claim); err != nil {
		if domain.IsCode(err, domain.ECONFLICT) && telemetry.Business != nil {
			telemetry.Business.PaymentConflicts.Inc()
		}
		return nil, err
	}

	start := time.Now()
	payment, err := create(order, claim)
	if telemetry.Business != nil {
		telemetry.Business.GatewayLatency.WithLabelValues("create_" + method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// The attempt never produced a payment id; free the slot so the
		// customer can retry.
		if relErr := s.orders.ReleaseGatewayPayment(ctx, orderID, claim); relErr != nil {
			s.logger.Error("failed to release payment claim",
				"reference", order.ExternalReference,
				"error", relErr)
		}
		if telemetry.Business != nil {
			outcome := "unavailable"
			if domain.IsCode(err, domain.EINVALID) {
				outcome = "rejected"
			}
			telemetry.Business.PaymentAttempts.WithLabelValues(method, outcome).Inc()
		}
		return nil, err
	}

	if err := s.orders.ConfirmGatewayPayment(ctx, orderID, claim, payment.ID); err != nil {
		return nil, err
	}

	s.logger.Info("payment attempt created",
		"reference", order.ExternalReference,
		"method", method,
		"payment_id", payment.ID,
		"status", payment.Status)
	if telemetry.Business != nil {
		telemetry.Business.PaymentAttempts.WithLabelValues(method, "created").Inc()
	}
	return payment, nil
}

// newExternalReference generates the public order identifier, e.g.
// VD-20260901-4F2A9C1D. Uniqueness is enforced by the store's unique index.
func newExternalReference() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("VD-%s-%s", time.Now().UTC().Format("20060102"), raw[:8])
}
