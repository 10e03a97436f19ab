package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OrderStatus enumerates the states of the order lifecycle.
// Orders move only along the edges defined by the lifecycle package.
type OrderStatus string

const (
	StatusPending             OrderStatus = "PENDING"
	StatusPaid                OrderStatus = "PAID"
	StatusReadyForFulfillment OrderStatus = "READY_FOR_FULFILLMENT"
	StatusSentToFulfillment   OrderStatus = "SENT_TO_FULFILLMENT"
	StatusFailedFulfillment   OrderStatus = "FAILED_FULFILLMENT"
	StatusCanceled            OrderStatus = "CANCELED"
	StatusFailed              OrderStatus = "FAILED"
	StatusRefunded            OrderStatus = "REFUNDED"
)

// Actor identifies who (or what) requested an order transition.
// Recorded on every transition log entry.
type Actor string

const (
	ActorCheckout       Actor = "checkout"
	ActorWebhook        Actor = "webhook"
	ActorReconciliation Actor = "reconciliation-job"
	ActorAbandonment    Actor = "abandonment-job"
	ActorAdmin          Actor = "admin"
)

// Order is the aggregate root for a customer purchase.
// Totals and risk fields are computed once at creation and never re-derived;
// a changed total requires a new order. Version is the optimistic concurrency
// token: every mutation is conditioned on it and increments it.
type Order struct {
	ID                 uuid.UUID
	ExternalReference  string
	Status             OrderStatus
	PayerEmail         string
	SubtotalCents      int64
	DiscountCents      int64
	ShippingCents      int64
	TotalCents         int64
	CouponCode         string
	GatewayPaymentID   string
	FulfillmentOrderID string
	RiskScore          int32
	RiskFlags          []string
	ClientIP           string
	UserAgent          string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsTerminal reports whether the order has reached a retained-forever state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCanceled, StatusFailed, StatusRefunded, StatusSentToFulfillment:
		return true
	}
	return false
}

// PaidOrLater reports whether the order has been confirmed paid at some point.
// Used for the idempotency check on duplicate payment confirmations.
func (o *Order) PaidOrLater() bool {
	switch o.Status {
	case StatusPaid, StatusReadyForFulfillment, StatusSentToFulfillment,
		StatusFailedFulfillment, StatusRefunded:
		return true
	}
	return false
}

// OrderItem is an immutable snapshot of a product variant as it existed at
// order-creation time. Later catalog edits never show through.
type OrderItem struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	ProductID      uuid.UUID
	VariantID      uuid.UUID
	ProductName    string
	SKU            string
	Size           string
	Color          string
	Quantity       int32
	UnitPriceCents int64
}

// TransitionLogEntry is one row of the append-only audit trail.
// Entries are never updated or deleted.
type TransitionLogEntry struct {
	ID            int64
	OrderID       uuid.UUID
	FromStatus    OrderStatus
	ToStatus      OrderStatus
	Actor         Actor
	Reason        string
	GatewayStatus string
	CreatedAt     time.Time
}

// OrderDetail aggregates an order with its items and audit trail.
type OrderDetail struct {
	Order       Order
	Items       []OrderItem
	Transitions []TransitionLogEntry
}

// CreateOrderParams carries everything the store needs to create an order
// atomically: the order row, its item snapshots, the coupon usage reservation
// and the stock decrements all commit or roll back together.
type CreateOrderParams struct {
	ExternalReference string
	PayerEmail        string
	SubtotalCents     int64
	DiscountCents     int64
	ShippingCents     int64
	TotalCents        int64
	CouponCode        string
	RiskScore         int32
	RiskFlags         []string
	ClientIP          string
	UserAgent         string
	Items             []OrderItem
}

// TransitionParams describes a single state-machine-approved mutation.
// ExpectedVersion must match the stored row or the store returns ESTALE.
type TransitionParams struct {
	OrderID         uuid.UUID
	ExpectedVersion int64
	From            OrderStatus
	To              OrderStatus
	Actor           Actor
	Reason          string
	// GatewayStatus is the raw gateway status snapshot, recorded on the
	// transition log entry when the trigger was a gateway observation.
	GatewayStatus string
	// FulfillmentOrderID is set only on the fulfillment handoff transition.
	FulfillmentOrderID string
	// ReleaseCoupon returns the reserved coupon usage inside the same
	// storage transaction (cancel and payment-failure paths).
	ReleaseCoupon bool
	// RestoreStock returns reserved variant stock inside the same
	// storage transaction (cancel and payment-failure paths).
	RestoreStock bool
}

// OrderStore is the durable order ledger. Implementations must apply
// transitions with compare-and-swap semantics on Version and append the
// transition log entry in the same transaction.
type OrderStore interface {
	CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByExternalReference(ctx context.Context, ref string) (*Order, error)
	GetOrderItems(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error)
	ListTransitions(ctx context.Context, orderID uuid.UUID) ([]TransitionLogEntry, error)

	// Transition applies one lifecycle edge. Returns ESTALE when
	// ExpectedVersion no longer matches, without changing anything.
	Transition(ctx context.Context, params TransitionParams) (*Order, error)

	// ClaimGatewayPayment atomically claims the order's gateway payment slot
	// with an opaque claim token. Returns ECONFLICT if the slot was already
	// claimed (duplicate payment attempt).
	ClaimGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken string) error

	// ConfirmGatewayPayment replaces the claim token with the real gateway
	// payment id once the gateway accepted the creation call.
	ConfirmGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken, paymentID string) error

	// ReleaseGatewayPayment clears a claim that never completed, so the
	// customer can retry payment creation.
	ReleaseGatewayPayment(ctx context.Context, orderID uuid.UUID, claimToken string) error

	// ListPendingCreatedBetween returns PENDING orders older than graceCutoff
	// and younger than ageCutoff, oldest first. The reconciliation window.
	ListPendingCreatedBetween(ctx context.Context, ageCutoff, graceCutoff time.Time, limit int32) ([]Order, error)

	// ListPendingOlderThan returns PENDING orders created before cutoff,
	// oldest first. The abandonment window.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int32) ([]Order, error)

	ListOrdersByStatus(ctx context.Context, status OrderStatus, limit, offset int32) ([]Order, error)

	// CountRecentOrdersByIP supports the creation-time risk velocity check.
	CountRecentOrdersByIP(ctx context.Context, clientIP string, since time.Time) (int64, error)
}

// WebhookEventStore is the durable dedup set for gateway notifications.
type WebhookEventStore interface {
	// MarkReceived records an event id and reports whether it was new.
	// A false return means the event was already received and the caller
	// must short-circuit to an acknowledgement without reprocessing.
	MarkReceived(ctx context.Context, eventID, paymentID string) (bool, error)

	// MarkProcessed stamps the event once its transition has been applied
	// (or decided to be a no-op).
	MarkProcessed(ctx context.Context, eventID string) error
}

// Order-related domain errors.
var (
	ErrOrderNotFound           = &Error{Code: ENOTFOUND, Message: "Order not found"}
	ErrProductNotFound         = &Error{Code: ENOTFOUND, Message: "Product not found"}
	ErrOutOfStockVariant       = &Error{Code: ECONFLICT, Message: "Insufficient stock for one or more variants"}
	ErrCouponNotFound          = &Error{Code: ENOTFOUND, Message: "Coupon not found"}
	ErrCouponExhausted         = &Error{Code: ECONFLICT, Message: "Coupon usage limit reached"}
	ErrCouponExpired           = &Error{Code: EINVALID, Message: "Coupon expired"}
	ErrDuplicatePaymentAttempt = &Error{Code: ECONFLICT, Message: "Order already has a payment attempt"}
	ErrEmptyOrder              = &Error{Code: EINVALID, Message: "Order has no items"}
)
