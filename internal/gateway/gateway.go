package gateway

import (
	"context"
	"time"
)

// Provider is the only doorway to the external payment gateway.
// Implementations must treat the gateway as an untrusted, eventually
// consistent oracle: callers re-fetch authoritative status by id and never
// act on webhook payload claims.
type Provider interface {
	// FetchPayment retrieves the authoritative state of a payment by id.
	FetchPayment(ctx context.Context, paymentID string) (*Payment, error)

	// CreatePixPayment creates a PIX payment attempt for an order.
	// The idempotency key must be stable across client retries so a flaky
	// network cannot produce two charges.
	CreatePixPayment(ctx context.Context, params CreatePaymentParams) (*Payment, error)

	// CreateCardPayment charges a tokenized card for an order, under the
	// same idempotency rules as CreatePixPayment.
	CreateCardPayment(ctx context.Context, params CreateCardPaymentParams) (*Payment, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	// Returns ErrInvalidSignature on mismatch.
	VerifyWebhookSignature(payload []byte, signature string) error
}

// Status is the gateway's payment status vocabulary.
type Status string

const (
	StatusApproved    Status = "approved"
	StatusAuthorized  Status = "authorized"
	StatusInProcess   Status = "in_process"
	StatusPending     Status = "pending"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// Terminal reports whether the gateway considers this status settled.
// Non-terminal statuses are left for a later webhook or reconciliation pass.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack:
		return true
	}
	return false
}

// Payment is the gateway-side record of a payment attempt.
type Payment struct {
	ID string

	// ExternalReference is the order correlation id passed at creation.
	// It is the only key used to find the local order.
	ExternalReference string

	Status       Status
	StatusDetail string
	AmountCents  int64
	Method       string // "pix" or "card"

	// PIX fields, set only for PIX payments.
	PixQRCode    string
	PixCopyPaste string
	PixExpiresAt time.Time

	CreatedAt time.Time
}

// CreatePaymentParams contains the fields common to all payment creations.
type CreatePaymentParams struct {
	// ExternalReference correlates the gateway payment back to our order.
	ExternalReference string

	AmountCents int64
	Description string
	PayerEmail  string

	// IdempotencyKey dedupes creation calls gateway-side. Derived from the
	// order's claim token so retries of the same claim never double-charge.
	IdempotencyKey string
}

// CreateCardPaymentParams adds the tokenized card. Raw card data never
// touches this system.
type CreateCardPaymentParams struct {
	CreatePaymentParams

	CardToken    string
	Installments int32
}
