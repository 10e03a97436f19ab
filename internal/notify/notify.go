// Package notify fans order status changes out to best-effort consumers:
// the customer email sender and the live SSE status stream. Nothing here is
// allowed to affect order-state correctness; publishers fire after the
// storage transaction has committed and failures are logged, never retried
// into the transition path.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/verdandi/internal/domain"
)

// Event describes one committed order status change.
type Event struct {
	OrderID           uuid.UUID          `json:"order_id"`
	ExternalReference string             `json:"external_reference"`
	From              domain.OrderStatus `json:"from"`
	To                domain.OrderStatus `json:"to"`
	PayerEmail        string             `json:"payer_email"`
	TotalCents        int64              `json:"total_cents"`
	OccurredAt        time.Time          `json:"occurred_at"`
}

// Notifier publishes committed status changes to interested consumers.
type Notifier interface {
	OrderStatusChanged(ctx context.Context, ev Event) error
}

// Nop discards all events. Used when NATS is disabled and in tests.
type Nop struct{}

var _ Notifier = (*Nop)(nil)

func (Nop) OrderStatusChanged(context.Context, Event) error { return nil }
