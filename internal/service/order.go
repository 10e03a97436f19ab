package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/lifecycle"
	"github.com/dukerupert/verdandi/internal/notify"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

// staleRetryLimit bounds read-modify-write retries on version conflicts.
// Webhook and reconciliation callers retry; the abandonment path does not.
const staleRetryLimit = 3

// Outcomes of applying a gateway observation.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

// OrderService drives order state changes through the lifecycle machine.
// Every mutation goes through the store's version-checked transition.
type OrderService interface {
	// ApplyGatewayPayment maps an authoritative gateway payment snapshot to
	// a lifecycle transition and applies it. Duplicate confirmations and
	// non-terminal gateway statuses are no-ops. Retries stale writes up to
	// staleRetryLimit times.
	ApplyGatewayPayment(ctx context.Context, payment *gateway.Payment, actor domain.Actor) (string, error)

	// MarkReadyForFulfillment runs the internal readiness transition on a
	// paid order.
	MarkReadyForFulfillment(ctx context.Context, orderID uuid.UUID, actor domain.Actor) (*domain.Order, error)

	// MarkSentToFulfillment records a successful fulfillment handoff.
	// Privileged: admin or the handoff automation only.
	MarkSentToFulfillment(ctx context.Context, orderID uuid.UUID, fulfillmentOrderID, note string, actor domain.Actor) (*domain.Order, error)

	// MarkFulfillmentFailed records a failed handoff so it can be retried.
	MarkFulfillmentFailed(ctx context.Context, orderID uuid.UUID, reason string, actor domain.Actor) (*domain.Order, error)

	// Cancel cancels a pending order. ESTALE is surfaced to the caller.
	Cancel(ctx context.Context, orderID uuid.UUID, actor domain.Actor, reason string) (*domain.Order, error)

	// CancelAbandoned cancels an order left unpaid past the deadline.
	// A stale write means someone else resolved the order first and is
	// treated as success-without-action.
	CancelAbandoned(ctx context.Context, order domain.Order) error

	// GetForCustomer returns order detail by external reference, only when
	// the requesting email matches the payer email. Mismatches look
	// identical to a missing order so references cannot be enumerated.
	GetForCustomer(ctx context.Context, externalReference, email string) (*domain.OrderDetail, error)

	// GetDetail returns full order detail including the transition log.
	GetDetail(ctx context.Context, orderID uuid.UUID) (*domain.OrderDetail, error)

	ListByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int32) ([]domain.Order, error)
}

type orderService struct {
	orders   domain.OrderStore
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewOrderService creates a new OrderService instance.
func NewOrderService(orders domain.OrderStore, notifier notify.Notifier, logger *slog.Logger) OrderService {
	return &orderService{
		orders:   orders,
		notifier: notifier,
		logger:   logger.With("component", "orders"),
	}
}

// targetStatus maps the gateway's vocabulary onto lifecycle targets.
// Non-terminal gateway statuses have no target: we wait for a later
// webhook or reconciliation pass.
func targetStatus(s gateway.Status) (domain.OrderStatus, bool) {
	switch s {
	case gateway.StatusApproved:
		return domain.StatusPaid, true
	case gateway.StatusRejected, gateway.StatusCancelled:
		return domain.StatusFailed, true
	case gateway.StatusRefunded, gateway.StatusChargedBack:
		return domain.StatusRefunded, true
	}
	return "", false
}

func (s *orderService) ApplyGatewayPayment(ctx context.Context, payment *gateway.Payment, actor domain.Actor) (string, error) {
	const op = "order.apply_gateway_payment"

	target, ok := targetStatus(payment.Status)
	if !ok {
		return OutcomeNoop, nil
	}

	for attempt := 0; attempt < staleRetryLimit; attempt++ {
		order, err := s.orders.GetOrderByExternalReference(ctx, payment.ExternalReference)
		if err != nil {
			return "", err
		}

		// Duplicate delivery of a confirmation already applied: success,
		// no new transition, no new side effects.
		if target == domain.StatusPaid && order.PaidOrLater() && order.GatewayPaymentID == payment.ID {
			return OutcomeNoop, nil
		}
		if order.Status == target {
			return OutcomeNoop, nil
		}

		reason := fmt.Sprintf("gateway reported %s for payment %s", payment.Status, payment.ID)
		updated, err := s.transition(ctx, order, target, actor, reason, string(payment.Status), "")
		if domain.IsCode(err, domain.ESTALE) {
			s.logger.Debug("stale write applying gateway payment, retrying",
				"reference", payment.ExternalReference,
				"attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", err
		}

		// Stock was reserved at creation and the address validated at
		// intake, so a freshly paid order is immediately ready. Failures
		// here are recoverable via the admin path and must not undo the
		// payment confirmation.
		if target == domain.StatusPaid {
			if _, err := s.transition(ctx, updated, domain.StatusReadyForFulfillment, actor,
				"readiness check passed after payment", "", ""); err != nil {
				s.logger.Warn("paid order not advanced to ready",
					"reference", order.ExternalReference,
					"error", err)
			}
		}
		return OutcomeApplied, nil
	}

	return "", domain.Stale(op)
}

func (s *orderService) MarkReadyForFulfillment(ctx context.Context, orderID uuid.UUID, actor domain.Actor) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, order, domain.StatusReadyForFulfillment, actor, "readiness check passed", "", "")
}

func (s *orderService) MarkSentToFulfillment(ctx context.Context, orderID uuid.UUID, fulfillmentOrderID, note string, actor domain.Actor) (*domain.Order, error) {
	if fulfillmentOrderID == "" {
		return nil, domain.Invalid("order.mark_sent", "fulfillment order id is required")
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	reason := "handed to fulfillment partner"
	if note != "" {
		reason = reason + ": " + note
	}
	return s.transition(ctx, order, domain.StatusSentToFulfillment, actor, reason, "", fulfillmentOrderID)
}

func (s *orderService) MarkFulfillmentFailed(ctx context.Context, orderID uuid.UUID, reason string, actor domain.Actor) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "fulfillment handoff failed"
	}
	return s.transition(ctx, order, domain.StatusFailedFulfillment, actor, reason, "", "")
}

func (s *orderService) Cancel(ctx context.Context, orderID uuid.UUID, actor domain.Actor, reason string) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "canceled on request"
	}
	return s.transition(ctx, order, domain.StatusCanceled, actor, reason, "", "")
}

func (s *orderService) CancelAbandoned(ctx context.Context, order domain.Order) error {
	_, err := s.transition(ctx, &order, domain.StatusCanceled, domain.ActorAbandonment,
		"abandoned: unpaid past deadline", "", "")
	if domain.IsCode(err, domain.ESTALE) {
		// A webhook or reconciliation pass got there first.
		s.logger.Info("abandonment skipped, order resolved concurrently",
			"reference", order.ExternalReference)
		return nil
	}
	return err
}

func (s *orderService) GetForCustomer(ctx context.Context, externalReference, email string) (*domain.OrderDetail, error) {
	order, err := s.orders.GetOrderByExternalReference(ctx, externalReference)
	if err != nil {
		return nil, err
	}
	if order.PayerEmail != email {
		return nil, domain.ErrOrderNotFound
	}

	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &domain.OrderDetail{Order: *order, Items: items}, nil
}

func (s *orderService) GetDetail(ctx context.Context, orderID uuid.UUID) (*domain.OrderDetail, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items, err := s.orders.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.orders.ListTransitions(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &domain.OrderDetail{Order: *order, Items: items, Transitions: transitions}, nil
}

func (s *orderService) ListByStatus(ctx context.Context, status domain.OrderStatus, limit, offset int32) ([]domain.Order, error) {
	if !lifecycle.KnownStatus(status) {
		return nil, domain.Invalid("order.list_by_status", "unknown order status")
	}
	return s.orders.ListOrdersByStatus(ctx, status, limit, offset)
}

// transition asks the lifecycle machine for the edge's side effects and
// applies the version-checked store transition. Invariant-affecting effects
// (coupon release, stock restore) travel inside the store transaction; the
// customer notification fires only after commit.
func (s *orderService) transition(ctx context.Context, order *domain.Order, to domain.OrderStatus, actor domain.Actor, reason, gatewayStatus, fulfillmentOrderID string) (*domain.Order, error) {
	fx, err := lifecycle.Plan(order.Status, to)
	if err != nil {
		s.logger.Error("illegal transition requested",
			"reference", order.ExternalReference,
			"from", order.Status,
			"to", to,
			"actor", actor)
		telemetry.CaptureOrderError(err, order.ExternalReference, map[string]interface{}{
			"from":  string(order.Status),
			"to":    string(to),
			"actor": string(actor),
		})
		return nil, err
	}

	updated, err := s.orders.Transition(ctx, domain.TransitionParams{
		OrderID:            order.ID,
		ExpectedVersion:    order.Version,
		From:               order.Status,
		To:                 to,
		Actor:              actor,
		Reason:             reason,
		GatewayStatus:      gatewayStatus,
		FulfillmentOrderID: fulfillmentOrderID,
		ReleaseCoupon:      fx.ReleaseCoupon,
		RestoreStock:       fx.RestoreStock,
	})
	if err != nil {
		if domain.IsCode(err, domain.ESTALE) && telemetry.Business != nil {
			telemetry.Business.TransitionStale.WithLabelValues(string(actor)).Inc()
		}
		return nil, err
	}

	s.logger.Info("order transitioned",
		"reference", updated.ExternalReference,
		"from", order.Status,
		"to", to,
		"actor", actor,
		"version", updated.Version)
	if telemetry.Business != nil {
		telemetry.Business.OrderTransitions.WithLabelValues(string(order.Status), string(to), string(actor)).Inc()
	}

	if fx.NotifyCustomer {
		ev := notify.Event{
			OrderID:           updated.ID,
			ExternalReference: updated.ExternalReference,
			From:              order.Status,
			To:                to,
			PayerEmail:        updated.PayerEmail,
			TotalCents:        updated.TotalCents,
			OccurredAt:        time.Now().UTC(),
		}
		if err := s.notifier.OrderStatusChanged(ctx, ev); err != nil {
			s.logger.Warn("customer notification failed",
				"reference", updated.ExternalReference,
				"to", to,
				"error", err)
		}
	}

	return updated, nil
}
