// Package webhook ingests payment gateway notifications. The body of a
// notification is adversarial input: only the event id and payment id are
// read from it, and the payment status is always re-fetched from the
// gateway before any transition is attempted.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/service"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

// maxPayloadBytes bounds how much of a webhook body is read.
const maxPayloadBytes = 64 << 10

// SignatureHeader carries the HMAC signature of the raw request body.
const SignatureHeader = "X-Signature"

// event is the only part of the notification body we trust: identifiers.
type event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// GatewayHandler processes inbound gateway notifications.
type GatewayHandler struct {
	provider gateway.Provider
	orderSvc service.OrderService
	events   domain.WebhookEventStore
	logger   *slog.Logger
}

// NewGatewayHandler creates a webhook handler.
func NewGatewayHandler(provider gateway.Provider, orderSvc service.OrderService, events domain.WebhookEventStore, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		provider: provider,
		orderSvc: orderSvc,
		events:   events,
		logger:   logger.With("component", "webhook"),
	}
}

// Handle is the webhook endpoint. Response contract: 401 on a bad
// signature, 400 on an unreadable body, and 200 for everything after the
// event id is durably recorded. The gateway retries non-200 responses;
// once ingestion is recorded, the reconciler is our retry mechanism, not
// gateway redelivery.
func (h *GatewayHandler) Handle(c echo.Context) error {
	start := time.Now()
	defer func() {
		if telemetry.Business != nil {
			telemetry.Business.WebhookLatency.Observe(time.Since(start).Seconds())
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes))
	if err != nil {
		return domain.Invalid("webhook.handle", "unreadable request body")
	}

	signature := c.Request().Header.Get(SignatureHeader)
	if err := h.provider.VerifyWebhookSignature(payload, signature); err != nil {
		h.logger.Warn("webhook signature verification failed",
			"remote_ip", c.RealIP(),
			"payload_bytes", len(payload))
		return domain.Unauthorized("webhook.handle", "invalid webhook signature")
	}

	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Invalid("webhook.handle", "malformed notification body")
	}
	if ev.ID == "" || ev.Data.ID == "" {
		return domain.Invalid("webhook.handle", "notification is missing event or payment id")
	}

	eventType := ev.Action
	if eventType == "" {
		eventType = ev.Type
	}
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
	}

	ctx := c.Request().Context()

	isNew, err := h.events.MarkReceived(ctx, ev.ID, ev.Data.ID)
	if err != nil {
		// Not durably recorded yet: this is the one storage failure where a
		// non-200 is wanted, so the gateway redelivers.
		return domain.Internal(err, "webhook.handle", "failed to record webhook event")
	}
	if !isNew {
		h.logger.Info("duplicate webhook event", "event_id", ev.ID)
		if telemetry.Business != nil {
			telemetry.Business.WebhookDuplicate.Inc()
		}
		return c.JSON(http.StatusOK, map[string]bool{"received": true})
	}

	h.process(ctx, ev, eventType)

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

// process re-fetches the authoritative payment state and drives it through
// the state machine. Failures past this point are still acknowledged with
// 200: the event is durably recorded and the reconciler retries anything
// left unresolved, so gateway redelivery buys nothing.
func (h *GatewayHandler) process(ctx context.Context, ev event, eventType string) {
	payment, err := h.provider.FetchPayment(ctx, ev.Data.ID)
	if err != nil {
		h.logger.Warn("failed to fetch payment for webhook, leaving to reconciler",
			"event_id", ev.ID,
			"payment_id", ev.Data.ID,
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(eventType, domain.ErrorCode(err)).Inc()
		}
		return
	}

	outcome, err := h.orderSvc.ApplyGatewayPayment(ctx, payment, domain.ActorWebhook)
	switch {
	case domain.IsCode(err, domain.ENOTFOUND):
		// No order with this correlation id. Recorded, discarded, never
		// fabricated.
		h.logger.Warn("webhook for unknown order discarded",
			"event_id", ev.ID,
			"payment_id", payment.ID,
			"external_reference", payment.ExternalReference)
		if telemetry.Business != nil {
			telemetry.Business.WebhookProcessed.WithLabelValues(eventType, "discarded").Inc()
		}
	case err != nil:
		h.logger.Error("failed to apply webhook transition",
			"event_id", ev.ID,
			"payment_id", payment.ID,
			"gateway_status", payment.Status,
			"error", err)
		telemetry.CaptureOrderError(err, payment.ExternalReference, map[string]interface{}{
			"event_id":       ev.ID,
			"gateway_status": string(payment.Status),
		})
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(eventType, domain.ErrorCode(err)).Inc()
		}
		return
	default:
		if telemetry.Business != nil {
			telemetry.Business.WebhookProcessed.WithLabelValues(eventType, outcome).Inc()
		}
	}

	if err := h.events.MarkProcessed(ctx, ev.ID); err != nil {
		h.logger.Warn("failed to stamp webhook event processed",
			"event_id", ev.ID,
			"error", err)
	}
}
