package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/verdandi/internal/domain"
	"github.com/dukerupert/verdandi/internal/gateway"
	"github.com/dukerupert/verdandi/internal/service"
	"github.com/dukerupert/verdandi/internal/telemetry"
)

// CancellerConfig tunes the abandonment loop.
type CancellerConfig struct {
	// Interval between passes.
	Interval time.Duration

	// AbandonAfter is the age past which a PENDING order is considered
	// abandoned. Must be comfortably larger than the reconciler's grace.
	AbandonAfter time.Duration

	// BatchSize caps orders touched per pass.
	BatchSize int32
}

// Canceller cancels PENDING orders nobody ever paid for, releasing their
// coupon and stock reservations. Orders with a payment attached get one
// last gateway check before cancellation so a lost approval is never
// thrown away.
type Canceller struct {
	cfg      CancellerConfig
	orders   domain.OrderStore
	provider gateway.Provider
	orderSvc service.OrderService
	logger   *slog.Logger
}

// NewCanceller creates an abandonment job.
func NewCanceller(cfg CancellerConfig, orders domain.OrderStore, provider gateway.Provider, orderSvc service.OrderService, logger *slog.Logger) *Canceller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Canceller{
		cfg:      cfg,
		orders:   orders,
		provider: provider,
		orderSvc: orderSvc,
		logger:   logger.With("component", "canceller"),
	}
}

// Start runs passes on the configured interval until ctx is cancelled.
func (c *Canceller) Start(ctx context.Context) {
	c.logger.Info("canceller starting",
		"interval", c.cfg.Interval,
		"abandon_after", c.cfg.AbandonAfter,
		"batch_size", c.cfg.BatchSize)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("canceller shutting down")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single abandonment pass.
func (c *Canceller) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.AbandonAfter)
	orders, err := c.orders.ListPendingOlderThan(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to list abandoned orders", "error", err)
		return
	}
	if telemetry.Business != nil {
		telemetry.Business.AbandonRuns.Inc()
	}
	if len(orders) == 0 {
		return
	}

	canceled := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if c.cancelOrder(ctx, order) {
			canceled++
		}
	}

	c.logger.Info("abandonment pass complete",
		"candidates", len(orders),
		"canceled", canceled)
	if telemetry.Business != nil && canceled > 0 {
		telemetry.Business.AbandonCanceled.Add(float64(canceled))
	}
}

func (c *Canceller) cancelOrder(ctx context.Context, order domain.Order) bool {
	// A payment was attached at some point. Ask the gateway one last time
	// before discarding the order: an approval whose webhook was lost must
	// settle, not cancel.
	if order.GatewayPaymentID != "" {
		payment, err := c.provider.FetchPayment(ctx, order.GatewayPaymentID)
		if err != nil {
			c.logger.Warn("failed to check payment before cancel, deferring",
				"reference", order.ExternalReference,
				"payment_id", order.GatewayPaymentID,
				"error", err)
			if telemetry.Business != nil {
				telemetry.Business.JobErrors.WithLabelValues("abandon", domain.ErrorCode(err)).Inc()
			}
			return false
		}
		if payment.Status.Terminal() {
			outcome, err := c.orderSvc.ApplyGatewayPayment(ctx, payment, domain.ActorReconciliation)
			if err != nil {
				c.logger.Error("failed to settle order during abandonment check",
					"reference", order.ExternalReference,
					"gateway_status", payment.Status,
					"error", err)
				if telemetry.Business != nil {
					telemetry.Business.JobErrors.WithLabelValues("abandon", domain.ErrorCode(err)).Inc()
				}
				return false
			}
			c.logger.Info("abandoned order settled from gateway state",
				"reference", order.ExternalReference,
				"gateway_status", payment.Status,
				"outcome", outcome)
			return false
		}
		// Still non-terminal at the gateway after the abandonment window:
		// fall through and cancel.
	}

	if err := c.orderSvc.CancelAbandoned(ctx, order); err != nil {
		c.logger.Error("failed to cancel abandoned order",
			"reference", order.ExternalReference,
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.JobErrors.WithLabelValues("abandon", domain.ErrorCode(err)).Inc()
		}
		return false
	}
	return true
}
