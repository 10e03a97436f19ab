// Package jobs hosts the timer-driven background loops: payment
// reconciliation and abandonment cancellation. Both coordinate with the
// request path only through the store's version-checked transitions; there
// is no shared in-process state.
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

// ReconcilerConfig tunes the reconciliation loop.
type ReconcilerConfig struct {
	// Interval between passes.
	Interval time.Duration

	// Grace keeps freshly created orders out of a pass so an in-flight
	// webhook gets first crack at them.
	Grace time.Duration

	// Lookback bounds how far back a pass scans. Orders older than this
	// belong to the abandonment canceller.
	Lookback time.Duration

	// BatchSize caps orders touched per pass.
	BatchSize int32

	// GatewayPace spaces consecutive gateway calls so a big batch cannot
	// hammer the gateway.
	GatewayPace time.Duration
}

// Reconciler closes the gap left by lost webhooks: it re-queries the
// gateway for PENDING orders past the grace window and feeds the
// authoritative status through the same transition path the webhook uses.
type Reconciler struct {
	cfg      ReconcilerConfig
	orders   domain.OrderStore
	provider gateway.Provider
	orderSvc service.OrderService
	logger   *slog.Logger
}

// NewReconciler creates a reconciliation job.
func NewReconciler(cfg ReconcilerConfig, orders domain.OrderStore, provider gateway.Provider, orderSvc service.OrderService, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GatewayPace <= 0 {
		cfg.GatewayPace = 100 * time.Millisecond
	}
	return &Reconciler{
		cfg:      cfg,
		orders:   orders,
		provider: provider,
		orderSvc: orderSvc,
		logger:   logger.With("component", "reconciler"),
	}
}

// Start runs passes on the configured interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler starting",
		"interval", r.cfg.Interval,
		"grace", r.cfg.Grace,
		"batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler shutting down")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation pass. Per-order failures are
// logged and skipped so one broken order never halts the batch.
func (r *Reconciler) RunOnce(ctx context.Context) {
	now := time.Now()
	orders, err := r.orders.ListPendingCreatedBetween(ctx,
		now.Add(-r.cfg.Lookback), now.Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to list pending orders", "error", err)
		return
	}
	if telemetry.Business != nil {
		telemetry.Business.ReconcileRuns.Inc()
	}
	if len(orders) == 0 {
		return
	}

	r.logger.Info("reconciliation pass", "candidates", len(orders))

	resolved := 0
	for i, order := range orders {
		// Cancellation is honored at the loop boundary; mid-order work
		// is never interrupted.
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			time.Sleep(r.cfg.GatewayPace)
		}
		if r.reconcileOrder(ctx, order) {
			resolved++
		}
	}

	if resolved > 0 {
		r.logger.Info("reconciliation pass complete",
			"candidates", len(orders),
			"resolved", resolved)
	}
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order domain.Order) bool {
	// No payment attempt was ever attached: there is nothing to ask the
	// gateway about. The abandonment canceller will deal with it.
	if order.GatewayPaymentID == "" {
		return false
	}

	start := time.Now()
	payment, err := r.provider.FetchPayment(ctx, order.GatewayPaymentID)
	if telemetry.Business != nil {
		telemetry.Business.GatewayLatency.WithLabelValues("fetch_payment").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.Warn("failed to fetch payment",
			"reference", order.ExternalReference,
			"payment_id", order.GatewayPaymentID,
			"error", err)
		if telemetry.Business != nil {
			telemetry.Business.JobErrors.WithLabelValues("reconcile", domain.ErrorCode(err)).Inc()
		}
		return false
	}

	outcome, err := r.orderSvc.ApplyGatewayPayment(ctx, payment, domain.ActorReconciliation)
	if err != nil {
		r.logger.Error("failed to apply reconciled status",
			"reference", order.ExternalReference,
			"gateway_status", payment.Status,
			"error", err)
		telemetry.CaptureOrderError(err, order.ExternalReference, map[string]interface{}{
			"job":            "reconcile",
			"gateway_status": string(payment.Status),
		})
		if telemetry.Business != nil {
			telemetry.Business.JobErrors.WithLabelValues("reconcile", domain.ErrorCode(err)).Inc()
		}
		return false
	}

	if outcome == service.OutcomeApplied {
		r.logger.Info("order reconciled",
			"reference", order.ExternalReference,
			"gateway_status", payment.Status)
		if telemetry.Business != nil {
			if target, ok := map[gateway.Status]string{
				gateway.StatusApproved:    string(domain.StatusPaid),
				gateway.StatusRejected:    string(domain.StatusFailed),
				gateway.StatusCancelled:   string(domain.StatusFailed),
				gateway.StatusRefunded:    string(domain.StatusRefunded),
				gateway.StatusChargedBack: string(domain.StatusRefunded),
			}[payment.Status]; ok {
				telemetry.Business.ReconcileResolved.WithLabelValues(target).Inc()
			}
		}
		return true
	}
	return false
}
