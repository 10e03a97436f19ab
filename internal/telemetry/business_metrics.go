package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for business-level observability
// of the order lifecycle: checkout, webhook ingestion, background jobs and
// gateway health.
type BusinessMetrics struct {
	// Orders
	OrdersCreated    *prometheus.CounterVec
	OrderValue       *prometheus.HistogramVec
	OrderTransitions *prometheus.CounterVec
	TransitionStale  *prometheus.CounterVec

	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookDuplicate prometheus.Counter
	WebhookProcessed *prometheus.CounterVec
	WebhookFailed    *prometheus.CounterVec
	WebhookLatency   prometheus.Histogram

	// Background jobs
	ReconcileRuns     prometheus.Counter
	ReconcileResolved *prometheus.CounterVec
	AbandonRuns       prometheus.Counter
	AbandonCanceled   prometheus.Counter
	JobErrors         *prometheus.CounterVec

	// Payment attempts
	PaymentAttempts  *prometheus.CounterVec
	PaymentConflicts prometheus.Counter

	// External gateway performance
	GatewayLatency *prometheus.HistogramVec

	// Email delivery
	EmailSent   *prometheus.CounterVec
	EmailFailed *prometheus.CounterVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "verdandi"
	}

	subsystem := "business"

	m := &BusinessMetrics{
		// =======================================================================
		// Orders
		// =======================================================================
		OrdersCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_created_total",
				Help:      "Total orders created",
			},
			[]string{"has_coupon"},
		),
		OrderValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_value_cents",
				Help:      "Order value distribution in cents",
				Buckets:   []float64{1000, 2500, 5000, 7500, 10000, 15000, 25000, 50000, 100000},
			},
			[]string{"has_coupon"},
		),
		OrderTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_transitions_total",
				Help:      "Total applied order status transitions",
			},
			[]string{"from", "to", "actor"},
		),
		TransitionStale: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transition_stale_total",
				Help:      "Total transitions lost to a concurrent writer",
			},
			[]string{"actor"},
		),

		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total gateway webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookDuplicate: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duplicate_total",
				Help:      "Total webhook redeliveries short-circuited by the dedup set",
			},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhooks fully processed",
			},
			[]string{"event_type", "outcome"}, // outcome: applied, noop, discarded
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook processing failures",
			},
			[]string{"event_type", "error_type"},
		),
		WebhookLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_seconds",
				Help:      "Webhook processing duration",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),

		// =======================================================================
		// Background Jobs
		// =======================================================================
		ReconcileRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_runs_total",
				Help:      "Total reconciliation job passes",
			},
		),
		ReconcileResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_resolved_total",
				Help:      "Total orders whose status was corrected by reconciliation",
			},
			[]string{"to"},
		),
		AbandonRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "abandon_runs_total",
				Help:      "Total abandonment job passes",
			},
		),
		AbandonCanceled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "abandon_canceled_total",
				Help:      "Total stale pending orders canceled by the abandonment job",
			},
		),
		JobErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "job_errors_total",
				Help:      "Total per-order errors inside background job passes",
			},
			[]string{"job", "error_type"},
		),

		// =======================================================================
		// Payment Attempts
		// =======================================================================
		PaymentAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_attempts_total",
				Help:      "Total payment creation attempts against the gateway",
			},
			[]string{"method", "outcome"}, // method: pix, card; outcome: created, rejected, unavailable
		),
		PaymentConflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_conflicts_total",
				Help:      "Total duplicate payment attempts refused by the claim guard",
			},
		),

		// =======================================================================
		// External Gateway Performance
		// =======================================================================
		GatewayLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gateway_api_duration_seconds",
				Help:      "Payment gateway call duration (helps differentiate app slowness from gateway issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"}, // operation: fetch_payment, create_pix, create_card
		),

		// =======================================================================
		// Email Delivery
		// =======================================================================
		EmailSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_sent_total",
				Help:      "Total emails sent by type",
			},
			[]string{"email_type"}, // email_type: order_confirmation, order_canceled, refund_notice
		),
		EmailFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_failed_total",
				Help:      "Total email delivery failures",
			},
			[]string{"email_type", "error_type"},
		),
	}

	return m
}

// Global instance for easy access from handlers and jobs
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
