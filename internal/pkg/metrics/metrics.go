package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts processed provider events by type and result.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Provider events processed by event type and handler result.",
	}, []string{"event_type", "result"})

	// WebhookRejectedTotal counts notifications rejected before the idempotency store.
	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "webhook_rejected_total",
		Help:      "Notifications rejected for signature or payload errors.",
	}, []string{"reason"})

	// WebhookDuration tracks event processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Provider event processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileRunsTotal counts backup reconciliation passes.
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "reconcile_runs_total",
		Help:      "Backup reconciliation passes by final status.",
	}, []string{"status"})

	// ReconcileEntitiesTotal counts reconciled ledger rows by outcome.
	ReconcileEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "reconcile_entities_total",
		Help:      "Ledger rows visited by the reconciler by outcome.",
	}, []string{"outcome"})

	// CheckoutGuardTotal counts checkout guard decisions.
	CheckoutGuardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "checkout_guard_total",
		Help:      "Checkout guard decisions (acquired/throttled).",
	}, []string{"decision"})

	// NotificationsTotal counts notification dispatch attempts by category and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmready",
		Subsystem: "billing",
		Name:      "notifications_total",
		Help:      "Notification dispatch attempts by category and outcome.",
	}, []string{"category", "outcome"})
)
