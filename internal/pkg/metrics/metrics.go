// Package metrics holds the Prometheus collectors for webhook processing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts inbound webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billrecon",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks end-to-end processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billrecon",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// PaymentsReconciledTotal counts reconciler outcomes.
	PaymentsReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billrecon",
		Subsystem: "payments",
		Name:      "reconciled_total",
		Help:      "Payment reconciliation outcomes by result and method.",
	}, []string{"result", "method"})

	// SubscriptionTransitionsTotal counts state machine transitions.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billrecon",
		Subsystem: "subscriptions",
		Name:      "transitions_total",
		Help:      "Subscription transitions by kind.",
	}, []string{"kind"})

	// ReconciliationAlertsTotal counts recorded invariant violations.
	ReconciliationAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billrecon",
		Subsystem: "reconciliation",
		Name:      "alerts_total",
		Help:      "Invariant violations recorded as reconciliation alerts.",
	}, []string{"kind"})
)
