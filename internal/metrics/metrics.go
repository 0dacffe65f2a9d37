package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replyflow"

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)
)

// Entitlement metrics (no user label to avoid cardinality)
var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_decisions_total",
			Help:      "Total number of entitlement decisions by action, plan and outcome",
		},
		[]string{"action", "plan", "outcome"},
	)

	DecisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_decision_duration_seconds",
			Help:      "Entitlement decision latency distribution",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"action"},
	)

	CountersSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_counters_swept_total",
			Help:      "Total number of usage counters rolled over by the scheduled sweep",
		},
	)
)

// Billing webhook metrics
var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Total number of billing events by type and reconcile outcome",
		},
		[]string{"type", "outcome"},
	)

	WebhookSignatureFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_webhook_signature_failures_total",
			Help:      "Total number of webhook deliveries rejected for a bad signature",
		},
	)
)

// Overflow queue metrics
var (
	OverflowEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_enqueued_total",
			Help:      "Total number of posts deferred to the overflow queue",
		},
	)

	OverflowItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_items_total",
			Help:      "Total number of overflow items that left pending, by final status",
		},
		[]string{"status"},
	)

	OverflowAttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "overflow_attempt_duration_seconds",
			Help:      "Overflow post attempt time distribution",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	OverflowRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_retries_total",
			Help:      "Total number of overflow post retry attempts",
		},
	)
)
