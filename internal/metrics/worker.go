package metrics

import "time"

// Decision records one entitlement decision.
func Decision(action, plan, outcome string, duration time.Duration) {
	DecisionsTotal.WithLabelValues(action, plan, outcome).Inc()
	DecisionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// BillingEvent records the reconcile outcome for one billing event.
func BillingEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// OverflowPosted records a deferred post that went out.
func OverflowPosted(duration time.Duration) {
	OverflowItemsTotal.WithLabelValues("posted").Inc()
	OverflowAttemptDuration.Observe(duration.Seconds())
}

// OverflowFailed records a deferred post given up on.
func OverflowFailed() {
	OverflowItemsTotal.WithLabelValues("failed").Inc()
}

// OverflowRetried records a transient failure that will be retried.
func OverflowRetried() {
	OverflowRetriesTotal.Inc()
}
