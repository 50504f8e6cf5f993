package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events by event type and result.",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks reconciliation latency per event type.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbily",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GatewayCallsTotal counts payment provider calls by operation and result.
	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "gateway_calls_total",
		Help:      "Payment provider calls by operation and result.",
	}, []string{"op", "result"})

	// GatewayDuration tracks payment provider latency.
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sbily",
		Name:      "gateway_duration_seconds",
		Help:      "Payment provider call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// BillingActionsTotal counts user initiated billing actions by outcome.
	BillingActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "billing_actions_total",
		Help:      "User billing actions by action and status.",
	}, []string{"action", "status"})

	// QuotaRejectionsTotal counts link creations refused for lack of quota.
	QuotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "quota_rejections_total",
		Help:      "Link creations rejected because the monthly quota is used up.",
	})

	// QuotaResetsTotal counts monthly usage counter resets.
	QuotaResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "quota_resets_total",
		Help:      "Monthly link usage counters reset by the rolling sweep.",
	})

	// JobsTotal counts background jobs by type and result.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sbily",
		Name:      "jobs_total",
		Help:      "Background jobs by type and result.",
	}, []string{"job_type", "result"})

	// QueueDepth is the number of pending jobs seen by the last stats refresh.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sbily",
		Name:      "queue_depth",
		Help:      "Jobs waiting per queue.",
	}, []string{"queue"})
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
