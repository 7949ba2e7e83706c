package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAuthMetrics() {
	r.LoginAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by result",
		},
		[]string{"result"},
	)

	r.RateLimitedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by route",
		},
		[]string{"route"},
	)

	r.WorkflowForwardsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "forwards_total",
			Help:      "Workflow calls forwarded upstream by status",
		},
		[]string{"status"},
	)

	r.WorkflowForwardDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "forward_duration_seconds",
			Help:      "Upstream workflow call latency",
			Buckets:   prometheus.DefBuckets,
		},
	)
}
