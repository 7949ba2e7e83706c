package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClientMetrics() {
	r.ClientRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Outbound portal client submissions by outcome",
		},
		[]string{"outcome"},
	)

	r.ClientRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Outbound portal client submission latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
}
