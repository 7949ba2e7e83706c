package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEnvelopeMetrics() {
	r.EnvelopeRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "requests_total",
			Help:      "Inbound request bodies by route and whether they were enveloped",
		},
		[]string{"route", "encrypted"},
	)

	r.EnvelopeRejectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "rejections_total",
			Help:      "Envelopes rejected by route and reason",
		},
		[]string{"route", "reason"},
	)

	r.EnvelopeSignatureFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "signature_failures_total",
			Help:      "Envelopes whose HMAC signature did not verify",
		},
	)

	r.EnvelopeCryptoDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "crypto_duration_seconds",
			Help:      "Time spent sealing or opening envelopes",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		},
		[]string{"operation"},
	)

	r.EnvelopeResponsesEncrypted = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "responses_encrypted_total",
			Help:      "Responses sealed into an envelope by route",
		},
		[]string{"route"},
	)

	r.ReplayCacheEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "replay_cache_entries",
			Help:      "Nonces currently remembered by the replay guard",
		},
	)
}
