package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

// Registry holds all metrics for the portal
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Envelope Metrics
	EnvelopeRequestsTotal      *prometheus.CounterVec
	EnvelopeRejectionsTotal    *prometheus.CounterVec
	EnvelopeSignatureFailures  prometheus.Counter
	EnvelopeCryptoDuration     *prometheus.HistogramVec
	EnvelopeResponsesEncrypted *prometheus.CounterVec
	ReplayCacheEntries         prometheus.Gauge

	// Client Metrics
	ClientRequestsTotal   *prometheus.CounterVec
	ClientRequestDuration *prometheus.HistogramVec

	// Auth and upstream metrics
	LoginAttemptsTotal      *prometheus.CounterVec
	RateLimitedTotal        *prometheus.CounterVec
	WorkflowForwardsTotal   *prometheus.CounterVec
	WorkflowForwardDuration prometheus.Histogram

	// System Metrics
	UptimeSeconds prometheus.GaugeFunc

	registry *prometheus.Registry
	started  time.Time
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every portal metric plus the Go
// runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r.initHTTPMetrics()
	r.initEnvelopeMetrics()
	r.initClientMetrics()
	r.initAuthMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		Registry: r.registry,
	})
}
