package metrics

import (
	"strconv"
	"time"
)

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordResponseSize records the size of an HTTP response body
func (r *Registry) RecordResponseSize(method, path string, size float64) {
	r.HTTPResponseSizeBytes.WithLabelValues(method, path).Observe(size)
}

func (r *Registry) IncHTTPRequestsInFlight() { r.HTTPRequestsInFlight.Inc() }
func (r *Registry) DecHTTPRequestsInFlight() { r.HTTPRequestsInFlight.Dec() }

// RecordEnvelopeReceived counts an inbound body on route.
func (r *Registry) RecordEnvelopeReceived(route string, encrypted bool) {
	r.EnvelopeRequestsTotal.WithLabelValues(route, strconv.FormatBool(encrypted)).Inc()
}

// RecordEnvelopeRejected counts a rejected envelope. Signature mismatches
// are also counted on their own.
func (r *Registry) RecordEnvelopeRejected(route, reason string) {
	r.EnvelopeRejectionsTotal.WithLabelValues(route, reason).Inc()
	if reason == "invalid_signature" {
		r.EnvelopeSignatureFailures.Inc()
	}
}

// ObserveCrypto records how long a seal or open took.
func (r *Registry) ObserveCrypto(operation string, d time.Duration) {
	r.EnvelopeCryptoDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordEncryptedResponse counts a sealed response on route.
func (r *Registry) RecordEncryptedResponse(route string) {
	r.EnvelopeResponsesEncrypted.WithLabelValues(route).Inc()
}

// SetReplayCacheEntries sets the replay guard size.
func (r *Registry) SetReplayCacheEntries(n int) {
	r.ReplayCacheEntries.Set(float64(n))
}

// RecordClientRequest records the outcome of a client submission.
func (r *Registry) RecordClientRequest(outcome string, d time.Duration) {
	r.ClientRequestsTotal.WithLabelValues(outcome).Inc()
	r.ClientRequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordLogin records a login attempt ("success", "invalid", "error").
func (r *Registry) RecordLogin(result string) {
	r.LoginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimited counts a request turned away by the rate limiter.
func (r *Registry) RecordRateLimited(route string) {
	r.RateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordWorkflowForward records an upstream workflow call.
func (r *Registry) RecordWorkflowForward(status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.WorkflowForwardsTotal.WithLabelValues(label).Inc()
	r.WorkflowForwardDuration.Observe(d.Seconds())
}
