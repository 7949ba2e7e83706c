package health

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/envelope"
	portaltls "github.com/dd0wney/cluso-portal/pkg/tls"
)

// selfTestPayload is sealed and reopened by EnvelopeCheck.
var selfTestPayload = map[string]any{"probe": "cluso-portal", "n": 1.0}

// EnvelopeCheck seals and reopens a probe payload with builder. A failure
// means the configured key material cannot serve requests.
func EnvelopeCheck(builder *envelope.Builder) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "envelope", Details: map[string]any{}}

		env, err := builder.Create(selfTestPayload)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = "seal failed"
			return check
		}
		check.Details["algorithm"] = env.Algorithm
		check.Details["signed"] = env.Signature != ""

		if signer := builder.Signer(); signer != nil {
			if err := envelope.VerifySignature(signer, env); err != nil {
				check.Status = StatusUnhealthy
				check.Message = "signature self-check failed"
				return check
			}
		}

		got, err := builder.Open(env)
		switch {
		case err != nil:
			check.Status = StatusUnhealthy
			check.Message = "open failed"
		case !reflect.DeepEqual(got, selfTestPayload):
			check.Status = StatusUnhealthy
			check.Message = "round trip mismatch"
		default:
			check.Status = StatusHealthy
			check.Message = "Round trip ok"
		}
		return check
	}
}

// ReplayCacheCheck reports the replay cache fill. The cache is bounded, so
// a full cache is degraded rather than unhealthy.
func ReplayCacheCheck(guard *envelope.ReplayGuard, capacity int) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "replay_cache", Details: map[string]any{}}
		if guard == nil {
			check.Status = StatusHealthy
			check.Message = "Replay protection disabled"
			return check
		}

		entries := guard.Len()
		check.Details["entries"] = entries
		check.Details["capacity"] = capacity

		if capacity > 0 && entries >= capacity {
			check.Status = StatusDegraded
			check.Message = "Replay cache full, oldest nonces are being evicted"
			return check
		}
		check.Status = StatusHealthy
		return check
	}
}

// DevSecretsCheck is degraded while any secret falls back to a built-in
// development value.
func DevSecretsCheck(fallbacks []string) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: "secrets"}
		if len(fallbacks) == 0 {
			check.Status = StatusHealthy
			return check
		}
		check.Status = StatusDegraded
		check.Message = "Development secrets in use: " + strings.Join(fallbacks, ", ")
		return check
	}
}

// UpstreamCheck reports whether an upstream dependency is configured. It
// does not call the upstream.
func UpstreamCheck(name, url string) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: name}
		if url == "" {
			check.Status = StatusDegraded
			check.Message = "Not configured"
			return check
		}
		check.Status = StatusHealthy
		check.Details = map[string]any{"configured": true}
		return check
	}
}

// GoroutineCheck is degraded above limit goroutines.
func GoroutineCheck(limit int) CheckFunc {
	return func(ctx context.Context) Check {
		n := runtime.NumGoroutine()
		check := Check{
			Name:    "goroutines",
			Status:  StatusHealthy,
			Details: map[string]any{"count": n, "limit": limit},
		}
		if limit > 0 && n > limit {
			check.Status = StatusDegraded
			check.Message = "High goroutine count"
		}
		return check
	}
}

// CertificateCheck watches the listener certificate. It is degraded inside
// warnWithin of expiry and unhealthy once expired.
func CertificateCheck(info *portaltls.CertificateInfo, warnWithin time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) Check {
		check := Check{Name: "certificate"}
		if info == nil {
			check.Status = StatusHealthy
			check.Message = "TLS disabled"
			return check
		}

		left := info.ExpiresIn(now())
		check.Details = map[string]any{
			"notAfter":   info.NotAfter,
			"selfSigned": info.SelfSigned,
		}
		switch {
		case left <= 0:
			check.Status = StatusUnhealthy
			check.Message = "Certificate expired"
		case left < warnWithin:
			check.Status = StatusDegraded
			check.Message = "Certificate expires in " + left.Round(time.Hour).String()
		default:
			check.Status = StatusHealthy
		}
		return check
	}
}
