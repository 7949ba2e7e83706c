package health

import (
	"net/http"

	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// HTTPHandler serves the aggregate check. Degraded still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hc.Check(r.Context())

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		transport.RespondJSON(w, status, response)
	}
}

// ReadinessHandler serves readiness. Anything but healthy answers 503.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondBinary(w, hc.CheckReadiness(r.Context()))
	}
}

// LivenessHandler serves liveness. Anything but healthy answers 503.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondBinary(w, hc.CheckLiveness(r.Context()))
	}
}

func respondBinary(w http.ResponseWriter, response Response) {
	status := http.StatusOK
	if response.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	transport.RespondJSON(w, status, response)
}
