package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// MetricsRecorder is an interface for recording HTTP metrics
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	RecordResponseSize(method, path string, size float64)
	IncHTTPRequestsInFlight()
	DecHTTPRequestsInFlight()
}

// OtherRoute labels requests to paths outside the known route set.
const OtherRoute = "other"

// Metrics tracks request counts, latency and response sizes. When routes is
// non-empty, paths not in it are recorded as OtherRoute to bound label
// cardinality.
func Metrics(recorder MetricsRecorder, routes ...string) func(http.Handler) http.Handler {
	known := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		known[r] = struct{}{}
	}
	label := func(path string) string {
		if len(known) == 0 {
			return path
		}
		if _, ok := known[path]; ok {
			return path
		}
		return OtherRoute
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if recorder == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncHTTPRequestsInFlight()
			defer recorder.DecHTTPRequestsInFlight()

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			path := label(r.URL.Path)
			recorder.RecordHTTPRequest(r.Method, path, strconv.Itoa(sw.status), time.Since(start))
			recorder.RecordResponseSize(r.Method, path, float64(sw.bytes))
		})
	}
}
