package middleware

import (
	"net/http"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// Logging stores a request scoped logger in the context and logs each
// request once it completes. Server errors log at error level.
func Logging(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger
			if id := GetRequestID(r); id != "" {
				reqLogger = logger.With(logging.RequestID(id))
			}

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(logging.NewContext(r.Context(), reqLogger)))

			fields := []logging.Field{
				logging.Method(r.Method),
				logging.Route(r.URL.Path),
				logging.Status(sw.status),
				logging.Int("bytes", sw.bytes),
				logging.RemoteAddr(r.RemoteAddr),
				logging.Latency(time.Since(start)),
			}
			if sw.status >= http.StatusInternalServerError {
				reqLogger.Error("request completed", fields...)
				return
			}
			reqLogger.Info("request completed", fields...)
		})
	}
}
