package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// PanicRecovery recovers from handler panics and answers with a generic 500.
// The panic value and stack are logged, never sent to the client.
func PanicRecovery(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.FromContext(r.Context(), logger).Error("panic in HTTP handler",
					logging.Method(r.Method),
					logging.Route(r.URL.Path),
					logging.String("panic", fmt.Sprint(rec)),
					logging.String("stack", string(debug.Stack())))
				transport.RespondError(w, http.StatusInternalServerError, transport.MsgInternal)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
