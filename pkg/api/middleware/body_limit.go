package middleware

import (
	"net/http"

	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// BodySizeLimit rejects requests whose declared Content-Length exceeds
// maxBytes and caps the body reader for the rest, including chunked bodies.
func BodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				transport.RespondError(w, http.StatusRequestEntityTooLarge, transport.MsgBodyTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
