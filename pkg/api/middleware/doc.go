// Package middleware provides the HTTP middleware of the portal server.
//
// Every middleware has the shape func(http.Handler) http.Handler and is
// applied outermost first:
//
//	handler := middleware.PanicRecovery(logger)(mux)
//	handler = middleware.RequestID()(handler)
//	handler = middleware.Logging(logger)(handler)
//	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
//
// Chain composes a list in that order.
package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies mws so that the first one is the outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
