package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

type contextKey struct{}

// Validator validates a bearer token.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// NewContext returns ctx carrying claims.
func NewContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by RequireSession.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get(transport.HeaderAuthorization)
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireSession rejects requests without a valid bearer session.
func RequireSession(v Validator, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				transport.RespondError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				log := logging.FromContext(r.Context(), logger)
				log.Info("session rejected",
					logging.Route(r.URL.Path),
					logging.Bool("expired", errors.Is(err, ErrExpiredToken)))
				transport.RespondError(w, http.StatusUnauthorized, "Invalid or expired session")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), claims)))
		})
	}
}

// RequireRole rejects sessions lacking role with 403. It must run inside
// RequireSession.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				transport.RespondError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !claims.HasRole(role) {
				transport.RespondError(w, http.StatusForbidden, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var _ Validator = (*SessionManager)(nil)
