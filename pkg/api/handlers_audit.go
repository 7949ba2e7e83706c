package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/api/middleware"
	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// recordAudit fills the request metadata of e and records it.
func (s *Server) recordAudit(r *http.Request, e *audit.Event) {
	e.RequestID = middleware.RequestIDFromContext(r.Context())
	e.IPAddress = middleware.ClientIP(r, s.proxies)
	e.UserAgent = r.UserAgent()
	if e.Username == "" {
		if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
			e.Username = claims.Username
		}
	}
	s.audit.Record(e)
}

// handleAuditEvents lists audit events. Query parameters: username, action,
// status, since (RFC 3339), limit and format (json, jsonl or csv).
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	format, err := audit.ParseFormat(q.Get("format"))
	if err != nil {
		transport.RespondError(w, http.StatusBadRequest, "Unknown format")
		return
	}

	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			transport.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	filter := &audit.Filter{
		Username: q.Get("username"),
		Action:   audit.Action(q.Get("action")),
		Status:   audit.Status(q.Get("status")),
	}
	if raw := q.Get("since"); raw != "" {
		if filter.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			transport.RespondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
	}

	events := s.audit.Events(filter, limit)
	s.recordAudit(r, &audit.Event{
		Action:     audit.ActionAuditRead,
		Route:      RouteAudit,
		Status:     audit.StatusSuccess,
		HTTPStatus: http.StatusOK,
		Metadata:   map[string]string{"returned": strconv.Itoa(len(events))},
	})

	w.Header().Set(transport.HeaderContentType, format.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := audit.Export(w, events, format); err != nil {
		logging.FromContext(r.Context(), s.logger).Warn("audit export failed", logging.Error(err))
	}
}
