package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/dd0wney/cluso-portal/pkg/api/middleware"
	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/transport"
	"github.com/dd0wney/cluso-portal/pkg/workflow"
)

// HeaderPortalUser carries the session username to the workflow API.
const HeaderPortalUser = "X-Portal-User"

// handleWorkflow forwards the opened workflow body upstream in plaintext.
func (s *Server) handleWorkflow(ctx context.Context, data any, r *http.Request) (int, any, error) {
	extra := http.Header{}
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		extra.Set(middleware.RequestIDHeader, id)
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		extra.Set(HeaderPortalUser, claims.Username)
	}

	status, body, err := s.forward(ctx, data, extra)

	event := &audit.Event{Action: audit.ActionWorkflow, Route: RouteWorkflow, Status: audit.StatusSuccess, HTTPStatus: status}
	if m, ok := data.(map[string]any); ok {
		if service, ok := m["service"].(string); ok {
			event.Metadata = map[string]string{"service": service}
		}
	}
	var se *transport.StatusError
	if errors.As(err, &se) {
		event.Status = audit.StatusFailure
		event.HTTPStatus = se.Status
		event.Message = se.Message
	}
	s.recordAudit(r, event)

	return status, body, err
}

func (s *Server) forward(ctx context.Context, data any, extra http.Header) (int, any, error) {
	resp, err := s.forwarder.Forward(ctx, data, extra)
	if err != nil {
		return 0, nil, statusFor(err)
	}

	switch {
	case resp.Status >= http.StatusInternalServerError:
		return 0, nil, transport.NewStatusError(http.StatusBadGateway, msgWorkflowUnavailable)
	case resp.Status >= http.StatusBadRequest:
		return 0, nil, transport.NewStatusError(resp.Status, upstreamMessage(resp))
	}
	return resp.Status, resp.Body, nil
}

const msgWorkflowUnavailable = "Workflow service unavailable"

// statusFor maps forwarder failures to portal responses.
func statusFor(err error) *transport.StatusError {
	switch {
	case errors.Is(err, workflow.ErrNotConfigured):
		return transport.NewStatusError(http.StatusServiceUnavailable, "Workflow service not configured")
	case errors.Is(err, workflow.ErrTimeout):
		return transport.NewStatusError(http.StatusGatewayTimeout, "Workflow service timeout")
	default:
		return transport.NewStatusError(http.StatusBadGateway, msgWorkflowUnavailable)
	}
}

// upstreamMessage picks the message of an upstream 4xx reply.
func upstreamMessage(resp *workflow.Response) string {
	if body, ok := resp.Body.(map[string]any); ok {
		for _, key := range []string{"message", "error"} {
			if msg, ok := body[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return http.StatusText(resp.Status)
}
