package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/transport"
	"github.com/dd0wney/cluso-portal/pkg/validation"
)

// Login results used as metric labels.
const (
	loginSuccess = "success"
	loginFailure = "failure"
	loginInvalid = "invalid"
)

const (
	msgInvalidLogin       = "Invalid login request"
	msgInvalidCredentials = "Invalid username or password"
)

// bind converts an opened request body into v.
func bind(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// handleLogin exchanges encrypted credentials for a session token. The
// token travels back sealed when the request was enveloped.
func (s *Server) handleLogin(ctx context.Context, data any, r *http.Request) (int, any, error) {
	log := logging.FromContext(ctx, s.logger)

	var req validation.LoginRequest
	refuse := func(result string, status int, message string) (int, any, error) {
		s.metrics.RecordLogin(result)
		s.recordAudit(r, &audit.Event{
			Username:   req.Username,
			Action:     audit.ActionLogin,
			Route:      RouteLogin,
			Status:     audit.StatusFailure,
			HTTPStatus: status,
			Message:    message,
		})
		return 0, nil, transport.NewStatusError(status, message)
	}

	if err := bind(data, &req); err != nil {
		return refuse(loginInvalid, http.StatusBadRequest, msgInvalidLogin)
	}
	if err := validation.ValidateLoginRequest(&req); err != nil {
		return refuse(loginInvalid, http.StatusBadRequest, err.Error())
	}

	principal, err := s.directory.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrEmptyPassword) {
			log.Info("login refused", logging.String("username", req.Username))
			return refuse(loginFailure, http.StatusUnauthorized, msgInvalidCredentials)
		}
		return 0, nil, err
	}

	session, err := s.sessions.Issue(principal)
	if err != nil {
		return 0, nil, err
	}

	s.metrics.RecordLogin(loginSuccess)
	s.recordAudit(r, &audit.Event{
		Username:   principal.Username,
		Action:     audit.ActionLogin,
		Route:      RouteLogin,
		Status:     audit.StatusSuccess,
		HTTPStatus: http.StatusOK,
	})
	log.Info("login succeeded", logging.String("username", principal.Username))
	return http.StatusOK, session, nil
}
