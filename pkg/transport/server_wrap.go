package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// Handler is business logic behind the envelope layer. data is the opened
// request body. A nil body with status 204 writes no body. A returned
// *StatusError is written as is, any other error becomes a generic 500.
type Handler func(ctx context.Context, data any, r *http.Request) (status int, body any, err error)

// StatusError is a handler error whose message is safe to show the caller.
// It is always written in plaintext.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// NewStatusError returns a StatusError.
func NewStatusError(status int, message string) *StatusError {
	return &StatusError{Status: status, Message: message}
}

// WithEncryptedRequest opens the request body, invokes h and writes its
// result. When opts.EncryptResponse is set and the request was enveloped the
// response is sealed as well. Handler errors and panics never reach the
// transport.
func (rc *Receiver) WithEncryptedRequest(h Handler, opts ReceiveOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rc.DecryptRequestBody(r, opts)
		if !result.Success {
			RespondError(w, result.Status(), result.Error)
			return
		}
		rc.serve(w, r, h, result, opts)
	})
}

func (rc *Receiver) serve(w http.ResponseWriter, r *http.Request, h Handler, result Result, opts ReceiveOptions) {
	route := opts.route(r)

	status, body, err := invoke(h, r, result.Data)
	if err != nil {
		logger := logging.FromContext(r.Context(), rc.logger)
		var se *StatusError
		if errors.As(err, &se) {
			logger.Info("request refused", logging.Route(route), logging.Status(se.Status))
			RespondError(w, se.Status, se.Message)
			return
		}
		logger.Error("handler failed", logging.Route(route), logging.Error(err))
		RespondError(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNoContent && body == nil {
		w.WriteHeader(status)
		return
	}

	if opts.EncryptResponse && result.IsEncrypted {
		rc.writeEncrypted(w, route, body, status)
		return
	}
	RespondJSON(w, status, body)
}

func invoke(h Handler, r *http.Request, data any) (status int, body any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h(r.Context(), data, r)
}
