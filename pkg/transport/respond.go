package transport

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error the portal returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RespondJSON writes data as a JSON body with the given status.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.WriteHeader(status)
	// The status line is already out, nothing useful can be done on failure
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an ErrorResponse. message must be safe to show to the
// caller.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
