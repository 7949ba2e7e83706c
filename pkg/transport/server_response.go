package transport

import (
	"net/http"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// CreateEncryptedResponse seals data into an envelope and writes it with the
// encrypted-response headers. If sealing fails a generic 500 is written
// instead.
func (rc *Receiver) CreateEncryptedResponse(w http.ResponseWriter, data any, status int) {
	rc.writeEncrypted(w, "", data, status)
}

func (rc *Receiver) writeEncrypted(w http.ResponseWriter, route string, data any, status int) {
	start := time.Now()
	env, err := rc.builder.Create(data)
	rc.recorder.ObserveCrypto("seal", time.Since(start))
	if err != nil {
		rc.logger.Error("failed to seal response", logging.Route(route))
		RespondError(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	if status == 0 {
		status = http.StatusOK
	}

	w.Header().Set(HeaderEncryptedResponse, "true")
	w.Header().Set(HeaderEncryptionAlgorithm, string(envelope.AlgorithmGCM))
	rc.recorder.RecordEncryptedResponse(route)
	RespondJSON(w, status, env)
}
