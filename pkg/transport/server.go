package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// Reason classifies why a request body was rejected. Values are used as
// metric labels.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonReadBody             Reason = "read_body"
	ReasonBodyTooLarge         Reason = "body_too_large"
	ReasonInvalidJSON          Reason = "invalid_json"
	ReasonInvalidPayload       Reason = "invalid_payload"
	ReasonMissingFields        Reason = "missing_fields"
	ReasonExpired              Reason = "expired"
	ReasonUnsigned             Reason = "unsigned"
	ReasonInvalidSignature     Reason = "invalid_signature"
	ReasonReplayed             Reason = "replayed"
	ReasonMissingNonce         Reason = "missing_nonce"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	ReasonDecryptFailed        Reason = "decrypt_failed"
)

// Messages returned to callers. None of them carry crypto detail.
const (
	MsgReadBody         = "Failed to read request body"
	MsgBodyTooLarge     = "Request body too large"
	MsgInvalidJSON      = "Invalid JSON body"
	MsgMissingFields    = "missing data or iv"
	MsgSignatureMissing = "Signature required"
	MsgDecryptFailed    = "Decryption failed"
	MsgInternal         = "Internal server error"
)

// Result is the outcome of reading a request body.
type Result struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	IsEncrypted bool   `json:"isEncrypted"`
	Reason      Reason `json:"-"`
}

// ReceiveOptions tunes how a request body is opened.
type ReceiveOptions struct {
	// MaxAge is the replay window. Zero means the builder's window.
	MaxAge time.Duration
	// VerifySignature checks signatures that are present. Nil means true.
	VerifySignature *bool
	// RequireSignature rejects envelopes without a signature.
	RequireSignature bool
	// EncryptResponse seals the handler response when the request was sealed.
	EncryptResponse bool
	// DeepWorkflow opens every envelope nested in a workflow body instead of
	// only bo[0].input.fields.
	DeepWorkflow bool
	// Route is the metrics label. Empty means the request path.
	Route string
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

func (o ReceiveOptions) verifySignature() bool {
	return o.VerifySignature == nil || *o.VerifySignature
}

func (o ReceiveOptions) route(r *http.Request) string {
	if o.Route != "" {
		return o.Route
	}
	return r.URL.Path
}

// Recorder receives envelope metrics from a Receiver.
type Recorder interface {
	RecordEnvelopeReceived(route string, encrypted bool)
	RecordEnvelopeRejected(route, reason string)
	ObserveCrypto(operation string, d time.Duration)
	RecordEncryptedResponse(route string)
	SetReplayCacheEntries(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEnvelopeReceived(string, bool)   {}
func (nopRecorder) RecordEnvelopeRejected(string, string) {}
func (nopRecorder) ObserveCrypto(string, time.Duration)   {}
func (nopRecorder) RecordEncryptedResponse(string)        {}
func (nopRecorder) SetReplayCacheEntries(int)             {}

// Receiver is the server half of the transport. It opens inbound envelopes
// and seals outbound responses.
type Receiver struct {
	builder  *envelope.Builder
	replay   *envelope.ReplayGuard
	logger   logging.Logger
	recorder Recorder
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReplayGuard rejects envelopes whose nonce was already seen.
func WithReplayGuard(g *envelope.ReplayGuard) ReceiverOption {
	return func(rc *Receiver) { rc.replay = g }
}

// WithReceiverLogger sets the fallback logger used when the request context
// carries none.
func WithReceiverLogger(l logging.Logger) ReceiverOption {
	return func(rc *Receiver) {
		if l != nil {
			rc.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(m Recorder) ReceiverOption {
	return func(rc *Receiver) {
		if m != nil {
			rc.recorder = m
		}
	}
}

// NewReceiver creates a receiver. Signatures are verified with the
// builder's signer.
func NewReceiver(builder *envelope.Builder, opts ...ReceiverOption) *Receiver {
	rc := &Receiver{
		builder:  builder,
		logger:   logging.NewNopLogger(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// rejection is a failed step of the receive pipeline. message is safe to
// return to the caller.
type rejection struct {
	reason  Reason
	message string
	cause   error
}

func (e *rejection) Error() string { return e.message }
func (e *rejection) Unwrap() error { return e.cause }

// Status returns the HTTP status a rejected Result maps to.
func (res Result) Status() int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.Reason == ReasonBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// DecryptRequestBody reads the request body once and opens it when it is an
// envelope. A body is treated as an envelope if the X-Encrypted-Request
// header is "true" or if it is envelope-shaped. Anything else passes through
// as decoded JSON. It never panics and never returns crypto detail in
// Result.Error.
func (rc *Receiver) DecryptRequestBody(r *http.Request, opts ReceiveOptions) Result {
	route := opts.route(r)
	logger := logging.FromContext(r.Context(), rc.logger)

	raw, err := readBody(r)
	if err != nil {
		return rc.reject(logger, route, headerFlagged(r), readRejection(err))
	}

	body, err := classify(raw, headerFlagged(r))
	if err != nil {
		rej, encrypted := classifyError(err)
		return rc.reject(logger, route, encrypted, rej)
	}

	switch b := body.(type) {
	case envelope.PlainBody:
		rc.recorder.RecordEnvelopeReceived(route, false)
		return Result{Success: true, Data: b.Value}

	case envelope.EnvelopeBody:
		rc.recorder.RecordEnvelopeReceived(route, true)
		data, err := rc.openEnvelope(r.Context(), b.Envelope, opts)
		if err != nil {
			return rc.reject(logger, route, true, asRejection(err))
		}
		return Result{Success: true, Data: data, IsEncrypted: true}

	default:
		return rc.reject(logger, route, false, &rejection{reason: ReasonInvalidPayload, message: envelope.ErrInvalidPayload.Error()})
	}
}

// openEnvelope runs shape, freshness, signature and replay checks in that
// order and decrypts only when all of them pass. The envelope is recorded
// as delivered only after it decrypts.
func (rc *Receiver) openEnvelope(ctx context.Context, env *envelope.Envelope, opts ReceiveOptions) (any, error) {
	if err := envelope.CheckShape(env); err != nil {
		return nil, &rejection{reason: ReasonMissingFields, message: MsgMissingFields, cause: err}
	}

	if err := rc.builder.CheckFreshness(env, opts.MaxAge); err != nil {
		return nil, &rejection{reason: ReasonExpired, message: envelope.ErrRequestExpired.Error(), cause: err}
	}

	if env.Signature == "" && opts.RequireSignature {
		return nil, &rejection{reason: ReasonUnsigned, message: MsgSignatureMissing}
	}
	if env.Signature != "" && opts.verifySignature() {
		signer := rc.builder.Signer()
		if signer == nil {
			return nil, &rejection{reason: ReasonInvalidSignature, message: envelope.ErrInvalidSignature.Error()}
		}
		if err := envelope.VerifySignature(signer, env); err != nil {
			logging.FromContext(ctx, rc.logger).Warn("envelope signature mismatch, possible tampering",
				logging.Int64("envelope_timestamp", env.Timestamp))
			return nil, &rejection{reason: ReasonInvalidSignature, message: envelope.ErrInvalidSignature.Error(), cause: err}
		}
	}

	if rc.replay != nil {
		if err := rc.replay.Seen(env); err != nil {
			return nil, replayRejection(err)
		}
	}

	start := time.Now()
	data, err := rc.builder.Decrypt(env)
	rc.recorder.ObserveCrypto("open", time.Since(start))
	if err != nil {
		if errors.Is(err, envelope.ErrUnsupportedAlgorithm) {
			return nil, &rejection{reason: ReasonUnsupportedAlgorithm, message: envelope.ErrUnsupportedAlgorithm.Error(), cause: err}
		}
		return nil, &rejection{reason: ReasonDecryptFailed, message: MsgDecryptFailed, cause: err}
	}

	if rc.replay != nil {
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = rc.builder.MaxAge()
		}
		err := rc.replay.Record(env, maxAge)
		rc.recorder.SetReplayCacheEntries(rc.replay.Len())
		if err != nil {
			return nil, replayRejection(err)
		}
	}
	return data, nil
}

func replayRejection(err error) *rejection {
	if errors.Is(err, envelope.ErrNonceRequired) {
		return &rejection{reason: ReasonMissingNonce, message: envelope.ErrNonceRequired.Error(), cause: err}
	}
	return &rejection{reason: ReasonReplayed, message: envelope.ErrRequestReplayed.Error(), cause: err}
}

func (rc *Receiver) reject(logger logging.Logger, route string, encrypted bool, rej *rejection) Result {
	rc.recorder.RecordEnvelopeRejected(route, string(rej.reason))

	fields := []logging.Field{logging.Route(route), logging.Reason(string(rej.reason)), logging.Encrypted(encrypted)}
	// crypto failures are logged by reason only
	if rej.cause != nil && rej.reason != ReasonDecryptFailed {
		fields = append(fields, logging.Error(rej.cause))
	}
	logger.Info("request body rejected", fields...)

	return Result{
		Success:     false,
		Error:       rej.message,
		IsEncrypted: encrypted,
		Reason:      rej.reason,
	}
}

func headerFlagged(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderEncryptedRequest)), "true")
}

// readBody drains r.Body. Size limits are enforced by middleware.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// readRejection maps a body read failure. Bodies over the middleware limit
// are reported as too large.
func readRejection(err error) *rejection {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &rejection{reason: ReasonBodyTooLarge, message: MsgBodyTooLarge, cause: err}
	}
	return &rejection{reason: ReasonReadBody, message: MsgReadBody, cause: err}
}

// classify decodes raw into a body variant. A header-flagged request is
// always parsed as an envelope.
func classify(raw []byte, flagged bool) (envelope.Body, error) {
	if !flagged {
		return envelope.Decode(raw)
	}
	env, err := envelope.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return envelope.EnvelopeBody{Envelope: env}, nil
}

func classifyError(err error) (*rejection, bool) {
	switch {
	case errors.Is(err, envelope.ErrMissingFields):
		return &rejection{reason: ReasonMissingFields, message: MsgMissingFields, cause: err}, true
	case errors.Is(err, envelope.ErrInvalidPayload):
		return &rejection{reason: ReasonInvalidPayload, message: envelope.ErrInvalidPayload.Error(), cause: err}, true
	default:
		return &rejection{reason: ReasonInvalidJSON, message: MsgInvalidJSON, cause: err}, false
	}
}

func asRejection(err error) *rejection {
	var rej *rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &rejection{reason: ReasonDecryptFailed, message: MsgDecryptFailed, cause: err}
}

// decodeJSON decodes raw into a generic value. Empty input decodes to nil.
func decodeJSON(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
