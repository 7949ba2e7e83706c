package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// DefaultTimeout bounds a single submission.
const DefaultTimeout = 5 * time.Minute

// maxResponseBytes caps how much of a response body the client reads.
const maxResponseBytes = 10 << 20

var (
	ErrRequestTimeout  = errors.New("Request timeout")
	ErrRequestCanceled = errors.New("Request canceled")
	ErrNetwork         = errors.New("Network error")
	ErrInvalidResponse = errors.New("Invalid response body")
	ErrDecryptResponse = errors.New("Failed to decrypt response")
	ErrEncodeRequest   = errors.New("Failed to encode request")
)

// HTTPError is recorded for non-2xx responses. Message is taken from the
// response body when it carries one.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return e.Message }

// ClientRecorder receives client outcome metrics.
type ClientRecorder interface {
	RecordClientRequest(outcome string, d time.Duration)
}

type nopClientRecorder struct{}

func (nopClientRecorder) RecordClientRequest(string, time.Duration) {}

// Client is the send half of the transport. Submissions never return an
// error. The outcome is recorded into a State instead.
type Client struct {
	baseURL  string
	http     *http.Client
	builder  *envelope.Builder
	tokens   TokenStore
	timeout  time.Duration
	logger   logging.Logger
	recorder ClientRecorder
	state    *State
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithTokenStore(t TokenStore) ClientOption {
	return func(c *Client) { c.tokens = t }
}

// WithDefaultTimeout sets the per-submission timeout used when a call does
// not set its own.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientLogger(l logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClientRecorder(m ClientRecorder) ClientOption {
	return func(c *Client) {
		if m != nil {
			c.recorder = m
		}
	}
}

// NewClient creates a client that seals payloads with builder. When the
// builder has a signer every envelope is signed.
func NewClient(builder *envelope.Builder, opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{},
		builder:  builder,
		tokens:   StaticToken(""),
		timeout:  DefaultTimeout,
		logger:   logging.NewNopLogger(),
		recorder: nopClientRecorder{},
		state:    &State{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the per-submission timeout used when a call sets none.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// CallOption configures one submission.
type CallOption func(*callConfig)

type callConfig struct {
	encrypt bool
	timeout time.Duration
	method  string
	header  http.Header
}

// WithEncryption toggles sealing the payload. Sealing is on by default.
func WithEncryption(on bool) CallOption {
	return func(cfg *callConfig) { cfg.encrypt = on }
}

// WithTimeout overrides the timeout for one submission.
func WithTimeout(d time.Duration) CallOption {
	return func(cfg *callConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithMethod overrides the HTTP method. The default is POST.
func WithMethod(m string) CallOption {
	return func(cfg *callConfig) { cfg.method = m }
}

// WithHeader adds a request header.
func WithHeader(key, value string) CallOption {
	return func(cfg *callConfig) { cfg.header.Add(key, value) }
}

// State returns the state written by Client.Submit.
func (c *Client) State() *State {
	return c.state
}

// Reset clears the client's state.
func (c *Client) Reset() {
	c.state.Reset()
}

// Submit sends payload to path and returns the resolved response value, or
// nil on any failure. The outcome is recorded in c.State(). Submissions that
// share a client share its State; use Call for an independent one.
func (c *Client) Submit(ctx context.Context, path string, payload any, opts ...CallOption) any {
	return c.submit(ctx, c.state, path, payload, opts)
}

// Call is a submission handle with its own State.
type Call struct {
	client *Client
	state  *State
}

// Call returns a handle whose state is independent of the client's.
func (c *Client) Call() *Call {
	return &Call{client: c, state: &State{}}
}

// Submit behaves like Client.Submit but records into the call's state.
func (cl *Call) Submit(ctx context.Context, path string, payload any, opts ...CallOption) any {
	return cl.client.submit(ctx, cl.state, path, payload, opts)
}

func (cl *Call) State() *State { return cl.state }

func (c *Client) submit(ctx context.Context, st *State, path string, payload any, opts []CallOption) any {
	cfg := callConfig{
		encrypt: true,
		timeout: c.timeout,
		method:  http.MethodPost,
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	st.begin()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	data, status, err := c.roundTrip(ctx, path, payload, cfg)
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	c.recorder.RecordClientRequest(outcome, elapsed)
	if err != nil {
		c.logger.Info("portal submission failed",
			logging.Route(path),
			logging.Status(status),
			logging.String("outcome", outcome),
			logging.Latency(elapsed))
	}

	st.finish(data, status, err)
	if err != nil {
		return nil
	}
	return data
}

func (c *Client) roundTrip(ctx context.Context, path string, payload any, cfg callConfig) (any, int, error) {
	req, err := c.newRequest(ctx, path, payload, cfg)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, transportError(ctx, err)
	}

	parsed, parseErr := decodeJSON(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &HTTPError{
			Status:  resp.StatusCode,
			Message: errorMessage(parsed, resp.StatusCode),
		}
	}

	if parseErr != nil {
		return nil, resp.StatusCode, ErrInvalidResponse
	}

	if envelope.IsEnvelope(parsed) {
		env, err := envelope.FromValue(parsed)
		if err != nil {
			return nil, resp.StatusCode, ErrDecryptResponse
		}
		plain, err := c.builder.Decrypt(env)
		if err != nil {
			return nil, resp.StatusCode, ErrDecryptResponse
		}
		return plain, resp.StatusCode, nil
	}

	return unwrapResponse(parsed), resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, path string, payload any, cfg callConfig) (*http.Request, error) {
	var (
		body []byte
		err  error
	)
	if cfg.encrypt {
		var env *envelope.Envelope
		env, err = c.builder.Create(payload)
		if err == nil {
			body, err = json.Marshal(env)
		}
	} else {
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeRequest, err)
	}

	for k, vs := range cfg.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set(HeaderContentType, ContentTypeJSON)
	if cfg.encrypt {
		req.Header.Set(HeaderEncryptedRequest, "true")
		req.Header.Set(HeaderEncryptionAlgorithm, string(envelope.AlgorithmGCM))
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	return req, nil
}

// transportError maps a failed exchange onto the client's error set. A
// deadline on ctx is always reported as ErrRequestTimeout.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrRequestTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrRequestCanceled
	default:
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}

// errorMessage picks message, then error, from an error body.
func errorMessage(parsed any, status int) string {
	if m, ok := parsed.(map[string]any); ok {
		for _, key := range []string{"message", "error"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("HTTP Error %d", status)
}

// unwrapResponse returns body.dataresponse, else body.data, else body.
func unwrapResponse(parsed any) any {
	m, ok := parsed.(map[string]any)
	if !ok {
		return parsed
	}
	if v, ok := m["dataresponse"]; ok && v != nil {
		return v
	}
	if v, ok := m["data"]; ok && v != nil {
		return v
	}
	return parsed
}

func outcomeOf(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestCanceled):
		return "canceled"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrDecryptResponse):
		return "decrypt_failed"
	case errors.Is(err, ErrEncodeRequest):
		return "encode_failed"
	default:
		return "invalid_response"
	}
}
