// Package workflow forwards decrypted workflow RPC bodies to the remote
// workflow API.
package workflow

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

	"github.com/dd0wney/cluso-portal/pkg/logging"
)

const (
	// DefaultTimeout bounds a single upstream call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of an upstream response is read.
	maxResponseBytes = 4 << 20
)

var (
	ErrNotConfigured = errors.New("workflow upstream is not configured")
	ErrTimeout       = errors.New("workflow upstream timed out")
	ErrUnavailable   = errors.New("workflow upstream unavailable")
	ErrBadResponse   = errors.New("workflow upstream returned an invalid response")
)

// Recorder observes upstream calls. status is 0 when no response arrived.
type Recorder interface {
	RecordWorkflowForward(status int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowForward(int, time.Duration) {}

// Response is an upstream reply.
type Response struct {
	Status int
	Body   any
}

// Forwarder posts plaintext JSON to the workflow API.
type Forwarder struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	logger     logging.Logger
	recorder   Recorder
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(f *Forwarder) {
		if r != nil {
			f.recorder = r
		}
	}
}

// NewForwarder creates a forwarder for url. An empty url yields a forwarder
// whose calls fail with ErrNotConfigured.
func NewForwarder(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     logging.NewNopLogger(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(logging.Component("workflow"))
	return f
}

// Configured reports whether an upstream URL is set.
func (f *Forwarder) Configured() bool {
	return f.url != ""
}

// URL returns the upstream URL.
func (f *Forwarder) URL() string {
	return f.url
}

// Forward posts body and returns the upstream status and decoded JSON
// reply. Non-2xx replies are returned, not treated as errors. Headers in
// extra are copied onto the upstream request.
func (f *Forwarder) Forward(ctx context.Context, body any, extra http.Header) (*Response, error) {
	if !f.Configured() {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build workflow request: %w", err)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log := logging.FromContext(ctx, f.logger)
	start := time.Now()

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.recorder.RecordWorkflowForward(0, time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("workflow upstream timed out", logging.Duration("timeout", f.timeout))
			return nil, ErrTimeout
		}
		log.Warn("workflow upstream unreachable", logging.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	f.recorder.RecordWorkflowForward(resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	out := &Response{Status: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			log.Warn("workflow upstream returned non-JSON body", logging.Status(resp.StatusCode))
			return nil, ErrBadResponse
		}
	}

	log.Debug("workflow forwarded",
		logging.Status(resp.StatusCode),
		logging.Latency(time.Since(start)))
	return out, nil
}
