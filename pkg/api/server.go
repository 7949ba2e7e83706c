// Package api assembles the portal backend-for-frontend: the encrypted login
// and workflow routes, health and metrics endpoints, and the middleware
// chain around them.
package api

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/api/middleware"
	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/health"
	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/metrics"
	portaltls "github.com/dd0wney/cluso-portal/pkg/tls"
	"github.com/dd0wney/cluso-portal/pkg/transport"
	"github.com/dd0wney/cluso-portal/pkg/workflow"
)

// Routes served by the portal.
const (
	RouteLogin       = "/api/auth/login"
	RouteWorkflow    = "/api/workflow"
	RouteAudit       = "/api/audit/events"
	RouteHealth      = "/health"
	RouteHealthReady = "/health/ready"
	RouteHealthLive  = "/health/live"
	RouteMetrics     = "/metrics"
)

const (
	// maxGoroutines marks the process degraded on the liveness probe.
	maxGoroutines = 10000

	certificateWarning = 14 * 24 * time.Hour
)

// Server represents the HTTP API server
type Server struct {
	cfg       *config.Config
	logger    logging.Logger
	metrics   *metrics.Registry
	builder   *envelope.Builder
	replay    *envelope.ReplayGuard
	receiver  *transport.Receiver
	sessions  *auth.SessionManager
	directory auth.Directory
	forwarder *workflow.Forwarder
	health    *health.HealthChecker
	limiter   *middleware.RateLimiter
	proxies   []netip.Prefix
	audit     *audit.Trail
	draining  atomic.Bool

	tlsConfig *tls.Config
	certInfo  *portaltls.CertificateInfo

	httpClient *http.Client
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics registry. A fresh registry is used otherwise.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithDirectory replaces the credential directory built from auth.users.
func WithDirectory(d auth.Directory) Option {
	return func(s *Server) {
		if d != nil {
			s.directory = d
		}
	}
}

// WithWorkflowClient sets the HTTP client used to reach the workflow API.
func WithWorkflowClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// NewServer builds a server from a validated configuration.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	s := &Server{
		cfg:    cfg,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}
	s.logger = s.logger.With(logging.Component("api"))

	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// Builder returns the envelope builder shared by all routes.
func (s *Server) Builder() *envelope.Builder {
	return s.builder
}

// Sessions returns the session manager.
func (s *Server) Sessions() *auth.SessionManager {
	return s.sessions
}

// Metrics returns the metrics registry.
func (s *Server) Metrics() *metrics.Registry {
	return s.metrics
}

// Audit returns the security audit trail.
func (s *Server) Audit() *audit.Trail {
	return s.audit
}

// TLSConfig returns the listener TLS configuration, or nil for plain HTTP.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetDraining makes readiness fail so load balancers stop routing here.
func (s *Server) SetDraining(draining bool) {
	s.draining.Store(draining)
}

// SetLogLevel changes the level of the server logger and its children.
func (s *Server) SetLogLevel(level logging.Level) {
	s.logger.SetLevel(level)
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	login := s.receiver.WithEncryptedRequest(s.handleLogin, transport.ReceiveOptions{
		MaxAge:           s.cfg.Crypto.MaxAge,
		RequireSignature: s.cfg.Crypto.RequireSignature,
		EncryptResponse:  true,
		Route:            RouteLogin,
	})
	login = middleware.RateLimit(s.limiter, middleware.ClientIPFunc(s.proxies), func(r *http.Request, _ string) {
		s.metrics.RecordRateLimited(RouteLogin)
		s.recordAudit(r, &audit.Event{
			Action:     audit.ActionRateLimited,
			Route:      RouteLogin,
			Status:     audit.StatusDenied,
			HTTPStatus: http.StatusTooManyRequests,
		})
	})(login)
	mux.Handle("POST "+RouteLogin, login)

	wf := s.receiver.WithWorkflowRequest(s.handleWorkflow, transport.ReceiveOptions{
		MaxAge:           s.cfg.Crypto.MaxAge,
		RequireSignature: s.cfg.Crypto.RequireSignature,
		EncryptResponse:  true,
		DeepWorkflow:     s.cfg.Workflow.Deep,
		Route:            RouteWorkflow,
	})
	mux.Handle("POST "+RouteWorkflow, auth.RequireSession(s.sessions, s.logger)(wf))

	auditEvents := middleware.Chain(http.HandlerFunc(s.handleAuditEvents),
		auth.RequireSession(s.sessions, s.logger),
		auth.RequireRole(s.cfg.Audit.Role))
	mux.Handle("GET "+RouteAudit, auditEvents)

	mux.Handle("GET "+RouteHealth, s.health.HTTPHandler())
	mux.Handle("GET "+RouteHealthReady, s.health.ReadinessHandler())
	mux.Handle("GET "+RouteHealthLive, s.health.LivenessHandler())
	mux.Handle("GET "+RouteMetrics, s.metrics.Handler())

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = s.cfg.HTTP.CORSOrigins

	return middleware.Chain(mux,
		middleware.PanicRecovery(s.logger),
		middleware.RequestID(),
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics, RouteLogin, RouteWorkflow, RouteAudit, RouteHealth, RouteHealthReady, RouteHealthLive, RouteMetrics),
		middleware.SecurityHeaders(&middleware.SecurityHeadersConfig{TLSEnabled: s.tlsConfig != nil}),
		middleware.CORS(cors),
		middleware.BodySizeLimit(s.cfg.HTTP.BodyLimit),
	)
}

var (
	_ transport.Recorder         = (*metrics.Registry)(nil)
	_ transport.ClientRecorder   = (*metrics.Registry)(nil)
	_ middleware.MetricsRecorder = (*metrics.Registry)(nil)
	_ workflow.Recorder          = (*metrics.Registry)(nil)
	_ auth.Validator             = (*auth.SessionManager)(nil)
	_ auth.Directory             = (*auth.StaticDirectory)(nil)
	_ audit.Recorder             = (*audit.Trail)(nil)
)
