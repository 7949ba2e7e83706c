package api

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-portal/pkg/api/middleware"
	"github.com/dd0wney/cluso-portal/pkg/audit"
	"github.com/dd0wney/cluso-portal/pkg/auth"
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/encryption"
	"github.com/dd0wney/cluso-portal/pkg/envelope"
	"github.com/dd0wney/cluso-portal/pkg/health"
	"github.com/dd0wney/cluso-portal/pkg/logging"
	portaltls "github.com/dd0wney/cluso-portal/pkg/tls"
	"github.com/dd0wney/cluso-portal/pkg/transport"
	"github.com/dd0wney/cluso-portal/pkg/workflow"
)

// NewBuilder creates the envelope builder described by cfg. The HMAC signer
// is attached when a secret is configured.
func NewBuilder(cfg config.CryptoConfig) *envelope.Builder {
	codec := encryption.NewCodec(encryption.NewKeyDeriver(cfg.Passphrase))
	opts := []envelope.BuilderOption{envelope.WithMaxAge(cfg.MaxAge)}
	if cfg.HMACSecret != "" {
		opts = append(opts, envelope.WithSigner(encryption.NewSigner(cfg.HMACSecret)))
	}
	return envelope.NewBuilder(codec, opts...)
}

func (s *Server) init() error {
	cfg := s.cfg

	s.builder = NewBuilder(cfg.Crypto)

	replay, err := envelope.NewReplayGuard(cfg.Crypto.ReplayCacheSize)
	if err != nil {
		return err
	}
	s.replay = replay

	s.receiver = transport.NewReceiver(s.builder,
		transport.WithReplayGuard(replay),
		transport.WithReceiverLogger(s.logger),
		transport.WithRecorder(s.metrics))

	if s.sessions, err = auth.NewSessionManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL); err != nil {
		return fmt.Errorf("auth.jwt_secret: %w", err)
	}

	if s.directory == nil {
		if err := s.initDirectory(); err != nil {
			return err
		}
	}

	if s.proxies, err = middleware.ParseTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return fmt.Errorf("http.trusted_proxies: %w", err)
	}

	s.limiter, err = middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Auth.LoginRPS,
		BurstSize:         cfg.Auth.LoginBurst,
		MaxClients:        middleware.DefaultRateLimitConfig().MaxClients,
	})
	if err != nil {
		return fmt.Errorf("auth.login_rps: %w", err)
	}

	fwdOpts := []workflow.Option{
		workflow.WithTimeout(cfg.Workflow.Timeout),
		workflow.WithLogger(s.logger),
		workflow.WithRecorder(s.metrics),
	}
	if s.httpClient != nil {
		fwdOpts = append(fwdOpts, workflow.WithHTTPClient(s.httpClient))
	}
	s.forwarder = workflow.NewForwarder(cfg.Workflow.URL, fwdOpts...)
	if !s.forwarder.Configured() {
		s.logger.Warn("workflow.url is not set, workflow requests will be refused")
	}

	s.audit = audit.NewTrail(cfg.Audit.BufferSize, s.logger)

	s.tlsConfig, s.certInfo, err = portaltls.Load(portaltls.Config{
		Enabled:      cfg.TLS.Enabled,
		CertFile:     cfg.TLS.CertFile,
		KeyFile:      cfg.TLS.KeyFile,
		AutoGenerate: cfg.TLS.AutoGenerate,
		Hosts:        cfg.TLS.Hosts,
	})
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if s.certInfo != nil && s.certInfo.SelfSigned {
		s.logger.Warn("serving a self-signed certificate", logging.Any("hosts", cfg.TLS.Hosts))
	}

	s.initHealth()

	if len(cfg.DevFallbacks) > 0 {
		s.logger.Warn("using development secrets", logging.Any("keys", cfg.DevFallbacks))
	}
	return nil
}

func (s *Server) initDirectory() error {
	entries := make([]auth.Entry, 0, len(s.cfg.Auth.Users))
	for _, u := range s.cfg.Auth.Users {
		entries = append(entries, auth.Entry{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Roles:        u.Roles,
		})
	}
	dir, err := auth.NewStaticDirectory(entries)
	if err != nil {
		return fmt.Errorf("auth.users: %w", err)
	}
	if dir.Len() == 0 {
		s.logger.Warn("auth.users is empty, every login will be refused")
	}
	s.directory = dir
	return nil
}

func (s *Server) initHealth() {
	hc := health.NewHealthChecker()
	envelopeCheck := health.EnvelopeCheck(s.builder)
	accepting := func(ctx context.Context) health.Check {
		if s.draining.Load() {
			return health.Check{Name: "accepting", Status: health.StatusUnhealthy, Message: "Draining"}
		}
		return health.Check{Name: "accepting", Status: health.StatusHealthy}
	}

	certificate := health.CertificateCheck(s.certInfo, certificateWarning, nil)

	hc.RegisterCheck("envelope", envelopeCheck)
	hc.RegisterCheck("replay_cache", health.ReplayCacheCheck(s.replay, s.cfg.Crypto.ReplayCacheSize))
	hc.RegisterCheck("secrets", health.DevSecretsCheck(s.cfg.DevFallbacks))
	hc.RegisterCheck("workflow", health.UpstreamCheck("workflow", s.forwarder.URL()))
	hc.RegisterCheck("accepting", accepting)
	hc.RegisterCheck("certificate", certificate)

	hc.RegisterReadinessCheck("envelope", envelopeCheck)
	hc.RegisterReadinessCheck("accepting", accepting)

	hc.RegisterLivenessCheck("goroutines", health.GoroutineCheck(maxGoroutines))

	s.health = hc
}
