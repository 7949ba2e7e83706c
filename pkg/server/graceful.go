// Package server runs the portal HTTP server with graceful shutdown and
// SIGHUP driven reloads.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-portal/pkg/logging"
)

// DefaultShutdownTimeout bounds the connection drain on shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// ConfigReloadFunc is a function that reloads configuration
type ConfigReloadFunc func() error

// GracefulServer wraps an HTTP server with graceful shutdown capabilities
type GracefulServer struct {
	server          *http.Server
	logger          logging.Logger
	shutdownTimeout time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	ready        chan struct{}
	addr         net.Addr

	configMu       sync.RWMutex
	configReloadFn ConfigReloadFunc
}

// Option configures a GracefulServer.
type Option func(*GracefulServer)

// WithTimeouts sets the read and write timeouts. Zero keeps the default.
func WithTimeouts(read, write time.Duration) Option {
	return func(gs *GracefulServer) {
		if read > 0 {
			gs.server.ReadTimeout = read
			gs.server.ReadHeaderTimeout = read
		}
		if write > 0 {
			gs.server.WriteTimeout = write
		}
	}
}

// WithShutdownTimeout bounds how long Serve waits for connections to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(gs *GracefulServer) {
		if d > 0 {
			gs.shutdownTimeout = d
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l logging.Logger) Option {
	return func(gs *GracefulServer) {
		if l != nil {
			gs.logger = l
		}
	}
}

// WithTLSConfig serves HTTPS with cfg. A nil cfg serves plain HTTP.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(gs *GracefulServer) {
		gs.server.TLSConfig = cfg
	}
}

// WithReloadFunc sets the function run on SIGHUP.
func WithReloadFunc(fn ConfigReloadFunc) Option {
	return func(gs *GracefulServer) {
		gs.configReloadFn = fn
	}
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(addr string, handler http.Handler, opts ...Option) *GracefulServer {
	gs := &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:          logging.NewNopLogger(),
		shutdownTimeout: DefaultShutdownTimeout,
		shutdownCh:      make(chan struct{}),
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(gs)
	}
	gs.logger = gs.logger.With(logging.Component("server"))
	return gs
}

// Serve listens on the configured address and serves until ctx is done or
// Shutdown is called, then drains connections. It returns nil after a clean
// shutdown.
func (gs *GracefulServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.addr = ln.Addr()
	if gs.server.TLSConfig != nil {
		ln = tls.NewListener(ln, gs.server.TLSConfig)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.server.Serve(ln)
	}()

	gs.logger.Info("HTTP server listening",
		logging.String("addr", gs.addr.String()),
		logging.Bool("tls", gs.server.TLSConfig != nil))
	close(gs.ready)

	for {
		select {
		case err := <-errCh:
			return ignoreClosed(err)
		case <-sigCh:
			gs.logger.Info("received SIGHUP, reloading configuration")
			_ = gs.ReloadConfig()
		case <-ctx.Done():
			shutdownErr := gs.Shutdown(gs.shutdownTimeout)
			serveErr := <-errCh
			if shutdownErr != nil {
				return shutdownErr
			}
			return ignoreClosed(serveErr)
		case <-gs.shutdownCh:
			// Shutdown was called directly
			return ignoreClosed(<-errCh)
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Ready is closed once the listener is bound.
func (gs *GracefulServer) Ready() <-chan struct{} {
	return gs.ready
}

// Addr returns the bound listener address. It is nil before Ready.
func (gs *GracefulServer) Addr() net.Addr {
	return gs.addr
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		op := logging.StartTimer(gs.logger, "graceful shutdown", logging.Duration("timeout", timeout))
		if err = gs.server.Shutdown(ctx); err != nil {
			op.EndError(err)
			return
		}
		gs.logger.Info("server shutdown complete", logging.Latency(op.Elapsed()))
	})
	return err
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// SetConfigReloadFunc sets the function to call when configuration reload is triggered
func (gs *GracefulServer) SetConfigReloadFunc(fn ConfigReloadFunc) {
	gs.configMu.Lock()
	defer gs.configMu.Unlock()
	gs.configReloadFn = fn
}

// ReloadConfig triggers a configuration reload
func (gs *GracefulServer) ReloadConfig() error {
	gs.configMu.RLock()
	reloadFn := gs.configReloadFn
	gs.configMu.RUnlock()

	if reloadFn == nil {
		gs.logger.Warn("configuration reload requested, but no reload function configured")
		return nil
	}

	if err := reloadFn(); err != nil {
		gs.logger.Error("configuration reload failed", logging.Error(err))
		return err
	}

	gs.logger.Info("configuration reload complete")
	return nil
}
