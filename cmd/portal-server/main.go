// Command portal-server runs the encrypted backend-for-frontend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dd0wney/cluso-portal/pkg/api"
	"github.com/dd0wney/cluso-portal/pkg/config"
	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/server"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration with secrets redacted and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portal-server: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "portal-server: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := logging.NewDefaultLogger(cfg.Log.Level)
	if err := run(cfg, *configFile, logger); err != nil {
		logger.Error("server exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configFile string, logger logging.Logger) error {
	logger.Info("cluso portal starting",
		logging.String("profile", string(cfg.Profile)),
		logging.String("addr", cfg.ListenAddr),
		logging.Bool("tls", cfg.TLS.Enabled),
		logging.Bool("workflow_configured", cfg.Workflow.URL != ""))

	srv, err := api.NewServer(cfg, api.WithLogger(logger))
	if err != nil {
		return err
	}

	gs := server.NewGracefulServer(cfg.ListenAddr, srv.Handler(),
		server.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout),
		server.WithShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		server.WithLogger(logger),
		server.WithTLSConfig(srv.TLSConfig()),
		server.WithReloadFunc(func() error {
			// Only the log level is reloadable; everything else needs a restart.
			next, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger.SetLevel(logging.ParseLevel(next.Log.Level))
			logger.Info("log level reloaded", logging.String("level", next.Log.Level))
			return nil
		}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		srv.SetDraining(true)
		logger.Info("shutting down")
	}()

	return gs.Serve(ctx)
}
