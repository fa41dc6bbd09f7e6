// Command thunderpush runs the push server: the client websocket endpoint,
// the backend HTTP API, the admin status pages and Prometheus metrics, all on
// one listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mroth/thunderpush"
	"github.com/mroth/thunderpush/admin"
	"github.com/mroth/thunderpush/api"
	"github.com/mroth/thunderpush/internal/config"
	"github.com/mroth/thunderpush/internal/logging"
	"github.com/mroth/thunderpush/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr string

	flagSet := pflag.NewFlagSet("thunderpush", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (default: ./thunderpush.yaml)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	registry := thunderpush.NewRegistry(logger, m)
	if err := registry.Provision(cfg.Tenants, cfg.Provisioning.Strict); err != nil {
		return fmt.Errorf("provisioning tenants: %w", err)
	}
	if registry.Len() == 0 {
		logger.Warn("no tenants provisioned, every CONNECT will be refused")
	}

	opts := []thunderpush.ServerOption{
		thunderpush.WithLogger(logger),
		thunderpush.WithRegistry(registry),
		thunderpush.WithMetrics(m),
		thunderpush.WithAllowedOrigins(cfg.Connection.AllowedOrigins...),
		thunderpush.WithConnBufSize(cfg.Connection.SendBuffer),
		thunderpush.WithMaxMessageSize(cfg.Connection.MaxMessageSize),
		thunderpush.WithPingInterval(cfg.Connection.PingInterval),
	}
	if !cfg.Admin.Enabled {
		opts = append(opts, thunderpush.WithDisableAdminEndpoints())
	}
	s, err := thunderpush.NewServer(opts...)
	if err != nil {
		return err
	}

	apiOpts := api.Options{
		RequireSecretKey: cfg.API.RequireSecretKey,
		MaxPayloadBytes:  cfg.API.MaxPayloadBytes,
		Logger:           logger,
		Metrics:          m,
	}
	if cfg.API.RateLimiter.Enabled {
		apiOpts.RateLimit = cfg.API.RateLimiter.RequestsPerSecond
		apiOpts.RateBurst = cfg.API.RateLimiter.BurstSize
	}

	r := mux.NewRouter()
	r.Handle("/connect", s)
	r.PathPrefix("/1.0.0/").Handler(api.NewHandler(registry, apiOpts))
	r.PathPrefix("/admin/").Handler(admin.AdminHandler(s))
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	// no write timeout: client sessions are long lived and pace their own
	// writes with per-frame deadlines
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	logger.Info("thunderpush started",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("tenants", registry.Len()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// hijacked websocket sessions are not tracked by http.Server
	s.Shutdown()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	logger.Info("thunderpush shutdown complete")
	return nil
}
