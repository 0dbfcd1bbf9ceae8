package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/amqp-plug/pkg/amqp"
	"github.com/ericogr/amqp-plug/pkg/amqp/transport"
	"github.com/ericogr/amqp-plug/pkg/amqp/upstream"
	"github.com/ericogr/amqp-plug/pkg/broker/mongostore"
	"github.com/ericogr/amqp-plug/pkg/config"
	"github.com/ericogr/amqp-plug/pkg/observability"
	"github.com/rs/zerolog"
)

// runServe serves until ctx is done or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, cfg config.Config, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := cfg.Log.Logger(logOut)
	if err != nil {
		return err
	}
	amqp.SetLogger(logger)
	transport.SetLogger(logger)
	upstream.SetLogger(logger)
	mongostore.SetLogger(logger)

	factory, err := amqp.LookupEngine(cfg.Server.Engine)
	if err != nil {
		return err
	}
	broker, closeBroker, err := openBroker(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("broker %s: %w", cfg.Broker.Kind, err)
	}
	defer closeBroker()

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, logger)
		defer stop()
	}

	opts := transport.Options{
		Engine:           factory,
		Broker:           broker,
		Config:           cfg.AMQP(),
		HandshakeTimeout: cfg.Server.HandshakeTimeout.Duration,
	}
	logger.Info().
		Str("listen", cfg.Server.Listen).
		Str("transport", cfg.Server.Transport).
		Str("engine", cfg.Server.Engine).
		Str("broker", cfg.Broker.Kind).
		Msg("starting amqpd")

	if cfg.Server.Transport == "gnet" {
		return serveGnet(ctx, cfg, opts, logger)
	}
	return serveNet(ctx, cfg, opts, logger)
}

func serveNet(ctx context.Context, cfg config.Config, opts transport.Options, logger zerolog.Logger) error {
	srv, err := transport.NewServer(opts)
	if err != nil {
		return err
	}
	var tlsConfig *tls.Config
	if cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load tls key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, cfg.Server.Listen, tlsConfig) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info().Int("connections", srv.Connections()).Msg("shutting down")
	sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer stop()
	return srv.Shutdown(sctx)
}

func serveGnet(ctx context.Context, cfg config.Config, opts transport.Options, logger zerolog.Logger) error {
	srv, err := transport.NewGnetServer(cfg.Server.Listen, cfg.Server.Multicore, opts)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Int("connections", srv.Connections()).Msg("shutting down")
	sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer stop()
	return srv.Stop(sctx)
}

func shutdownTimeout(cfg config.Config) time.Duration {
	return cfg.Adapter.WriteDrainTimeout.Duration + time.Second
}

// serveMetrics exposes /metrics on addr and returns a function stopping it.
func serveMetrics(addr string, logger zerolog.Logger) func() {
	observability.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
