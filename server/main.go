package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/dirsync/pkg/ca"
	"github.com/haasonsaas/dirsync/pkg/config"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/dirsync/server.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := newServerLogger(cfg.Logging)
	log.Logger = logger
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited")
	}
}

func newServerLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "dirsync-server").Logger()
}

func run(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) error {
	logger.Info().Str("version", Version).Msg("dirsync server starting")

	provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
		ServiceName:    "dirsync-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         &logger,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}

	keys, err := ca.LoadOrGenerateKeyPair(cfg.CA.CertPath, cfg.CA.KeyPath, ca.KeyPairOptions{
		CommonName:   cfg.CA.CommonName,
		Organization: cfg.CA.Organization,
		Validity:     cfg.CA.Validity.Std(),
	})
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	logger.Info().Str("ca_subject", keys.Certificate.Subject.String()).Time("ca_not_after", keys.Certificate.NotAfter).Msg("CA loaded")

	var locker store.Locker = store.NewMemoryLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = store.NewRedisLocker(client, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL.Std())
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis agent locks")
	}

	publisher, err := events.Open(ctx, events.Options{
		Backend:  cfg.Events.Backend,
		URL:      cfg.Events.URL,
		Subject:  cfg.Events.Subject,
		Exchange: cfg.Events.Exchange,
		Name:     "dirsync-server",
	}, logger)
	if err != nil {
		return fmt.Errorf("open events backend: %w", err)
	}
	defer publisher.Close()

	srv, err := newServer(cfg, serverDeps{db: db, keys: keys, locker: locker, events: publisher, logger: logger})
	if err != nil {
		return err
	}

	tlsConfig, err := serverTLSConfig(cfg.TLS, keys)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	go srv.runSweeper(ctx, cfg.CA.SweepInterval.Std())

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("listening")
		errCh <- httpServer.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// serverTLSConfig requests, but does not require, client certificates
// signed by the agent CA. Register, validate and health work without one.
func serverTLSConfig(cfg config.TLSConfig, keys *ca.KeyPair) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.CertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	} else {
		cert, err = keys.ServerCertificate(cfg.Hosts, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    keys.Pool(),
	}, nil
}
