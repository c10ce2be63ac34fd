package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/dirsync/pkg/client"
	"github.com/haasonsaas/dirsync/pkg/collector"
	"github.com/haasonsaas/dirsync/pkg/config"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/dirsync/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Sync server URL (overrides config)")
	exportDir  = flag.String("export-dir", "", "Directory export folder (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("dirsync agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *exportDir != "" {
		cfg.Collector.ExportDir = *exportDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
		ServiceName:    "dirsync-agent",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	api, err := client.New(client.Options{
		BaseURL:    cfg.Server.URL,
		CAFile:     cfg.Server.CAFile,
		ServerName: cfg.Server.ServerName,
		Timeout:    time.Duration(cfg.Server.RequestTimeout) * time.Second,
		UserAgent:  "dirsync-agent/" + Version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server client")
	}
	log.Info().Str("server", cfg.Server.URL).Str("export_dir", cfg.Collector.ExportDir).Msg("Configuration loaded")

	rt := newRuntime(cfg, runtimeDeps{
		client:  api,
		source:  collector.NewFileCollector(cfg.Collector.ExportDir),
		logger:  log.Logger,
		version: Version,
	})
	if err := rt.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Agent failed")
	}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("DIRSYNC_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("DIRSYNC_AGENT_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Str("service", "dirsync-agent").Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Str("service", "dirsync-agent").Logger()
}
