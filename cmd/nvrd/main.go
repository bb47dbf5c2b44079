package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/api"
	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/health"
	"heron-nvr-go/internal/ingest"
	"heron-nvr-go/internal/logging"
	"heron-nvr-go/internal/prebuffer"
	"heron-nvr-go/internal/services/detection"
	"heron-nvr-go/internal/services/messaging"
	"heron-nvr-go/internal/services/recorder"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = time.RFC3339
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(console)

	// Load configuration
	cfg := config.Load()

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Tee logs into the embedded Logdy UI when enabled
	if cfg.LogdyEnabled {
		logdyWriter, url, err := logging.StartLogdy(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to start Logdy, console logging only")
		} else {
			log.Logger = log.Output(zerolog.MultiLevelWriter(io.Writer(console), logdyWriter))
			log.Info().Str("url", url).Msg("Log tee to Logdy enabled")
		}
	}

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("buffer_strategy", cfg.BufferStrategy).
		Bool("detection_enabled", cfg.DetectionEnabled).
		Msg("Starting Heron NVR node")

	// Shared buffer pool for every ingestion loop
	pool, err := bufferpool.New(cfg.BufferPoolSize, cfg.BufferAllocationRetries)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create buffer pool")
	}

	selector := prebuffer.NewSelector(cfg.ExternalAPIPort, pool)
	supervisor := health.NewSupervisor()

	// NATS carries detection request-reply and event publishing. The node
	// still ingests and buffers without it, so a failed connect degrades
	// rather than aborts.
	messageSvc, err := messaging.NewService(cfg)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NatsURL).
			Msg("NATS unavailable, running without detection or event publishing")
		messageSvc = nil
	}

	var detector ingest.Detector
	if cfg.DetectionEnabled && messageSvc != nil {
		detector = detection.NewService(cfg, messageSvc)
		log.Info().Str("subject", cfg.DetectionSubject).Msg("Detection service enabled")
	}

	var recorderPub recorder.Publisher
	var eventPub ingest.Publisher
	if messageSvc != nil {
		recorderPub = messageSvc
		eventPub = messageSvc
	}
	recorderSvc := recorder.NewService(cfg, recorderPub)

	manager := ingest.NewManager(cfg, pool, selector, detector, recorderSvc, eventPub, supervisor)

	newServer := func() (*api.Server, error) {
		srv := api.NewServer(cfg, supervisor, manager, selector, pool, recorderSvc)
		if err := srv.Setup(); err != nil {
			return nil, err
		}
		return srv, nil
	}

	server, err := newServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}
	var serverMu sync.Mutex

	startServer := func(srv *api.Server) {
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("API server stopped")
			}
		}()
	}
	startServer(server)

	// Supervisor loop: evaluate health and recycle the serving plane when
	// it stays degraded past the restart policy.
	supervisorCtx, supervisorCancel := context.WithCancel(context.Background())
	defer supervisorCancel()
	go func() {
		ticker := time.NewTicker(cfg.HealthEvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-supervisorCtx.Done():
				return
			case <-ticker.C:
				verdict := supervisor.Evaluate()
				log.Debug().Stringer("verdict", verdict).Msg("Supervision tick")
				if !supervisor.RestartNeeded() {
					continue
				}
				log.Warn().Msg("Supervisor restarting the API serving plane")
				serverMu.Lock()
				if err := server.Stop(); err != nil {
					log.Error().Err(err).Msg("Failed to stop degraded server")
				}
				replacement, err := newServer()
				if err != nil {
					serverMu.Unlock()
					log.Error().Err(err).Msg("Failed to rebuild server")
					continue
				}
				server = replacement
				startServer(server)
				serverMu.Unlock()
				supervisor.AcknowledgeRestartAttempt()
				supervisor.ResetMetrics()
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")
	supervisorCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	serverMu.Lock()
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("API server forced to shutdown")
	}
	serverMu.Unlock()

	if err := manager.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Ingestion shutdown incomplete")
	}

	if messageSvc != nil {
		if err := messageSvc.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("NATS shutdown incomplete")
		}
	}

	pool.Teardown()
	log.Info().Msg("Shutdown complete")
}
