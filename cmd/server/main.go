package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/ptt-speech-service/internal/config"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/server"
	"github.com/skypro1111/ptt-speech-service/internal/storage"
	"github.com/skypro1111/ptt-speech-service/internal/stream"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "ptt-speech-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.String("audio_format", cfg.Audio.Format().String()),
		slog.Float64("max_recording_duration", cfg.Audio.MaxRecordingDuration),
		slog.String("storage_dir", cfg.Storage.Dir),
		slog.Int("max_recordings", cfg.Storage.MaxRecordings),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("simulated", cfg.Transcription.Simulated()),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	format := cfg.Audio.Format()

	// Recognizer
	var (
		recognizer transcription.Recognizer
		txStats    server.TranscriptionStats
		txClient   *transcription.Client
	)
	if cfg.Transcription.Simulated() {
		logger.Warn("No transcription endpoint configured, running in simulation mode")
		recognizer = transcription.Simulated{}
	} else {
		txClient, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Model:         cfg.Transcription.Model,
			Language:      cfg.Transcription.Language,
			Prompt:        cfg.Transcription.Prompt,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			MaxDuration:   cfg.Audio.GetMaxRecordingDuration(),
			OutputFormat:  cfg.Transcription.OutputFormat,
		})
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		recognizer = txClient
		txStats = txClient
	}
	recognizer = server.InstrumentRecognizer(recognizer, appMetrics)

	incremental := transcription.NewIncremental(recognizer, transcription.IncrementalConfig{
		PartialInterval: cfg.Streaming.GetPartialInterval(),
		MaxDuration:     cfg.Audio.GetMaxRecordingDuration(),
	}, logger)

	store, err := storage.NewStore(storage.Config{
		Dir:           cfg.Storage.Dir,
		MaxRecordings: cfg.Storage.MaxRecordings,
		Format:        format,
	}, logger)
	if err != nil {
		logger.Error("Failed to open recording store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Recording store initialized",
		slog.String("dir", cfg.Storage.Dir),
		slog.Int("recordings", store.Stats().Entries),
	)

	sessions := stream.NewManager(logger, stream.ManagerConfig{
		SessionTimeout: cfg.Streaming.GetSessionTimeoutDuration(),
		MaxSessions:    cfg.Streaming.MaxSessions,
	}, appMetrics)

	limiter := server.NewPeerLimiter(ctx, server.RateLimiterConfig{
		ConnectionsPerSecond: cfg.Server.RateLimit,
		Burst:                cfg.Server.RateBurst,
	})

	batchHandler := server.NewBatchHandler(server.BatchConfig{
		Format:       format,
		ReadTimeout:  cfg.Server.GetReadTimeoutDuration(),
		MaxFrameSize: uint32(cfg.Server.MaxFrameSize),
	}, recognizer, store, appMetrics, logger)

	tcpServer := server.NewTCPServer(server.TCPServerConfig{
		Address:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.TCPPort),
		MaxConnections: cfg.Server.MaxConnections,
	}, batchHandler, limiter, appMetrics, logger)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		streamHandler := server.NewStreamHandler(server.StreamHandlerConfig{
			Format:          format,
			MaxSessionAudio: cfg.Audio.GetMaxRecordingDuration(),
		}, incremental, store, sessions, appMetrics, logger)

		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}, logger, cfg, server.Components{
			Sessions:      sessions,
			Batch:         tcpServer,
			Store:         store,
			Streams:       streamHandler,
			Transcription: txStats,
			Limiter:       limiter,
			Gatherer:      registry,
			Metrics:       appMetrics,
		})
	} else {
		logger.Warn("HTTP API disabled, streaming endpoint unavailable")
	}

	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", tcpServer.Addr().String()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Open streaming sessions are cancelled first so their handlers return
	sessions.Stop()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := tcpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	if txClient != nil {
		txClient.Close()
	}

	stats := tcpServer.GetStatistics()
	storeStats := store.Stats()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("rate_limited", stats.RateLimited),
		slog.Uint64("recordings_persisted", storeStats.Persisted),
		slog.Uint64("recordings_evicted", storeStats.Evicted),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	level := cfg.SlogLevel()

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, opts))
	}
	return slog.New(slog.NewTextHandler(output, opts))
}
