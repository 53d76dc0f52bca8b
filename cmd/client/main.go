package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/client"
	"github.com/skypro1111/ptt-speech-service/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	mode := flag.String("mode", "batch", "Transport: batch (TCP) or stream (WebSocket)")
	file := flag.String("file", "", "WAV or raw PCM file to send; a test tone is generated when empty")
	duration := flag.Duration("duration", 2*time.Second, "Test tone length")
	frequency := flag.Float64("frequency", 440, "Test tone frequency in Hz")
	presses := flag.Int("presses", 1, "Number of push-to-talk presses in batch mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	sink := client.LogSink{Logger: logger}
	format := cfg.Audio.Format()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chunkSize := int(format.BytesFor(cfg.Client.GetChunkInterval()))

	newSource := func() (audio.ChunkSource, error) {
		return openSource(*file, format, chunkSize, *duration, *frequency)
	}

	switch *mode {
	case "batch":
		err = runBatch(ctx, cfg, format, sink, logger, newSource, *presses)
	case "stream":
		err = runStream(ctx, cfg, sink, logger, newSource)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runBatch(ctx context.Context, cfg *config.Config, format audio.Format, sink client.Sink,
	logger *slog.Logger, newSource func() (audio.ChunkSource, error), presses int) error {

	var buffer audio.RecordingBuffer
	if cfg.Client.BufferDir != "" {
		buffer = audio.NewFileBuffer(cfg.Client.BufferDir, format, cfg.Audio.GetMaxRecordingDuration())
	} else {
		budget := cfg.Client.MemoryBudget
		if limit := format.BytesFor(cfg.Audio.GetMaxRecordingDuration()); limit < budget {
			budget = limit
		}
		buffer = audio.NewMemoryBuffer(format, budget)
	}

	batch := client.NewBatchClient(client.BatchConfig{
		Address:         cfg.Client.ServerAddress,
		ConnectTimeout:  cfg.Client.GetConnectTimeoutDuration(),
		ResponseTimeout: cfg.Client.GetResponseTimeoutDuration(),
		UploadRate:      cfg.Client.UploadRate,
	}, logger)

	recorder := client.NewRecorder(buffer, batch, sink, logger)

	for i := 0; i < presses; i++ {
		src, err := newSource()
		if err != nil {
			return err
		}

		rec, err := recorder.Record(ctx, src)
		if closer, ok := src.(interface{ Close() error }); ok {
			closer.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed press does not stop the device
			logger.Warn("Push-to-talk failed",
				slog.Int("press", i+1),
				slog.String("state", rec.State.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("Push-to-talk complete",
			slog.Int("press", i+1),
			slog.Duration("audio_duration", rec.Duration),
			slog.Bool("truncated", rec.Truncated),
			slog.String("transcript", rec.Transcript),
		)
	}

	stats := batch.Stats()
	logger.Info("Batch client statistics",
		slog.Uint64("exchanges", stats.Exchanges),
		slog.Uint64("failures", stats.Failures),
		slog.Uint64("timeouts", stats.Timeouts),
		slog.Uint64("bytes_sent", stats.BytesSent),
	)

	return nil
}

func runStream(ctx context.Context, cfg *config.Config, sink client.Sink,
	logger *slog.Logger, newSource func() (audio.ChunkSource, error)) error {

	src, err := newSource()
	if err != nil {
		return err
	}
	if closer, ok := src.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	session := client.NewStreamingSession(client.StreamConfig{
		URL:              cfg.Client.StreamURL,
		ChunkInterval:    cfg.Client.GetChunkInterval(),
		ReconnectBackoff: cfg.Client.GetReconnectBackoff(),
		HandshakeTimeout: cfg.Client.GetConnectTimeoutDuration(),
	}, sink, logger)

	err = session.Run(ctx, src)

	stats := session.Stats()
	logger.Info("Streaming session statistics",
		slog.Uint64("connect_attempts", stats.ConnectAttempts),
		slog.Uint64("connections", stats.Connections),
		slog.Uint64("chunks_sent", stats.ChunksSent),
		slog.Uint64("events_received", stats.EventsReceived),
		slog.String("transcript", strings.Join(session.Committed(), " ")),
	)

	return err
}

// fileSource is a ChunkSource over an open raw PCM file
type fileSource struct {
	*audio.ReaderSource
	file *os.File
}

func (s *fileSource) Close() error {
	return s.file.Close()
}

// openSource returns the audio for one press: a WAV file, a raw PCM file or a generated tone
func openSource(path string, format audio.Format, chunkSize int, duration time.Duration, frequency float64) (audio.ChunkSource, error) {
	if path == "" {
		return audio.NewToneSource(format, frequency, duration, chunkSize), nil
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		pcm, fileFormat, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if fileFormat != format {
			return nil, fmt.Errorf("%s is %s, expected %s", path, fileFormat, format)
		}

		return audio.NewSliceSource(pcm, chunkSize), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &fileSource{ReaderSource: audio.NewReaderSource(f, format, chunkSize), file: f}, nil
}
