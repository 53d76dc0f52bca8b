package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
	"github.com/skypro1111/ptt-speech-service/internal/storage"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

// Response outcomes used for metrics labels
const (
	outcomeTranscript = "transcript"
	outcomeNoSpeech   = "no_speech"
	outcomeTooShort   = "too_short"
	outcomeError      = "error"
)

// Persister stores received recordings
type Persister interface {
	Persist(pcm []byte) (storage.Entry, error)
}

// BatchConfig contains batch handler settings
type BatchConfig struct {
	Format       audio.Format
	ReadTimeout  time.Duration // Time allowed for the whole request frame to arrive
	WriteTimeout time.Duration
	MaxFrameSize uint32
}

// BatchHandler serves one request/response exchange per TCP connection:
// a length-prefixed PCM recording in, a length-prefixed UTF-8 transcript out
type BatchHandler struct {
	config     BatchConfig
	recognizer transcription.Recognizer
	store      Persister
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewBatchHandler creates a batch handler
func NewBatchHandler(config BatchConfig, recognizer transcription.Recognizer, store Persister,
	m *metrics.Metrics, logger *slog.Logger) *BatchHandler {

	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}

	return &BatchHandler{
		config:     config,
		recognizer: recognizer,
		store:      store,
		metrics:    m,
		logger:     logger,
	}
}

// Serve handles a single exchange on conn and closes it
func (h *BatchHandler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := h.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

	pcm, err := protocol.ReadFrame(conn, h.config.MaxFrameSize)
	if err != nil {
		h.handleReadError(conn, logger, err)
		return
	}

	conn.SetReadDeadline(time.Time{})
	h.metrics.RecordRequest(len(pcm))

	logger.Debug("Request received",
		slog.Int("bytes", len(pcm)),
		slog.Duration("audio_duration", h.config.Format.Duration(int64(len(pcm)))),
	)

	resp := h.respond(ctx, pcm, logger)

	conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := protocol.WriteFrame(conn, resp); err != nil {
		logger.Warn("Failed to send response", slog.String("error", err.Error()))
	}
}

// handleReadError closes the exchange on a bad request. Only an oversized
// declaration still gets a response, since the prefix itself was readable.
func (h *BatchHandler) handleReadError(conn net.Conn, logger *slog.Logger, err error) {
	var fe *protocol.FramingError
	if !errors.As(err, &fe) {
		logger.Warn("Failed to read request", slog.String("error", err.Error()))
		return
	}

	h.metrics.RecordFramingError(fe.Reason)

	if fe.Reason != protocol.ReasonOversized {
		logger.Warn("Dropping malformed request", slog.String("error", err.Error()))
		return
	}

	logger.Warn("Rejecting oversized request",
		slog.Uint64("declared", uint64(fe.Declared)),
		slog.Uint64("max", uint64(h.config.MaxFrameSize)),
	)

	h.metrics.RecordResponse(outcomeError)
	conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	protocol.WriteFrame(conn, protocol.EncodeError("audio too large"))
}

// respond turns a recording into the response payload
func (h *BatchHandler) respond(ctx context.Context, pcm []byte, logger *slog.Logger) []byte {
	if len(pcm) == 0 {
		h.metrics.RecordResponse(outcomeNoSpeech)
		return []byte(protocol.NoSpeechText)
	}

	if extra := len(pcm) % h.config.Format.FrameSize(); extra != 0 {
		logger.Warn("Dropping partial trailing sample", slog.Int("bytes", extra))
		pcm = pcm[:len(pcm)-extra]
	}

	h.persist(pcm, logger)

	if int64(len(pcm)) < h.config.Format.BytesFor(audio.MinSpeechDuration) {
		h.metrics.RecordResponse(outcomeTooShort)
		return []byte(protocol.AudioTooShortText)
	}

	text, err := h.recognizer.Recognize(ctx, pcm, h.config.Format)
	if err != nil {
		logger.Error("Recognition failed", slog.String("error", err.Error()))
		h.metrics.RecordResponse(outcomeError)
		return protocol.EncodeError(err.Error())
	}

	payload := protocol.EncodeText(text)
	if string(payload) == protocol.NoSpeechText {
		h.metrics.RecordResponse(outcomeNoSpeech)
	} else {
		h.metrics.RecordResponse(outcomeTranscript)
	}

	logger.Info("Recognition complete",
		slog.Duration("audio_duration", h.config.Format.Duration(int64(len(pcm)))),
		slog.Int("text_length", len(text)),
	)

	return payload
}

// persist stores the recording; failures are logged and never fail the exchange
func (h *BatchHandler) persist(pcm []byte, logger *slog.Logger) {
	if h.store == nil || len(pcm) == 0 {
		return
	}

	entry, err := h.store.Persist(pcm)
	h.metrics.RecordPersist(err)
	if err != nil {
		logger.Error("Failed to persist recording", slog.String("error", err.Error()))
		return
	}

	logger.Debug("Recording persisted",
		slog.String("recording_id", entry.ID),
		slog.String("path", entry.Path),
	)
}
