package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
	"github.com/skypro1111/ptt-speech-service/internal/stream"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var (
	errClientClosed       = errors.New("client closed the session")
	errUtteranceEnded     = errors.New("end of utterance answered")
	errRecognitionStopped = errors.New("recognition stream stopped")
)

// StreamHandlerConfig contains streaming endpoint settings
type StreamHandlerConfig struct {
	Format          audio.Format
	MaxSessionAudio time.Duration // Audio kept for persistence per session
}

// StreamHandler serves the streaming endpoint: binary audio chunks and end-of-utterance
// control messages in, transcript events out, in the order they were produced
type StreamHandler struct {
	config     StreamHandlerConfig
	recognizer transcription.StreamRecognizer
	store      Persister
	sessions   *stream.Manager
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewStreamHandler creates a streaming handler
func NewStreamHandler(config StreamHandlerConfig, recognizer transcription.StreamRecognizer, store Persister,
	sessions *stream.Manager, m *metrics.Metrics, logger *slog.Logger) *StreamHandler {

	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat
	}
	if config.MaxSessionAudio <= 0 {
		config.MaxSessionAudio = 60 * time.Second
	}

	return &StreamHandler{
		config:     config,
		recognizer: recognizer,
		store:      store,
		sessions:   sessions,
		metrics:    m,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Devices do not send a browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the session until either side closes it.
// The session ends normally once the end-of-utterance request has been answered.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := h.sessions.CreateSession(r.RemoteAddr, h.config.Format, cancel)
	if err != nil {
		h.logger.Warn("Refusing streaming session",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	defer h.sessions.RemoveSession(session.ID)

	logger := h.logger.With(slog.String("session_id", session.ID))

	capture := audio.NewMemoryBuffer(h.config.Format, h.config.Format.BytesFor(h.config.MaxSessionAudio))
	capture.Start()

	g, gctx := errgroup.WithContext(ctx)

	recStream, err := h.recognizer.Stream(gctx, h.config.Format)
	if err != nil {
		logger.Error("Failed to open recognition stream", slog.String("error", err.Error()))
		h.writeEvent(ws, protocol.TranscriptEvent{Error: err.Error()})
		return
	}
	defer recStream.Close()

	// Unblock the read pump once either side is done
	stop := context.AfterFunc(gctx, func() { ws.Close() })
	defer stop()

	g.Go(func() error { return h.readPump(ws, session, recStream, capture, logger) })
	g.Go(func() error { return h.writePump(gctx, ws, session, recStream, logger) })

	err = g.Wait()
	if err != nil && !errors.Is(err, errClientClosed) && !errors.Is(err, errUtteranceEnded) &&
		!errors.Is(err, context.Canceled) {
		logger.Info("Streaming session ended", slog.String("reason", err.Error()))
	}

	h.persistSession(capture, logger)
}

// readPump forwards audio and control messages to the recognition stream in arrival order
func (h *StreamHandler) readPump(ws *websocket.Conn, session *stream.Session, recStream transcription.Stream,
	capture *audio.MemoryBuffer, logger *slog.Logger) error {

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	captureFull := false

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClientClosed
			}
			return fmt.Errorf("read failed: %w", err)
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			if err := h.config.Format.CheckFrames(data); err != nil {
				logger.Warn("Dropping malformed audio chunk", slog.String("error", err.Error()))
				continue
			}
			session.RecordAudio(len(data))

			if !captureFull {
				if err := capture.Append(data); errors.Is(err, audio.ErrCapacityExceeded) {
					captureFull = true
					logger.Warn("Session audio exceeds persistence limit, keeping the beginning",
						slog.Duration("limit", h.config.MaxSessionAudio),
					)
				} else if err != nil {
					logger.Warn("Failed to capture session audio", slog.String("error", err.Error()))
				}
			}

			if err := recStream.Send(data); err != nil {
				return errRecognitionStopped
			}

		case websocket.TextMessage:
			msg, err := protocol.DecodeControlMessage(data)
			if err != nil {
				logger.Warn("Ignoring malformed control message", slog.String("error", err.Error()))
				continue
			}
			if msg.Type != protocol.ControlEnd {
				logger.Warn("Ignoring unknown control message", slog.String("type", msg.Type))
				continue
			}

			session.RecordUtteranceEnd()
			if err := recStream.EndUtterance(); err != nil {
				return errRecognitionStopped
			}
		}
	}
}

// writePump relays recognition events to the client and keeps the connection alive
func (h *StreamHandler) writePump(ctx context.Context, ws *websocket.Conn, session *stream.Session,
	recStream transcription.Stream, logger *slog.Logger) error {

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return ctx.Err()

		case ev, ok := <-recStream.Events():
			if !ok {
				return errRecognitionStopped
			}

			out := toTranscriptEvent(ev)
			if err := h.writeEvent(ws, out); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
			h.recordEvent(session, out, logger)

			if ev.EndOfUtterance {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return errUtteranceEnded
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (h *StreamHandler) writeEvent(ws *websocket.Conn, ev protocol.TranscriptEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (h *StreamHandler) recordEvent(session *stream.Session, ev protocol.TranscriptEvent, logger *slog.Logger) {
	switch {
	case ev.IsError():
		session.RecordError()
		h.metrics.RecordStreamEvent("error")
		logger.Warn("Recognition error sent to client", slog.String("error", ev.Error))
	case ev.IsFinal:
		session.RecordFinal(ev.Transcript)
		h.metrics.RecordStreamEvent("final")
		logger.Debug("Final result sent", slog.Int("text_length", len(ev.Transcript)))
	default:
		session.RecordPartial()
		h.metrics.RecordStreamEvent("partial")
	}
}

// persistSession stores all audio received during the session
func (h *StreamHandler) persistSession(capture *audio.MemoryBuffer, logger *slog.Logger) {
	defer capture.Abort()

	if h.store == nil || capture.Len() == 0 {
		return
	}

	payload, err := capture.Finalize()
	if err != nil {
		logger.Error("Failed to finalize session audio", slog.String("error", err.Error()))
		return
	}
	defer payload.Close()

	pcm, err := payload.Bytes()
	if err != nil {
		logger.Error("Failed to read session audio", slog.String("error", err.Error()))
		return
	}

	entry, err := h.store.Persist(pcm)
	h.metrics.RecordPersist(err)
	if err != nil {
		logger.Error("Failed to persist session audio", slog.String("error", err.Error()))
		return
	}

	logger.Debug("Session audio persisted",
		slog.String("recording_id", entry.ID),
		slog.Duration("duration", entry.Duration),
	)
}

func toTranscriptEvent(ev transcription.Event) protocol.TranscriptEvent {
	if ev.Err != nil {
		return protocol.TranscriptEvent{Error: ev.Err.Error()}
	}
	return protocol.TranscriptEvent{Transcript: ev.Text, IsFinal: ev.Final}
}
