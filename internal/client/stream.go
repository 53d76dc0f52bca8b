package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// SessionState of a streaming session
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionOpen
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	default:
		return fmt.Sprintf("session_state(%d)", int(s))
	}
}

// StreamConfig contains streaming session settings
type StreamConfig struct {
	URL              string
	ChunkInterval    time.Duration // How often captured audio is sent
	ReconnectBackoff time.Duration // Fixed delay between connection attempts
	FinalWait        time.Duration // How long to wait for the last final result after end of capture
	HandshakeTimeout time.Duration
}

// StreamStats represents streaming session statistics
type StreamStats struct {
	State           string    `json:"state"`
	ConnectAttempts uint64    `json:"connect_attempts"`
	Connections     uint64    `json:"connections"`
	ChunksSent      uint64    `json:"chunks_sent"`
	EventsReceived  uint64    `json:"events_received"`
	LastAttempt     time.Time `json:"last_attempt"`
	NextAttempt     time.Time `json:"next_attempt"`
}

// StreamingSession keeps a persistent connection to the streaming endpoint, sending
// captured audio at a fixed cadence and displaying transcripts as they arrive.
// Lost connections are retried forever at a fixed interval.
type StreamingSession struct {
	config StreamConfig
	sink   Sink
	logger *slog.Logger
	dialer *websocket.Dialer
	now    func() time.Time

	transcript Transcript

	state           SessionState
	connectAttempts uint64
	connections     uint64
	chunksSent      uint64
	eventsReceived  uint64
	lastAttempt     time.Time
	nextAttempt     time.Time

	mu sync.Mutex
}

// NewStreamingSession creates a streaming session
func NewStreamingSession(config StreamConfig, sink Sink, logger *slog.Logger) *StreamingSession {
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = 250 * time.Millisecond
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = 3 * time.Second
	}
	if config.FinalWait <= 0 {
		config.FinalWait = 5 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}

	return &StreamingSession{
		config: config,
		sink:   sink,
		logger: logger.With(slog.String("url", config.URL)),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		now: time.Now,
	}
}

// Run streams src until it reports io.EOF, reconnecting whenever the connection drops.
// It returns nil once the server has closed the session after the last utterance,
// or ctx's error.
func (s *StreamingSession) Run(ctx context.Context, src audio.ChunkSource) error {
	s.setNextAttempt(s.now())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if wait := s.NextAttempt().Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("Streaming connection failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", s.config.ReconnectBackoff),
			)
			s.scheduleReconnect()
			continue
		}

		finished, err := s.serve(ctx, conn, src)
		s.setState(SessionDisconnected)

		if finished {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var srcErr *sourceError
		if errors.As(err, &srcErr) {
			return srcErr.err
		}

		s.logger.Warn("Streaming connection lost",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.config.ReconnectBackoff),
		)

		if s.abandonPartial() {
			s.sink.Status(StatusPartialLost)
		} else {
			s.sink.Status(StatusReconnecting)
		}

		s.scheduleReconnect()
	}
}

// sourceError marks a capture failure, which ends the session instead of reconnecting
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return "audio source: " + e.err.Error() }

func (s *StreamingSession) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	s.state = SessionConnecting
	s.connectAttempts++
	s.lastAttempt = s.now()
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		s.setState(SessionDisconnected)
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	s.mu.Lock()
	s.state = SessionOpen
	s.connections++
	s.mu.Unlock()

	s.logger.Info("Streaming connection open")
	s.sink.Status(StatusConnected)

	return conn, nil
}

// inbound is one message from the reader goroutine; err ends the stream
type inbound struct {
	event protocol.TranscriptEvent
	err   error
}

// serve runs one connection. It reports finished=true once the source has ended
// and the session was closed normally.
func (s *StreamingSession) serve(ctx context.Context, conn *websocket.Conn, src audio.ChunkSource) (bool, error) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	incoming := make(chan inbound, 16)
	done := make(chan struct{})
	defer close(done)

	go s.readLoop(conn, incoming, done)

	ticker := time.NewTicker(s.config.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeNormally(conn)
			return false, ctx.Err()

		case in := <-incoming:
			if in.err != nil {
				return false, in.err
			}
			s.applyEvent(in.event)

		case <-ticker.C:
			chunk, err := src.NextChunk(ctx)
			if errors.Is(err, io.EOF) {
				return s.finish(ctx, conn, incoming)
			}
			if err != nil {
				s.closeNormally(conn)
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				return false, &sourceError{err: err}
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return false, fmt.Errorf("failed to send audio: %w", err)
			}

			s.mu.Lock()
			s.chunksSent++
			s.mu.Unlock()
		}
	}
}

// readLoop forwards server events in arrival order, followed by the read error that ended the connection
func (s *StreamingSession) readLoop(conn *websocket.Conn, incoming chan<- inbound, done <-chan struct{}) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case incoming <- inbound{err: err}:
			case <-done:
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.DecodeTranscriptEvent(data)
		if err != nil {
			s.logger.Warn("Ignoring malformed server message", slog.String("error", err.Error()))
			continue
		}

		select {
		case incoming <- inbound{event: ev}:
		case <-done:
			return
		}
	}
}

// finish signals end of capture and applies events until the server closes the
// session. Finals forced by the server's utterance limit can arrive after end,
// so only the close ends the wait.
func (s *StreamingSession) finish(ctx context.Context, conn *websocket.Conn, incoming <-chan inbound) (bool, error) {
	end, _ := json.Marshal(protocol.ControlMessage{Type: protocol.ControlEnd})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, end); err != nil {
		return false, fmt.Errorf("failed to send end of utterance: %w", err)
	}

	timer := time.NewTimer(s.config.FinalWait)
	defer timer.Stop()

	for {
		select {
		case in := <-incoming:
			if in.err != nil {
				if !websocket.IsCloseError(in.err, websocket.CloseNormalClosure) {
					s.logger.Warn("Connection lost while waiting for the final result",
						slog.String("error", in.err.Error()),
					)
				}
				if s.abandonPartial() {
					s.sink.Status(StatusPartialLost)
				}
				return true, nil
			}
			s.applyEvent(in.event)

		case <-timer.C:
			s.logger.Warn("Server did not close the session before timeout", slog.Duration("wait", s.config.FinalWait))
			if s.abandonPartial() {
				s.sink.Status(StatusPartialLost)
			}
			s.closeNormally(conn)
			return true, nil

		case <-ctx.Done():
			s.closeNormally(conn)
			return false, ctx.Err()
		}
	}
}

// applyEvent folds events into the transcript in arrival order
func (s *StreamingSession) applyEvent(ev protocol.TranscriptEvent) {
	if ev.IsError() {
		s.mu.Lock()
		s.eventsReceived++
		s.mu.Unlock()

		s.logger.Warn("Server reported recognition error", slog.String("error", ev.Error))
		s.sink.Status(StatusFailed)
		return
	}

	s.mu.Lock()
	s.eventsReceived++
	changed := s.transcript.Apply(ev)
	text := s.transcript.Text()
	s.mu.Unlock()

	if changed {
		s.sink.Transcript(text)
	}
}

func (s *StreamingSession) abandonPartial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Abandon()
}

func (s *StreamingSession) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (s *StreamingSession) scheduleReconnect() {
	s.setNextAttempt(s.now().Add(s.config.ReconnectBackoff))
}

func (s *StreamingSession) setNextAttempt(t time.Time) {
	s.mu.Lock()
	s.nextAttempt = t
	s.mu.Unlock()
}

func (s *StreamingSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// NextAttempt returns when the next connection attempt is due
func (s *StreamingSession) NextAttempt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAttempt
}

// State returns the current session state
func (s *StreamingSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Committed returns the finalized utterances received so far
func (s *StreamingSession) Committed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Committed()
}

// Stats returns current session statistics
func (s *StreamingSession) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return StreamStats{
		State:           s.state.String(),
		ConnectAttempts: s.connectAttempts,
		Connections:     s.connections,
		ChunksSent:      s.chunksSent,
		EventsReceived:  s.eventsReceived,
		LastAttempt:     s.lastAttempt,
		NextAttempt:     s.nextAttempt,
	}
}
