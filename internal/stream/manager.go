package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
)

// ErrTooManySessions is returned when the session limit has been reached
var ErrTooManySessions = errors.New("too many streaming sessions")

// Session tracks one open streaming connection
type Session struct {
	ID           string
	RemoteAddr   string
	Format       audio.Format
	StartTime    time.Time
	LastActivity time.Time

	bytesReceived  int64
	chunksReceived uint64
	utterances     uint64
	partialsSent   uint64
	finalsSent     uint64
	errorsSent     uint64
	lastTranscript string

	// cancel tears down the connection serving this session
	cancel context.CancelFunc

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remote_addr"`
	Format         string        `json:"format"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	AudioDuration  time.Duration `json:"audio_duration"`
	BytesReceived  int64         `json:"bytes_received"`
	ChunksReceived uint64        `json:"chunks_received"`
	Utterances     uint64        `json:"utterances"`
	PartialsSent   uint64        `json:"partials_sent"`
	FinalsSent     uint64        `json:"finals_sent"`
	ErrorsSent     uint64        `json:"errors_sent"`
	LastTranscript string        `json:"last_transcript,omitempty"`
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	SessionTimeout  time.Duration // Inactivity before a session is dropped
	MaxSessions     int
	CleanupInterval time.Duration
}

// Manager keeps the registry of open streaming sessions and drops idle ones
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	metrics  *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine.
// m may be nil.
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics) *Manager {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 5 * time.Minute
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 32
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession registers a new session. cancel is invoked if the session
// is dropped for inactivity or the manager stops.
func (m *Manager) CreateSession(remoteAddr string, format audio.Format, cancel context.CancelFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		Format:       format,
		StartTime:    now,
		LastActivity: now,
		cancel:       cancel,
	}

	m.sessions[session.ID] = session

	if m.metrics != nil {
		m.metrics.RecordStreamCreated()
	}

	m.logger.Info("Created streaming session",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
		slog.String("format", format.String()),
	)

	return session, nil
}

// GetSession retrieves an open session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently open sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all open sessions, oldest first
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	return sessions
}

// RemoveSession unregisters a session. It reports false if the session was already gone.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	info := session.GetSessionInfo()

	if m.metrics != nil {
		m.metrics.RecordStreamDestroyed(info.Duration.Seconds())
	}

	m.logger.Info("Streaming session removed",
		slog.String("session_id", id),
		slog.String("remote_addr", info.RemoteAddr),
		slog.Duration("duration", info.Duration),
		slog.Duration("audio_duration", info.AudioDuration),
		slog.Uint64("utterances", info.Utterances),
		slog.Uint64("finals_sent", info.FinalsSent),
	)

	return true
}

// Stop cancels every open session and stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.mu.RLock()
	for _, session := range m.sessions {
		session.cancel()
	}
	m.mu.RUnlock()

	m.cancel()
	<-m.cleanup

	m.logger.Info("Session manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
}

// startCleanupRoutine runs in a separate goroutine to drop idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Session cleanup routine started",
		slog.Duration("timeout", m.config.SessionTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions cancels and removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]*Session, 0)

	m.mu.RLock()
	for _, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.SessionTimeout {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, session := range expired {
			session.cancel()
			m.RemoveSession(session.ID)
		}
	}
}

// RecordAudio accounts for a received audio chunk
func (s *Session) RecordAudio(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytesReceived += int64(n)
	s.chunksReceived++
	s.LastActivity = time.Now()
}

// RecordUtteranceEnd accounts for an end-of-utterance request
func (s *Session) RecordUtteranceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.utterances++
	s.LastActivity = time.Now()
}

// RecordPartial accounts for a partial result sent to the client
func (s *Session) RecordPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialsSent++
}

// RecordFinal accounts for a final result sent to the client
func (s *Session) RecordFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finalsSent++
	if text != "" {
		s.lastTranscript = text
	}
}

// RecordError accounts for an error event sent to the client
func (s *Session) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorsSent++
}

// GetSessionInfo returns a snapshot of the session
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:             s.ID,
		RemoteAddr:     s.RemoteAddr,
		Format:         s.Format.String(),
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity,
		Duration:       time.Since(s.StartTime),
		AudioDuration:  s.Format.Duration(s.bytesReceived),
		BytesReceived:  s.bytesReceived,
		ChunksReceived: s.chunksReceived,
		Utterances:     s.utterances,
		PartialsSent:   s.partialsSent,
		FinalsSent:     s.finalsSent,
		ErrorsSent:     s.errorsSent,
		LastTranscript: s.lastTranscript,
	}
}
