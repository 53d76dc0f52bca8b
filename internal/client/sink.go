package client

import (
	"log/slog"
	"sync"
)

// Sink receives what the device would show on its display
type Sink interface {
	Status(msg string)
	Transcript(text string)
}

// Status messages shown on the display
const (
	StatusRecording       = "Recording..."
	StatusMaxLength       = "Max length reached"
	StatusSending         = "Sending..."
	StatusAwaitingResult  = "Waiting for result..."
	StatusNoSpeech        = "No speech detected"
	StatusFailed          = "Recognition failed"
	StatusConnectionError = "Connection error"
	StatusCancelled       = "Cancelled"
	StatusConnected       = "Connected"
	StatusReconnecting    = "Reconnecting..."
	StatusPartialLost     = "Connection lost, partial transcript discarded"
)

// LogSink writes display updates to a logger
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Status(msg string) {
	s.Logger.Info("Display status", slog.String("status", msg))
}

func (s LogSink) Transcript(text string) {
	s.Logger.Info("Display transcript", slog.String("text", text))
}

// MemorySink records display updates, newest last
type MemorySink struct {
	statuses    []string
	transcripts []string
	mu          sync.Mutex
}

func (s *MemorySink) Status(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, msg)
}

func (s *MemorySink) Transcript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, text)
}

// Statuses returns all status messages received so far
func (s *MemorySink) Statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

// Transcripts returns all transcript updates received so far
func (s *MemorySink) Transcripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcripts...)
}

// LastTranscript returns the most recent transcript update
func (s *MemorySink) LastTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcripts) == 0 {
		return ""
	}
	return s.transcripts[len(s.transcripts)-1]
}
