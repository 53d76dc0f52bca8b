package server

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
	"github.com/skypro1111/ptt-speech-service/internal/storage"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// memoryPersister records persisted audio, optionally failing every call
type memoryPersister struct {
	fail  error
	saved [][]byte
	mu    sync.Mutex
}

func (p *memoryPersister) Persist(pcm []byte) (storage.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail != nil {
		return storage.Entry{}, p.fail
	}
	p.saved = append(p.saved, append([]byte(nil), pcm...))
	return storage.Entry{ID: "test", Size: int64(len(pcm))}, nil
}

func (p *memoryPersister) Saved() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.saved...)
}

func fixedRecognizer(text string) transcription.RecognizerFunc {
	return func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
		return text, nil
	}
}

// exchange runs one batch exchange over an in-memory connection and returns the raw response,
// or an error if the handler closed the connection without answering
func exchange(t *testing.T, h *BatchHandler, request func(conn net.Conn)) ([]byte, error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), serverConn)
	}()

	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	request(clientConn)

	resp, err := protocol.ReadFrame(clientConn, 64*1024)
	<-done
	return resp, err
}

func sendPCM(pcm []byte) func(conn net.Conn) {
	return func(conn net.Conn) {
		protocol.WriteFrame(conn, pcm)
	}
}

func TestBatchHandlerTranscript(t *testing.T) {
	store := &memoryPersister{}
	m := testMetrics()

	var received []byte
	recognizer := transcription.RecognizerFunc(func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
		received = pcm
		return "hello world", nil
	})

	h := NewBatchHandler(BatchConfig{}, recognizer, store, m, testLogger())
	pcm := make([]byte, 32000)

	resp, err := exchange(t, h, sendPCM(pcm))
	if err != nil {
		t.Fatalf("Expected response, got error: %v", err)
	}

	if string(resp) != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", resp)
	}

	if len(received) != len(pcm) {
		t.Errorf("Expected recognizer to receive %d bytes, got %d", len(pcm), len(received))
	}

	if saved := store.Saved(); len(saved) != 1 || len(saved[0]) != len(pcm) {
		t.Errorf("Expected one persisted recording of %d bytes, got %d recordings", len(pcm), len(saved))
	}

	if got := testutil.ToFloat64(m.Responses.WithLabelValues(outcomeTranscript)); got != 1 {
		t.Errorf("Expected 1 transcript response, got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordingsPersisted); got != 1 {
		t.Errorf("Expected 1 persisted recording, got %v", got)
	}
}

func TestBatchHandlerResponses(t *testing.T) {
	tests := []struct {
		name          string
		pcm           []byte
		recognizer    transcription.RecognizerFunc
		expected      string
		expectPersist bool
		outcome       string
	}{
		{
			name:          "empty request",
			pcm:           []byte{},
			recognizer:    fixedRecognizer("unused"),
			expected:      protocol.NoSpeechText,
			expectPersist: false,
			outcome:       outcomeNoSpeech,
		},
		{
			name:          "audio too short",
			pcm:           make([]byte, 1000),
			recognizer:    fixedRecognizer("unused"),
			expected:      protocol.AudioTooShortText,
			expectPersist: true,
			outcome:       outcomeTooShort,
		},
		{
			name:          "blank transcript",
			pcm:           make([]byte, 16000),
			recognizer:    fixedRecognizer("   "),
			expected:      protocol.NoSpeechText,
			expectPersist: true,
			outcome:       outcomeNoSpeech,
		},
		{
			name: "recognition failure",
			pcm:  make([]byte, 16000),
			recognizer: func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
				return "", errors.New("quota exceeded")
			},
			expected:      "[Error: quota exceeded]",
			expectPersist: true,
			outcome:       outcomeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryPersister{}
			m := testMetrics()
			h := NewBatchHandler(BatchConfig{}, tt.recognizer, store, m, testLogger())

			resp, err := exchange(t, h, sendPCM(tt.pcm))
			if err != nil {
				t.Fatalf("Expected response, got error: %v", err)
			}

			if string(resp) != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, resp)
			}

			persisted := len(store.Saved()) == 1
			if persisted != tt.expectPersist {
				t.Errorf("Expected persisted=%v, got %v", tt.expectPersist, persisted)
			}

			if got := testutil.ToFloat64(m.Responses.WithLabelValues(tt.outcome)); got != 1 {
				t.Errorf("Expected one %s response, got %v", tt.outcome, got)
			}
		})
	}
}

func TestBatchHandlerTrimsPartialSample(t *testing.T) {
	var received int
	recognizer := transcription.RecognizerFunc(func(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
		received = len(pcm)
		return "ok", nil
	})

	store := &memoryPersister{}
	h := NewBatchHandler(BatchConfig{}, recognizer, store, testMetrics(), testLogger())

	resp, err := exchange(t, h, sendPCM(make([]byte, 3201)))
	if err != nil {
		t.Fatalf("Expected response, got error: %v", err)
	}
	if string(resp) != "ok" {
		t.Errorf("Expected %q, got %q", "ok", resp)
	}

	if received != 3200 {
		t.Errorf("Expected recognizer to receive 3200 bytes, got %d", received)
	}
	if saved := store.Saved(); len(saved) != 1 || len(saved[0]) != 3200 {
		t.Errorf("Expected persisted recording of 3200 bytes")
	}
}

func TestBatchHandlerPersistFailureIsNotFatal(t *testing.T) {
	store := &memoryPersister{fail: errors.New("disk full")}
	m := testMetrics()
	h := NewBatchHandler(BatchConfig{}, fixedRecognizer("still works"), store, m, testLogger())

	resp, err := exchange(t, h, sendPCM(make([]byte, 16000)))
	if err != nil {
		t.Fatalf("Expected response, got error: %v", err)
	}

	if string(resp) != "still works" {
		t.Errorf("Expected %q, got %q", "still works", resp)
	}

	if got := testutil.ToFloat64(m.PersistFailures); got != 1 {
		t.Errorf("Expected 1 persist failure, got %v", got)
	}
}

func TestBatchHandlerOversizedRequest(t *testing.T) {
	store := &memoryPersister{}
	m := testMetrics()
	h := NewBatchHandler(BatchConfig{MaxFrameSize: 1000}, fixedRecognizer("unused"), store, m, testLogger())

	resp, err := exchange(t, h, func(conn net.Conn) {
		header := make([]byte, protocol.LengthPrefixSize)
		binary.LittleEndian.PutUint32(header, 7000000)
		conn.Write(header)
	})
	if err != nil {
		t.Fatalf("Expected error response, got error: %v", err)
	}

	parsed := protocol.ParseResponse(resp)
	if parsed.Err != "audio too large" {
		t.Errorf("Expected error %q, got %v", "audio too large", parsed)
	}

	if len(store.Saved()) != 0 {
		t.Error("Expected oversized request not to be persisted")
	}

	if got := testutil.ToFloat64(m.FramingErrors.WithLabelValues(protocol.ReasonOversized)); got != 1 {
		t.Errorf("Expected 1 oversized framing error, got %v", got)
	}
}

func TestBatchHandlerTruncatedRequest(t *testing.T) {
	store := &memoryPersister{}
	m := testMetrics()
	h := NewBatchHandler(BatchConfig{ReadTimeout: 100 * time.Millisecond}, fixedRecognizer("unused"), store, m, testLogger())

	_, err := exchange(t, h, func(conn net.Conn) {
		header := make([]byte, protocol.LengthPrefixSize)
		binary.LittleEndian.PutUint32(header, 3200)
		conn.Write(header)
		// The rest of the payload never arrives
		conn.Write(make([]byte, 100))
	})
	if err == nil {
		t.Fatal("Expected connection to close without a response")
	}

	if len(store.Saved()) != 0 {
		t.Error("Expected truncated request not to be persisted")
	}

	if got := testutil.ToFloat64(m.FramingErrors.WithLabelValues(protocol.ReasonTruncatedPayload)); got != 1 {
		t.Errorf("Expected 1 truncated payload framing error, got %v", got)
	}
}
