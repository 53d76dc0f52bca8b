package transcription

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Endpoint: "http://localhost:9000/v1/audio/transcriptions",
				APIKey:   "test-key",
			},
			wantErr: false,
		},
		{
			name:    "empty endpoint",
			config:  Config{APIKey: "test-key"},
			wantErr: true,
		},
		{
			name:    "no API key for local endpoint",
			config:  Config{Endpoint: "http://localhost:9000"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if client.config.MaxDuration != 60*time.Second {
				t.Errorf("Expected default max duration 60s, got %v", client.config.MaxDuration)
			}
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := Config{
		Endpoint:     server.URL,
		APIKey:       "test-key",
		Model:        "whisper-1",
		Language:     "en",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&config)
	}

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestRecognize(t *testing.T) {
	pcm := make([]byte, 32000)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Unexpected Authorization header: %q", r.Header.Get("Authorization"))
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Failed to parse multipart form: %v", err)
		}
		if r.FormValue("model") != "whisper-1" || r.FormValue("language") != "en" {
			t.Errorf("Unexpected form fields: model=%q language=%q", r.FormValue("model"), r.FormValue("language"))
		}

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Missing audio file: %v", err)
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		if _, _, err := audio.DecodeWAV(data); err != nil {
			t.Errorf("Uploaded file is not valid WAV: %v", err)
		}
		if len(data) != audio.WAVHeaderSize+len(pcm) {
			t.Errorf("Expected %d byte upload, got %d", audio.WAVHeaderSize+len(pcm), len(data))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":" turn on the lights "}`))
	}, nil)

	text, err := client.Recognize(context.Background(), pcm, audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if text != "turn on the lights" {
		t.Errorf("Expected trimmed transcript, got %q", text)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRecognizeTextFormat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}, func(c *Config) { c.OutputFormat = "text" })

	text, err := client.Recognize(context.Background(), make([]byte, 3200), audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if text != "hello" {
		t.Errorf("Expected %q, got %q", "hello", text)
	}
}

func TestRecognizeRetriesServerErrors(t *testing.T) {
	var calls int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"third time lucky"}`))
	}, nil)

	text, err := client.Recognize(context.Background(), make([]byte, 3200), audio.DefaultFormat)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if text != "third time lucky" {
		t.Errorf("Unexpected transcript: %q", text)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if client.GetStats().TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", client.GetStats().TotalRetries)
	}
}

func TestRecognizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		cause     error
		calls     int32
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, "bad key", ErrNoCredentials, 1, false},
		{"quota", http.StatusTooManyRequests, "slow down", ErrQuotaExceeded, 3, true},
		{"unprocessable", http.StatusUnprocessableEntity, "garbled", ErrUnintelligible, 1, false},
		{"server error", http.StatusInternalServerError, "boom", nil, 3, true},
		{"bad request", http.StatusBadRequest, "nope", nil, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				http.Error(w, tt.body, tt.status)
			}, nil)

			_, err := client.Recognize(context.Background(), make([]byte, 3200), audio.DefaultFormat)
			if err == nil {
				t.Fatal("Expected error but got none")
			}

			var te *TranscriptionError
			if !errors.As(err, &te) {
				t.Fatalf("Expected TranscriptionError, got %T: %v", err, err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Expected cause %v, got %v", tt.cause, err)
			}
			if te.Retryable != tt.retryable {
				t.Errorf("Expected retryable=%t, got %t", tt.retryable, te.Retryable)
			}
			if !strings.Contains(err.Error(), tt.body) {
				t.Errorf("Expected error to include response body, got %v", err)
			}
			if calls != tt.calls {
				t.Errorf("Expected %d calls, got %d", tt.calls, calls)
			}
			if client.GetStats().FailedRequests != 1 {
				t.Errorf("Expected 1 failed request, got %d", client.GetStats().FailedRequests)
			}
		})
	}
}

func TestRecognizeTooLong(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, func(c *Config) { c.MaxDuration = time.Second })

	_, err := client.Recognize(context.Background(), make([]byte, 32002), audio.DefaultFormat)
	if !errors.Is(err, ErrAudioTooLong) {
		t.Errorf("Expected ErrAudioTooLong, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no request for oversized audio, got %d", calls)
	}
}

func TestRecognizeCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "later", http.StatusServiceUnavailable)
	}, func(c *Config) {
		c.RetryBackoff = time.Hour
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Recognize(ctx, make([]byte, 3200), audio.DefaultFormat)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Recognize did not return promptly after cancellation")
	}
}

func TestSimulated(t *testing.T) {
	var r Recognizer = Simulated{}

	_, err := r.Recognize(context.Background(), make([]byte, 3200), audio.DefaultFormat)
	if !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Expected ErrNoCredentials, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("Simulated failures should not be retryable")
	}
}
