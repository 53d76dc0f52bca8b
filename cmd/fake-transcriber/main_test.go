package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

func startTranscriber(t *testing.T, apiKey string) string {
	t.Helper()

	server := httptest.NewServer(&transcriber{
		text:   "fake transcript",
		apiKey: apiKey,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(server.Close)

	return server.URL + "/v1/audio/transcriptions"
}

func TestTranscriberAnswersClient(t *testing.T) {
	tests := []struct {
		name         string
		outputFormat string
	}{
		{"json response", "json"},
		{"text response", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := transcription.NewClient(transcription.Config{
				Endpoint:     startTranscriber(t, ""),
				Timeout:      5 * time.Second,
				OutputFormat: tt.outputFormat,
			})
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}
			defer c.Close()

			text, err := c.Recognize(context.Background(), make([]byte, 16000), audio.DefaultFormat)
			if err != nil {
				t.Fatalf("Recognize failed: %v", err)
			}
			if text != "fake transcript" {
				t.Errorf("Expected %q, got %q", "fake transcript", text)
			}
		})
	}
}

func TestTranscriberRequiresAPIKey(t *testing.T) {
	c, err := transcription.NewClient(transcription.Config{
		Endpoint:   startTranscriber(t, "secret"),
		APIKey:     "wrong",
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	_, err = c.Recognize(context.Background(), make([]byte, 16000), audio.DefaultFormat)
	if !errors.Is(err, transcription.ErrNoCredentials) {
		t.Errorf("Expected ErrNoCredentials, got %v", err)
	}
}
