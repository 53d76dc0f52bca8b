// Command fake-transcriber serves a Whisper-compatible transcription endpoint
// that answers every request with a fixed transcript. It is meant for local
// runs of the speech service without a real recognition backend.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

const maxUploadSize = 32 << 20

type transcribeResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// transcriber answers multipart uploads carrying a WAV "file" field
type transcriber struct {
	text   string
	delay  time.Duration
	apiKey string
	logger *slog.Logger
}

func (t *transcriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if t.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+t.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "error parsing form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error reading audio file")
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("size", len(data)),
		slog.Duration("audio_duration", info.Duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
		slog.String("response_format", r.FormValue("response_format")),
	)

	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, t.text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcribeResponse{
		Text:     t.text,
		Language: r.FormValue("language"),
		Duration: info.Duration.Seconds(),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var resp errorResponse
	resp.Error.Message = msg

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "this is a test transcript", "Transcript returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	apiKey := flag.String("api-key", "", "Require this bearer token when set")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle("/v1/audio/transcriptions", &transcriber{
		text:   *text,
		delay:  *delay,
		apiKey: *apiKey,
		logger: logger,
	})

	logger.Info("Fake transcriber starting",
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/v1/audio/transcriptions", *addr)),
	)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
