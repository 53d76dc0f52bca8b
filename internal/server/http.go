package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/ptt-speech-service/internal/config"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/storage"
	"github.com/skypro1111/ptt-speech-service/internal/stream"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

const (
	serviceName    = "ptt-speech-service"
	serviceVersion = "1.0.0"
)

// TranscriptionStats is implemented by recognizers that keep request statistics
type TranscriptionStats interface {
	GetStats() transcription.ClientStats
}

// Components are the running parts of the service the HTTP API reports on
type Components struct {
	Sessions      *stream.Manager
	Batch         *TCPServer
	Store         *storage.Store
	Streams       http.Handler       // Streaming endpoint served on /ws
	Transcription TranscriptionStats // nil in simulation mode
	Limiter       *PeerLimiter
	Gatherer      prometheus.Gatherer
	Metrics       *metrics.Metrics
}

// HTTPServer provides HTTP API endpoints for monitoring, recordings and streaming
type HTTPServer struct {
	server     *http.Server
	listener   net.Listener
	logger     *slog.Logger
	config     *config.Config
	components Components
	handler    http.Handler

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config, components Components) *HTTPServer {
	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		components: components,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No write timeout: streaming sessions are long-lived
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	mux.HandleFunc("/recordings", h.withMetrics("/recordings", h.handleRecordings))
	mux.HandleFunc("/recordings/", h.withMetrics("/recordings/{id}", h.handleRecordingDownload))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Upgraded connections are hijacked, so the metrics wrapper stays off this route
	if h.components.Streams != nil {
		var streams http.Handler = h.components.Streams
		if h.components.Limiter != nil {
			streams = h.components.Limiter.Middleware(streams)
		}
		mux.Handle("/ws", streams)
	}

	gatherer := h.components.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		if h.components.Metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.components.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.components.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the routed handler, for serving without Start
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP: %w", err)
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]interface{}{
		"transcription": h.transcriptionStatus(),
	}

	if h.components.Batch != nil {
		batchStats := h.components.Batch.GetStatistics()
		components["tcp_server"] = map[string]interface{}{
			"status":               "running",
			"active_connections":   batchStats.ActiveConnections,
			"connections_accepted": batchStats.ConnectionsAccepted,
		}
	}

	if h.components.Sessions != nil {
		components["stream_manager"] = map[string]interface{}{
			"status":          "running",
			"active_sessions": h.components.Sessions.GetActiveSessionCount(),
		}
	}

	if h.components.Store != nil {
		storeStats := h.components.Store.Stats()
		components["storage"] = map[string]interface{}{
			"status":     "running",
			"recordings": storeStats.Entries,
			"capacity":   storeStats.Capacity,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, health)
}

func (h *HTTPServer) transcriptionStatus() map[string]interface{} {
	if h.components.Transcription == nil {
		return map[string]interface{}{"status": "simulated"}
	}

	stats := h.components.Transcription.GetStats()
	return map[string]interface{}{
		"status":          "running",
		"total_requests":  stats.TotalRequests,
		"success_rate":    stats.SuccessRate,
		"active_requests": stats.ActiveRequests,
	}
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := make([]stream.SessionInfo, 0)
	if h.components.Sessions != nil {
		for _, session := range h.components.Sessions.GetAllSessions() {
			infos = append(infos, session.GetSessionInfo())
		}
	}

	writeJSON(w, map[string]interface{}{
		"total_streams": len(infos),
		"timestamp":     time.Now().UTC(),
		"streams":       infos,
	})
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	if h.components.Sessions == nil {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	session, exists := h.components.Sessions.GetSession(id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, session.GetSessionInfo())
}

// handleRecordings implements the /recordings endpoint
func (h *HTTPServer) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.components.Store == nil {
		http.Error(w, "Storage disabled", http.StatusServiceUnavailable)
		return
	}

	entries := h.components.Store.Entries()

	writeJSON(w, map[string]interface{}{
		"total_recordings": len(entries),
		"capacity":         h.components.Store.Stats().Capacity,
		"timestamp":        time.Now().UTC(),
		"recordings":       entries,
	})
}

// handleRecordingDownload implements the /recordings/{id} endpoint, serving the WAV file
func (h *HTTPServer) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/recordings/")
	if id == "" {
		http.Error(w, "Recording ID required", http.StatusBadRequest)
		return
	}

	if h.components.Store == nil {
		http.Error(w, "Storage disabled", http.StatusServiceUnavailable)
		return
	}

	rc, entry, err := h.components.Store.Open(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to open recording",
			slog.String("recording_id", id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to open recording", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", entry.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.ID+".wav"))

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("Recording download interrupted",
			slog.String("recording_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config

	// API key is never exposed
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"tcp_port":        c.Server.TCPPort,
			"bind_address":    c.Server.BindAddress,
			"max_connections": c.Server.MaxConnections,
			"read_timeout":    c.Server.ReadTimeout,
			"max_frame_size":  c.Server.MaxFrameSize,
			"rate_limit":      c.Server.RateLimit,
			"rate_burst":      c.Server.RateBurst,
		},
		"audio": map[string]interface{}{
			"sample_rate":            c.Audio.SampleRate,
			"channels":               c.Audio.Channels,
			"bit_depth":              c.Audio.BitDepth,
			"max_recording_duration": c.Audio.MaxRecordingDuration,
		},
		"storage": map[string]interface{}{
			"dir":            c.Storage.Dir,
			"max_recordings": c.Storage.MaxRecordings,
		},
		"transcription": map[string]interface{}{
			"endpoint":       c.Transcription.Endpoint,
			"simulated":      c.Transcription.Simulated(),
			"model":          c.Transcription.Model,
			"language":       c.Transcription.Language,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"output_format":  c.Transcription.OutputFormat,
			"api_key_set":    c.Transcription.APIKey != "",
		},
		"streaming": map[string]interface{}{
			"partial_interval": c.Streaming.PartialInterval,
			"session_timeout":  c.Streaming.SessionTimeout,
			"max_sessions":     c.Streaming.MaxSessions,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"transcription": h.transcriptionStatus(),
	}

	if h.components.Batch != nil {
		stats["tcp"] = h.components.Batch.GetStatistics()
	}
	if h.components.Sessions != nil {
		stats["streams"] = map[string]interface{}{
			"active_count": h.components.Sessions.GetActiveSessionCount(),
		}
	}
	if h.components.Store != nil {
		stats["storage"] = h.components.Store.Stats()
	}
	if h.components.Limiter != nil {
		stats["rate_limiter"] = map[string]interface{}{
			"enabled":       h.components.Limiter.Enabled(),
			"tracked_peers": h.components.Limiter.Peers(),
		}
	}

	writeJSON(w, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.components.Transcription == nil {
		writeJSON(w, map[string]interface{}{"simulated": true})
		return
	}

	writeJSON(w, h.components.Transcription.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Push-to-Talk Speech Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /streams":             "List open streaming sessions",
			"GET /streams/{id}":        "Get streaming session details",
			"GET /recordings":          "List retained recordings",
			"GET /recordings/{id}":     "Download a recording as WAV",
			"GET /config":              "Get service configuration",
			"GET /stats":               "Get service statistics",
			"GET /stats/transcription": "Get transcription statistics",
			"GET /metrics":             "Prometheus metrics",
			"GET /ws":                  "Streaming recognition (WebSocket)",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
