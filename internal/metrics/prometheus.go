package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the speech service
type Metrics struct {
	// Batch connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ActiveConnections   prometheus.Gauge
	FramingErrors       *prometheus.CounterVec
	RequestSize         prometheus.Histogram
	Responses           *prometheus.CounterVec

	// Streaming metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram
	StreamEvents     *prometheus.CounterVec

	// Rotation store metrics
	RecordingsPersisted prometheus.Counter
	PersistFailures     prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_connections_accepted_total",
			Help: "Total number of batch TCP connections accepted",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_connections_rejected_total",
			Help: "Total number of connections rejected before being served",
		}, []string{"reason"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptt_active_connections",
			Help: "Current number of batch connections being served",
		}),
		FramingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_framing_errors_total",
			Help: "Total number of malformed request frames",
		}, []string{"reason"}),
		RequestSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_request_size_bytes",
			Help:    "Size of batch request payloads",
			Buckets: prometheus.ExponentialBuckets(1600, 2, 12), // 50ms to ~100s of 16kHz audio
		}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_responses_total",
			Help: "Total number of batch responses by outcome",
		}, []string{"outcome"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptt_active_streams",
			Help: "Current number of open streaming sessions",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_streams_created_total",
			Help: "Total number of streaming sessions opened",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_streams_destroyed_total",
			Help: "Total number of streaming sessions closed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_stream_duration_seconds",
			Help:    "Duration of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_stream_events_total",
			Help: "Total number of events sent to streaming clients",
		}, []string{"kind"}),

		RecordingsPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_recordings_persisted_total",
			Help: "Total number of recordings written to the rotation store",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_persist_failures_total",
			Help: "Total number of recordings that could not be persisted",
		}),

		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_requests_total",
			Help: "Total number of recognition requests",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_successes_total",
			Help: "Total number of successful recognition requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_failures_total",
			Help: "Total number of failed recognition requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_transcription_duration_seconds",
			Help:    "Duration of recognition requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ptt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionAccepted counts an accepted connection and marks it active
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed marks an accepted connection as finished
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordConnectionRejected counts a connection refused for reason ("rate_limited", "overloaded")
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordFramingError counts a malformed request frame
func (m *Metrics) RecordFramingError(reason string) {
	m.FramingErrors.WithLabelValues(reason).Inc()
}

// RecordRequest records the size of a received request payload
func (m *Metrics) RecordRequest(sizeBytes int) {
	m.RequestSize.Observe(float64(sizeBytes))
}

// RecordResponse counts a response by outcome ("transcript", "no_speech", "too_short", "error")
func (m *Metrics) RecordResponse(outcome string) {
	m.Responses.WithLabelValues(outcome).Inc()
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
	m.ActiveStreams.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	m.StreamsDestroyed.Inc()
	m.ActiveStreams.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordStreamEvent counts an event relayed to a streaming client ("partial", "final", "error")
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEvents.WithLabelValues(kind).Inc()
}

// RecordPersist records the outcome of writing a recording to the rotation store
func (m *Metrics) RecordPersist(err error) {
	if err != nil {
		m.PersistFailures.Inc()
		return
	}
	m.RecordingsPersisted.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
