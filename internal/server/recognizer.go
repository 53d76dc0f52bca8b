package server

import (
	"context"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/transcription"
)

type instrumentedRecognizer struct {
	next    transcription.Recognizer
	metrics *metrics.Metrics
}

// InstrumentRecognizer records request counts and latency for every call to r
func InstrumentRecognizer(r transcription.Recognizer, m *metrics.Metrics) transcription.Recognizer {
	return &instrumentedRecognizer{next: r, metrics: m}
}

func (r *instrumentedRecognizer) Recognize(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	r.metrics.RecordTranscriptionRequest()
	start := time.Now()

	text, err := r.next.Recognize(ctx, pcm, f)
	if err != nil {
		r.metrics.RecordTranscriptionFailure(time.Since(start).Seconds())
		return "", err
	}

	r.metrics.RecordTranscriptionSuccess(time.Since(start).Seconds())
	return text, nil
}
