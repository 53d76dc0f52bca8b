package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

// ErrRecognitionFailed is returned when the server reports a recognition error
var ErrRecognitionFailed = errors.New("recognition failed")

// RecordingState tracks one utterance from button press to displayed result
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingCapturing
	RecordingFinalizing
	RecordingTransmitting
	RecordingAwaitingResult
	RecordingComplete
	RecordingFailed
)

func (s RecordingState) String() string {
	switch s {
	case RecordingIdle:
		return "idle"
	case RecordingCapturing:
		return "capturing"
	case RecordingFinalizing:
		return "finalizing"
	case RecordingTransmitting:
		return "transmitting"
	case RecordingAwaitingResult:
		return "awaiting_result"
	case RecordingComplete:
		return "complete"
	case RecordingFailed:
		return "failed"
	default:
		return fmt.Sprintf("recording_state(%d)", int(s))
	}
}

// Recording describes one utterance
type Recording struct {
	ID         string
	State      RecordingState
	Bytes      int64
	Duration   time.Duration
	Truncated  bool // Capture stopped at buffer capacity
	Transcript string
	StartedAt  time.Time
}

// Sender transmits a finalized recording and returns the server's response
type Sender interface {
	Send(ctx context.Context, payload audio.Payload) (protocol.Response, error)
}

// UploadNotifier is implemented by senders that report when the request has been
// fully written and only the response is outstanding
type UploadNotifier interface {
	SendNotify(ctx context.Context, payload audio.Payload, uploaded func()) (protocol.Response, error)
}

// Recorder drives the batch push-to-talk cycle: capture into a buffer while the
// button is held, then transmit once and display the result
type Recorder struct {
	buffer audio.RecordingBuffer
	sender Sender
	sink   Sink
	logger *slog.Logger

	current *Recording
	mu      sync.Mutex
}

// NewRecorder creates a recorder
func NewRecorder(buffer audio.RecordingBuffer, sender Sender, sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{
		buffer: buffer,
		sender: sender,
		sink:   sink,
		logger: logger,
	}
}

// Record captures from src until it reports io.EOF (button release), then sends the
// audio and waits for the transcript. Cancelling ctx during capture discards the
// recording; once transmission has started only the transport timeout bounds it.
func (r *Recorder) Record(ctx context.Context, src audio.ChunkSource) (Recording, error) {
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return Recording{}, ErrBusy
	}
	rec := &Recording{
		ID:        uuid.New().String(),
		State:     RecordingCapturing,
		StartedAt: time.Now(),
	}
	r.current = rec
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	logger := r.logger.With(slog.String("recording_id", rec.ID))

	if err := r.capture(ctx, rec, src, logger); err != nil {
		r.buffer.Abort()
		r.setState(rec, RecordingFailed)
		if ctx.Err() != nil {
			r.sink.Status(StatusCancelled)
		} else {
			r.sink.Status(StatusFailed)
		}
		return r.snapshot(rec), err
	}

	r.setState(rec, RecordingFinalizing)

	duration := r.buffer.Duration()
	payload, err := r.buffer.Finalize()
	if err != nil {
		r.setState(rec, RecordingFailed)
		r.sink.Status(StatusFailed)
		return r.snapshot(rec), fmt.Errorf("failed to finalize recording: %w", err)
	}
	defer payload.Close()

	r.mu.Lock()
	rec.Bytes = payload.Len()
	rec.Duration = duration
	rec.State = RecordingTransmitting
	r.mu.Unlock()

	logger.Info("Recording captured",
		slog.Int64("bytes", rec.Bytes),
		slog.Bool("truncated", rec.Truncated),
	)

	r.sink.Status(StatusSending)

	resp, err := r.send(context.WithoutCancel(ctx), rec, payload)
	if err != nil {
		r.setState(rec, RecordingFailed)
		r.sink.Status(StatusConnectionError)
		return r.snapshot(rec), err
	}

	switch {
	case resp.Failed():
		r.setState(rec, RecordingFailed)
		r.sink.Status(StatusFailed)
		logger.Warn("Server reported recognition failure", slog.String("error", resp.Err))
		return r.snapshot(rec), fmt.Errorf("%w: %s", ErrRecognitionFailed, resp.Err)

	case resp.NoSpeech:
		r.setState(rec, RecordingComplete)
		r.sink.Status(StatusNoSpeech)

	default:
		r.mu.Lock()
		rec.Transcript = resp.Text
		rec.State = RecordingComplete
		r.mu.Unlock()
		r.sink.Transcript(resp.Text)
	}

	return r.snapshot(rec), nil
}

// send transmits the payload, moving rec to AwaitingResult once the upload is done
func (r *Recorder) send(ctx context.Context, rec *Recording, payload audio.Payload) (protocol.Response, error) {
	notifier, ok := r.sender.(UploadNotifier)
	if !ok {
		return r.sender.Send(ctx, payload)
	}

	return notifier.SendNotify(ctx, payload, func() {
		r.setState(rec, RecordingAwaitingResult)
		r.sink.Status(StatusAwaitingResult)
	})
}

// capture pulls chunks into a fresh buffer until the source ends or the buffer is full
func (r *Recorder) capture(ctx context.Context, rec *Recording, src audio.ChunkSource, logger *slog.Logger) error {
	if err := r.buffer.Start(); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	r.sink.Status(StatusRecording)

	for {
		chunk, err := src.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = r.buffer.Append(chunk)
		if errors.Is(err, audio.ErrCapacityExceeded) {
			logger.Warn("Recording buffer full, sending partial audio",
				slog.Duration("captured", r.buffer.Duration()),
			)
			r.mu.Lock()
			rec.Truncated = true
			r.mu.Unlock()
			r.sink.Status(StatusMaxLength)
			return nil
		}
		if err != nil {
			return err
		}

		r.mu.Lock()
		rec.Bytes = r.buffer.Len()
		r.mu.Unlock()
	}
}

func (r *Recorder) setState(rec *Recording, s RecordingState) {
	r.mu.Lock()
	rec.State = s
	r.mu.Unlock()
}

func (r *Recorder) snapshot(rec *Recording) Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *rec
}

// Current returns the recording in progress, if any
func (r *Recorder) Current() (Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return Recording{}, false
	}
	return *r.current, true
}
