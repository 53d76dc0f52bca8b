package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

// ErrStreamClosed is returned when using a stream after Close
var ErrStreamClosed = errors.New("recognition stream closed")

// Event is one result from a recognition stream.
// Err is set for failures; otherwise Text is a partial or (if Final) a committed transcript.
// EndOfUtterance marks the result that answers an EndUtterance request, as opposed
// to a final forced by the maximum utterance duration.
type Event struct {
	Text           string
	Final          bool
	Err            error
	EndOfUtterance bool
}

// StreamRecognizer opens incremental recognition streams
type StreamRecognizer interface {
	Stream(ctx context.Context, f audio.Format) (Stream, error)
}

// Stream is one incremental recognition session
type Stream interface {
	// Send queues audio for the current utterance
	Send(chunk []byte) error
	// EndUtterance requests the final result for the current utterance
	EndUtterance() error
	// Events delivers results in order; closed once the stream has stopped
	Events() <-chan Event
	// Close stops the stream and discards any unfinished utterance
	Close() error
}

// IncrementalConfig tunes the incremental adapter
type IncrementalConfig struct {
	PartialInterval time.Duration // How often a partial result is produced while audio arrives
	MaxDuration     time.Duration // Utterance length that forces a final result
	QueueSize       int           // Buffered chunks before Send blocks
}

// Incremental provides streaming recognition on top of a batch Recognizer by
// re-recognizing the growing utterance at a fixed interval
type Incremental struct {
	recognizer Recognizer
	config     IncrementalConfig
	logger     *slog.Logger
}

// NewIncremental creates an incremental adapter over r
func NewIncremental(r Recognizer, config IncrementalConfig, logger *slog.Logger) *Incremental {
	if config.PartialInterval <= 0 {
		config.PartialInterval = time.Second
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = 60 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	return &Incremental{
		recognizer: r,
		config:     config,
		logger:     logger,
	}
}

type streamInput struct {
	chunk []byte
	end   bool
}

type incrementalStream struct {
	recognizer Recognizer
	format     audio.Format
	config     IncrementalConfig
	logger     *slog.Logger

	inputs chan streamInput
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stream starts a recognition stream. It stops when ctx is cancelled or Close is called.
func (inc *Incremental) Stream(ctx context.Context, f audio.Format) (Stream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &incrementalStream{
		recognizer: inc.recognizer,
		format:     f,
		config:     inc.config,
		logger:     inc.logger,
		inputs:     make(chan streamInput, inc.config.QueueSize),
		events:     make(chan Event, inc.config.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go s.run()

	return s, nil
}

func (s *incrementalStream) Send(chunk []byte) error {
	return s.enqueue(streamInput{chunk: chunk})
}

func (s *incrementalStream) EndUtterance() error {
	return s.enqueue(streamInput{end: true})
}

func (s *incrementalStream) enqueue(in streamInput) error {
	if s.ctx.Err() != nil {
		return ErrStreamClosed
	}

	select {
	case s.inputs <- in:
		return nil
	case <-s.ctx.Done():
		return ErrStreamClosed
	}
}

func (s *incrementalStream) Events() <-chan Event {
	return s.events
}

func (s *incrementalStream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// run is the single owner of the utterance buffer
func (s *incrementalStream) run() {
	defer close(s.done)
	defer close(s.events)

	ticker := time.NewTicker(s.config.PartialInterval)
	defer ticker.Stop()

	maxBytes := s.format.BytesFor(s.config.MaxDuration)
	minBytes := s.format.BytesFor(audio.MinSpeechDuration)

	var utterance []byte
	pending := false // audio arrived since the last partial

	for {
		select {
		case <-s.ctx.Done():
			return

		case in := <-s.inputs:
			if in.end {
				s.finish(utterance, true)
				utterance = nil
				pending = false
				continue
			}

			utterance = append(utterance, in.chunk...)
			pending = true

			if int64(len(utterance)) >= maxBytes {
				s.logger.Debug("Utterance reached maximum duration, forcing final result",
					slog.Duration("duration", s.format.Duration(int64(len(utterance)))),
				)
				s.finish(utterance[:maxBytes], false)
				utterance = append([]byte(nil), utterance[maxBytes:]...)
				pending = len(utterance) > 0
			}

		case <-ticker.C:
			if !pending || int64(len(utterance)) < minBytes {
				continue
			}
			pending = false

			text, err := s.recognizer.Recognize(s.ctx, utterance, s.format)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.emit(Event{Err: err})
				continue
			}

			if text != "" {
				s.emit(Event{Text: text})
			}
		}
	}
}

// finish recognizes a complete utterance and emits its final result
func (s *incrementalStream) finish(utterance []byte, ended bool) {
	if int64(len(utterance)) < s.format.BytesFor(audio.MinSpeechDuration) {
		s.emit(Event{Final: true, EndOfUtterance: ended})
		return
	}

	text, err := s.recognizer.Recognize(s.ctx, utterance, s.format)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.emit(Event{Err: err, EndOfUtterance: ended})
		return
	}

	s.emit(Event{Text: text, Final: true, EndOfUtterance: ended})
}

func (s *incrementalStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
