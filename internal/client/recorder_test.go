package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

// fakeSender records what it was asked to send and answers with a fixed response
type fakeSender struct {
	resp    protocol.Response
	err     error
	block   chan struct{}
	ctxErrs []error

	sent [][]byte
	mu   sync.Mutex
}

func (s *fakeSender) Send(ctx context.Context, payload audio.Payload) (protocol.Response, error) {
	data, err := payload.Bytes()
	if err != nil {
		return protocol.Response{}, err
	}

	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), data...))
	s.mu.Unlock()

	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()

	return s.resp, s.err
}

func (s *fakeSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestRecordTranscript(t *testing.T) {
	sender := &fakeSender{resp: protocol.Response{Text: "turn on the lights"}}
	sink := &MemorySink{}
	recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20), sender, sink, testLogger())

	pcm := make([]byte, 32000)
	rec, err := recorder.Record(context.Background(), audio.NewSliceSource(pcm, 8000))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if rec.State != RecordingComplete {
		t.Errorf("Expected Complete, got %v", rec.State)
	}
	if rec.Transcript != "turn on the lights" {
		t.Errorf("Unexpected transcript: %q", rec.Transcript)
	}
	if rec.Bytes != 32000 || rec.Duration != time.Second {
		t.Errorf("Expected 32000 bytes and 1s, got %d bytes and %v", rec.Bytes, rec.Duration)
	}
	if len(sender.sent) != 1 || len(sender.sent[0]) != 32000 {
		t.Fatalf("Expected one 32000 byte transmission, got %d", sender.sentCount())
	}

	if sink.LastTranscript() != "turn on the lights" {
		t.Errorf("Expected transcript on display, got %q", sink.LastTranscript())
	}

	statuses := sink.Statuses()
	if len(statuses) < 2 || statuses[0] != StatusRecording || statuses[1] != StatusSending {
		t.Errorf("Unexpected status sequence: %v", statuses)
	}

	if _, active := recorder.Current(); active {
		t.Error("Expected no recording in progress after Record returns")
	}
}

func TestRecordCapacityExceeded(t *testing.T) {
	sender := &fakeSender{resp: protocol.Response{Text: "partial audio"}}
	sink := &MemorySink{}
	recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1000), sender, sink, testLogger())

	rec, err := recorder.Record(context.Background(), audio.NewSliceSource(make([]byte, 4000), 800))
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if !rec.Truncated {
		t.Error("Expected recording to be marked truncated")
	}
	if len(sender.sent) != 1 || len(sender.sent[0]) != 1000 {
		t.Errorf("Expected the 1000 bytes that fit to be sent")
	}
	if !containsString(sink.Statuses(), StatusMaxLength) {
		t.Errorf("Expected %q status, got %v", StatusMaxLength, sink.Statuses())
	}
}

func TestRecordOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		sender   *fakeSender
		state    RecordingState
		status   string
		checkErr func(error) bool
	}{
		{
			name:     "no speech",
			sender:   &fakeSender{resp: protocol.Response{NoSpeech: true}},
			state:    RecordingComplete,
			status:   StatusNoSpeech,
			checkErr: func(err error) bool { return err == nil },
		},
		{
			name:     "server error",
			sender:   &fakeSender{resp: protocol.Response{Err: "quota exceeded"}},
			state:    RecordingFailed,
			status:   StatusFailed,
			checkErr: func(err error) bool { return errors.Is(err, ErrRecognitionFailed) },
		},
		{
			name:     "transport error",
			sender:   &fakeSender{err: &TransportError{Op: "timeout", Err: context.DeadlineExceeded}},
			state:    RecordingFailed,
			status:   StatusConnectionError,
			checkErr: func(err error) bool { var te *TransportError; return errors.As(err, &te) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &MemorySink{}
			recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20), tt.sender, sink, testLogger())

			rec, err := recorder.Record(context.Background(), audio.NewSliceSource(make([]byte, 3200), 640))
			if !tt.checkErr(err) {
				t.Errorf("Unexpected error: %v", err)
			}
			if rec.State != tt.state {
				t.Errorf("Expected state %v, got %v", tt.state, rec.State)
			}

			statuses := sink.Statuses()
			if statuses[len(statuses)-1] != tt.status {
				t.Errorf("Expected final status %q, got %v", tt.status, statuses)
			}
			if len(sink.Transcripts()) != 0 {
				t.Errorf("Expected no transcript on display, got %v", sink.Transcripts())
			}
		})
	}
}

// blockingSource yields one chunk, then waits for cancellation
type blockingSource struct {
	sent bool
}

func (s *blockingSource) NextChunk(ctx context.Context) ([]byte, error) {
	if !s.sent {
		s.sent = true
		return make([]byte, 320), nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecordCancelledDuringCapture(t *testing.T) {
	sender := &fakeSender{}
	sink := &MemorySink{}
	buffer := audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20)
	recorder := NewRecorder(buffer, sender, sink, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rec, err := recorder.Record(ctx, &blockingSource{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if rec.State != RecordingFailed {
		t.Errorf("Expected Failed, got %v", rec.State)
	}
	if sender.sentCount() != 0 {
		t.Error("Cancelled recording must not be transmitted")
	}
	if buffer.Len() != 0 {
		t.Errorf("Expected buffer to be discarded, has %d bytes", buffer.Len())
	}
	if !containsString(sink.Statuses(), StatusCancelled) {
		t.Errorf("Expected %q status, got %v", StatusCancelled, sink.Statuses())
	}
}

func TestRecordTransmissionOutlivesCaller(t *testing.T) {
	sender := &fakeSender{resp: protocol.Response{Text: "done"}, block: make(chan struct{})}
	recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20), sender, &MemorySink{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		_, err := recorder.Record(ctx, audio.NewSliceSource(make([]byte, 3200), 640))
		result <- err
	}()

	waitFor(t, func() bool { return sender.sentCount() == 1 })

	// Releasing the button mid-transmission does not abort the exchange
	cancel()
	close(sender.block)

	if err := <-result; err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if sender.ctxErrs[0] != nil {
		t.Errorf("Expected transmission context to stay live, got %v", sender.ctxErrs[0])
	}
}

func TestRecordBusy(t *testing.T) {
	sender := &fakeSender{resp: protocol.Response{Text: "first"}, block: make(chan struct{})}
	recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20), sender, &MemorySink{}, testLogger())

	result := make(chan error, 1)
	go func() {
		_, err := recorder.Record(context.Background(), audio.NewSliceSource(make([]byte, 3200), 640))
		result <- err
	}()

	waitFor(t, func() bool { return sender.sentCount() == 1 })

	current, active := recorder.Current()
	if !active || current.State != RecordingTransmitting {
		t.Errorf("Expected a transmitting recording, got %v (active=%t)", current.State, active)
	}

	if _, err := recorder.Record(context.Background(), audio.NewSliceSource(make([]byte, 320), 320)); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(sender.block)
	if err := <-result; err != nil {
		t.Errorf("First recording failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// notifyingSender reports the upload as done, then blocks until released
type notifyingSender struct {
	fakeSender
}

func (s *notifyingSender) SendNotify(ctx context.Context, payload audio.Payload, uploaded func()) (protocol.Response, error) {
	uploaded()
	return s.Send(ctx, payload)
}

func TestRecordAwaitingResult(t *testing.T) {
	sender := &notifyingSender{fakeSender{resp: protocol.Response{Text: "done"}, block: make(chan struct{})}}
	sink := &MemorySink{}
	recorder := NewRecorder(audio.NewMemoryBuffer(audio.DefaultFormat, 1<<20), sender, sink, testLogger())

	result := make(chan error, 1)
	go func() {
		_, err := recorder.Record(context.Background(), audio.NewSliceSource(make([]byte, 3200), 640))
		result <- err
	}()

	waitFor(t, func() bool { return sender.sentCount() == 1 })

	current, active := recorder.Current()
	if !active || current.State != RecordingAwaitingResult {
		t.Errorf("Expected recording awaiting its result, got %v (active=%t)", current.State, active)
	}
	if !containsString(sink.Statuses(), StatusAwaitingResult) {
		t.Errorf("Expected %q status, got %v", StatusAwaitingResult, sink.Statuses())
	}

	close(sender.block)
	if err := <-result; err != nil {
		t.Fatalf("Record failed: %v", err)
	}
}
