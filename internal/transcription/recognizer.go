package transcription

import (
	"context"
	"errors"
	"fmt"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

// Recognizer turns one utterance of raw PCM into text.
// An empty string with a nil error means the recognizer heard no speech.
type Recognizer interface {
	Recognize(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

// Causes carried by TranscriptionError
var (
	ErrNoCredentials  = errors.New("no credentials - recognition disabled")
	ErrQuotaExceeded  = errors.New("recognition quota exceeded")
	ErrUnintelligible = errors.New("audio could not be recognized")
	ErrAudioTooLong   = errors.New("audio exceeds maximum recognition duration")
)

// TranscriptionError reports a failed recognition
type TranscriptionError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription %s: %v", e.Op, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a TranscriptionError worth retrying
func IsRetryable(err error) bool {
	var te *TranscriptionError
	return errors.As(err, &te) && te.Retryable
}

// Simulated stands in for a recognizer when no endpoint is configured.
// Every request fails with ErrNoCredentials so devices see an explicit error.
type Simulated struct{}

// Recognize always fails
func (Simulated) Recognize(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	return "", &TranscriptionError{Op: "recognize", Err: ErrNoCredentials}
}

// RecognizerFunc adapts a function to the Recognizer interface
type RecognizerFunc func(ctx context.Context, pcm []byte, f audio.Format) (string, error)

// Recognize calls fn
func (fn RecognizerFunc) Recognize(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	return fn(ctx, pcm, f)
}
