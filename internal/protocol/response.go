package protocol

import (
	"fmt"
	"strings"
)

// Batch response payload conventions. The response frame always decodes;
// only the UTF-8 text tells the device whether recognition succeeded.
const (
	NoSpeechText      = "[No speech detected]"
	AudioTooShortText = "[Audio too short]"

	errorPrefix = "[Error: "
	errorSuffix = "]"
)

// Response is the interpreted payload of a batch response frame
type Response struct {
	Text     string // Transcript, empty unless recognition produced speech
	NoSpeech bool   // Server found no speech (empty or too short audio, or silent result)
	Err      string // Error reported by the server, empty on success
}

// Failed reports whether the server signalled an error
func (r Response) Failed() bool {
	return r.Err != ""
}

// EncodeText returns the response payload for a successful transcript
func EncodeText(text string) []byte {
	if strings.TrimSpace(text) == "" {
		return []byte(NoSpeechText)
	}
	return []byte(text)
}

// EncodeError returns the response payload signalling a server-side failure
func EncodeError(msg string) []byte {
	return []byte(errorPrefix + msg + errorSuffix)
}

// ParseResponse interprets a batch response payload
func ParseResponse(payload []byte) Response {
	text := string(payload)

	switch {
	case text == "" || text == NoSpeechText || text == AudioTooShortText:
		return Response{NoSpeech: true}
	case strings.HasPrefix(text, errorPrefix) && strings.HasSuffix(text, errorSuffix):
		return Response{Err: strings.TrimSuffix(strings.TrimPrefix(text, errorPrefix), errorSuffix)}
	default:
		return Response{Text: text}
	}
}

// String returns a human-readable representation of the response
func (r Response) String() string {
	switch {
	case r.Failed():
		return fmt.Sprintf("Response{Err:%q}", r.Err)
	case r.NoSpeech:
		return "Response{NoSpeech}"
	default:
		return fmt.Sprintf("Response{Text:%q}", r.Text)
	}
}
