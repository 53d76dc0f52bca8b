package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected Response
	}{
		{"transcript", []byte("hello world"), Response{Text: "hello world"}},
		{"empty payload", []byte{}, Response{NoSpeech: true}},
		{"no speech marker", []byte(NoSpeechText), Response{NoSpeech: true}},
		{"too short marker", []byte(AudioTooShortText), Response{NoSpeech: true}},
		{"error payload", EncodeError("quota exceeded"), Response{Err: "quota exceeded"}},
		{"bracketed text is not an error", []byte("[laughs]"), Response{Text: "[laughs]"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseResponse(tt.payload)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestEncodeText(t *testing.T) {
	if got := string(EncodeText("hello world")); got != "hello world" {
		t.Errorf("Expected transcript unchanged, got %q", got)
	}
	if got := string(EncodeText("   ")); got != NoSpeechText {
		t.Errorf("Expected blank transcript to become %q, got %q", NoSpeechText, got)
	}
}

func TestResponseFailed(t *testing.T) {
	if (Response{Text: "ok"}).Failed() {
		t.Error("Transcript response should not be failed")
	}
	if !(Response{Err: "boom"}).Failed() {
		t.Error("Error response should be failed")
	}
}

func TestTranscriptEventJSON(t *testing.T) {
	tests := []struct {
		name     string
		event    TranscriptEvent
		expected string
	}{
		{
			name:     "partial",
			event:    TranscriptEvent{Transcript: "hel", IsFinal: false},
			expected: `{"transcript":"hel","isFinal":false}`,
		},
		{
			name:     "final",
			event:    TranscriptEvent{Transcript: "hello", IsFinal: true},
			expected: `{"transcript":"hello","isFinal":true}`,
		},
		{
			name:     "error",
			event:    TranscriptEvent{Error: "quota exceeded"},
			expected: `{"error":"quota exceeded"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(data))
			}

			decoded, err := DecodeTranscriptEvent(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded != tt.event {
				t.Errorf("Expected %v, got %v", tt.event, decoded)
			}
		})
	}
}

func TestDecodeControlMessage(t *testing.T) {
	msg, err := DecodeControlMessage([]byte(`{"type":"end"}`))
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if msg.Type != ControlEnd {
		t.Errorf("Expected type %q, got %q", ControlEnd, msg.Type)
	}

	if _, err := DecodeControlMessage([]byte(`{}`)); err == nil {
		t.Error("Expected error for missing type")
	}
	if _, err := DecodeControlMessage([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}
