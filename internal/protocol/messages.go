package protocol

import (
	"encoding/json"
	"fmt"
)

// Control message types sent by the device on the streaming connection
const (
	ControlEnd = "end" // End of the current utterance
)

// TranscriptEvent is a server-to-device streaming message.
// It carries either a transcript update or an error, never both.
type TranscriptEvent struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
	Error      string `json:"error,omitempty"`
}

// IsError reports whether the event carries an error
func (e TranscriptEvent) IsError() bool {
	return e.Error != ""
}

// MarshalJSON omits transcript fields from error events so they read as {"error": "..."}
func (e TranscriptEvent) MarshalJSON() ([]byte, error) {
	if e.IsError() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Error})
	}

	type event TranscriptEvent
	return json.Marshal(event(e))
}

// ControlMessage is a device-to-server text message on the streaming connection
type ControlMessage struct {
	Type string `json:"type"`
}

// DecodeTranscriptEvent parses a streaming text message from the server
func DecodeTranscriptEvent(data []byte) (TranscriptEvent, error) {
	var event TranscriptEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return TranscriptEvent{}, fmt.Errorf("failed to parse transcript event: %w", err)
	}
	return event, nil
}

// DecodeControlMessage parses a streaming text message from the device
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to parse control message: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("control message missing type")
	}
	return msg, nil
}

// String returns a human-readable representation of the event
func (e TranscriptEvent) String() string {
	if e.IsError() {
		return fmt.Sprintf("TranscriptEvent{Error:%q}", e.Error)
	}
	return fmt.Sprintf("TranscriptEvent{Transcript:%q, IsFinal:%t}", e.Transcript, e.IsFinal)
}
