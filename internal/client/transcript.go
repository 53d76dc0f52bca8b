package client

import (
	"strings"

	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

// Transcript accumulates streaming results on the device.
// A partial replaces the previous partial; a final commits its text.
type Transcript struct {
	committed []string
	partial   string
}

// Apply folds one transcript event into the transcript.
// Error events carry no text and leave the transcript unchanged.
func (t *Transcript) Apply(ev protocol.TranscriptEvent) bool {
	if ev.IsError() {
		return false
	}

	if !ev.IsFinal {
		if ev.Transcript == t.partial {
			return false
		}
		t.partial = ev.Transcript
		return true
	}

	changed := t.partial != ""
	t.partial = ""

	if text := strings.TrimSpace(ev.Transcript); text != "" {
		t.committed = append(t.committed, text)
		changed = true
	}

	return changed
}

// Abandon drops the uncommitted partial, reporting whether there was one
func (t *Transcript) Abandon() bool {
	had := t.partial != ""
	t.partial = ""
	return had
}

// Partial returns the pending, uncommitted text
func (t *Transcript) Partial() string {
	return t.partial
}

// Committed returns the finalized utterances in order
func (t *Transcript) Committed() []string {
	out := make([]string, len(t.committed))
	copy(out, t.committed)
	return out
}

// Text returns committed utterances followed by the pending partial
func (t *Transcript) Text() string {
	parts := t.committed
	if t.partial != "" {
		parts = append(parts[:len(parts):len(parts)], t.partial)
	}
	return strings.Join(parts, " ")
}
