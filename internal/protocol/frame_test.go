package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		expected []byte
	}{
		{
			name:     "empty payload",
			payload:  []byte{},
			expected: []byte{0x00, 0x00, 0x00, 0x00},
		},
		{
			name:     "short payload",
			payload:  []byte("hi"),
			expected: []byte{0x02, 0x00, 0x00, 0x00, 'h', 'i'},
		},
		{
			name:     "length is little-endian",
			payload:  make([]byte, 258),
			expected: append([]byte{0x02, 0x01, 0x00, 0x00}, make([]byte, 258)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Encode(tt.payload)
			if !bytes.Equal(result, tt.expected) {
				t.Errorf("Expected % x, got % x", tt.expected, result)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	oneSecond := make([]byte, 32000)
	for i := range oneSecond {
		oneSecond[i] = byte(i * 7)
	}

	payloads := map[string][]byte{
		"empty":      {},
		"one byte":   {0x42},
		"text":       []byte("hello world"),
		"one second": oneSecond,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			decoded, err := ReadFrame(bytes.NewReader(Encode(payload)), DefaultMaxFrameSize)
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if !bytes.Equal(decoded, payload) {
				t.Errorf("Round trip mismatch: sent %d bytes, got %d bytes", len(payload), len(decoded))
			}
		})
	}
}

func TestReadFrameAtCeiling(t *testing.T) {
	payload := make([]byte, 1024)

	decoded, err := ReadFrame(bytes.NewReader(Encode(payload)), 1024)
	if err != nil {
		t.Fatalf("Payload equal to ceiling should be accepted, got: %v", err)
	}
	if len(decoded) != 1024 {
		t.Errorf("Expected 1024 bytes, got %d", len(decoded))
	}
}

// countingReader records how many bytes were pulled from the underlying reader
type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestReadFrameOversized(t *testing.T) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 0xFFFFFFF0)

	// Garbage after the header must never be consumed
	src := &countingReader{r: io.MultiReader(bytes.NewReader(header), bytes.NewReader(make([]byte, 64)))}

	payload, err := ReadFrame(src, DefaultMaxFrameSize)
	if err == nil {
		t.Fatal("Expected error for oversized length but got none")
	}
	if payload != nil {
		t.Errorf("Expected nil payload, got %d bytes", len(payload))
	}

	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FramingError, got %T", err)
	}
	if fe.Reason != ReasonOversized {
		t.Errorf("Expected reason %q, got %q", ReasonOversized, fe.Reason)
	}
	if fe.Declared != 0xFFFFFFF0 {
		t.Errorf("Expected declared length %d, got %d", uint32(0xFFFFFFF0), fe.Declared)
	}
	if src.read != LengthPrefixSize {
		t.Errorf("Expected only %d header bytes to be read, read %d", LengthPrefixSize, src.read)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	full := Encode([]byte("hello world"))

	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{
			name:   "no bytes",
			data:   []byte{},
			reason: ReasonTruncatedHeader,
		},
		{
			name:   "partial header",
			data:   full[:2],
			reason: ReasonTruncatedHeader,
		},
		{
			name:   "header only",
			data:   full[:4],
			reason: ReasonTruncatedPayload,
		},
		{
			name:   "partial payload",
			data:   full[:9],
			reason: ReasonTruncatedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), DefaultMaxFrameSize)
			if err == nil {
				t.Fatal("Expected error but got none")
			}

			var fe *FramingError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected FramingError, got %T: %v", err, err)
			}
			if fe.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, fe.Reason)
			}
			if !IsFramingError(err) {
				t.Error("IsFramingError should report true")
			}
		})
	}
}

func TestReadFrameSequential(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range []string{"first", "", "third"} {
		if err := WriteFrame(&buf, []byte(msg)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for _, expected := range []string{"first", "", "third"} {
		payload, err := ReadFrame(&buf, DefaultMaxFrameSize)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if string(payload) != expected {
			t.Errorf("Expected %q, got %q", expected, string(payload))
		}
	}
}

func TestWriteFrameFrom(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01, 0x02}, 5000)

	var buf bytes.Buffer
	if err := WriteFrameFrom(&buf, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("WriteFrameFrom failed: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), Encode(payload)) {
		t.Error("Streamed frame differs from Encode output")
	}
}

func TestWriteFrameFromShortReader(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrameFrom(&buf, strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("Expected error when reader is shorter than declared length")
	}
	if !contains(err.Error(), "failed to write frame payload") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestFramingErrorMessages(t *testing.T) {
	tests := []struct {
		err      *FramingError
		contains string
	}{
		{&FramingError{Reason: ReasonOversized, Declared: 99}, "declared 99 bytes"},
		{&FramingError{Reason: ReasonTruncatedPayload, Declared: 10, Received: 3, Err: io.ErrUnexpectedEOF}, "got 3 of 10 bytes"},
		{&FramingError{Reason: ReasonTruncatedHeader, Received: 1, Err: io.ErrUnexpectedEOF}, "got 1 of 4 bytes"},
	}

	for _, tt := range tests {
		if !contains(tt.err.Error(), tt.contains) {
			t.Errorf("Expected %q to contain %q", tt.err.Error(), tt.contains)
		}
	}

	wrapped := &FramingError{Reason: ReasonTruncatedHeader, Err: io.EOF}
	if !errors.Is(wrapped, io.EOF) {
		t.Error("FramingError should unwrap to the underlying I/O error")
	}
}

// contains reports whether substr is within s
func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
