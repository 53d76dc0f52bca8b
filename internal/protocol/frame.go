package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame structure constants
const (
	// LengthPrefixSize is the size of the little-endian length field preceding every payload
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds the declared payload length (~60s of 48kHz stereo 16-bit audio)
	DefaultMaxFrameSize = 6000000
)

// Framing failure reasons
const (
	ReasonTruncatedHeader  = "truncated header"
	ReasonOversized        = "oversized"
	ReasonTruncatedPayload = "truncated payload"
)

// FramingError reports a malformed, oversized or truncated frame.
// It is always fatal to the connection the frame was read from.
type FramingError struct {
	Reason   string
	Declared uint32 // Length announced by the prefix (0 if the prefix itself was truncated)
	Received int    // Bytes actually received for the failing part
	Err      error  // Underlying I/O error, if any
}

func (e *FramingError) Error() string {
	switch e.Reason {
	case ReasonOversized:
		return fmt.Sprintf("framing error: %s: declared %d bytes", e.Reason, e.Declared)
	case ReasonTruncatedPayload:
		return fmt.Sprintf("framing error: %s: got %d of %d bytes: %v", e.Reason, e.Received, e.Declared, e.Err)
	default:
		return fmt.Sprintf("framing error: %s: got %d of %d bytes: %v", e.Reason, e.Received, LengthPrefixSize, e.Err)
	}
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFramingError reports whether err is (or wraps) a FramingError
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Encode returns payload prefixed with its length as a 4-byte little-endian uint32
func Encode(payload []byte) []byte {
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame
}

// EncodeHeader returns the 4-byte length prefix for a payload of n bytes
func EncodeHeader(n uint32) []byte {
	header := make([]byte, LengthPrefixSize)
	binary.LittleEndian.PutUint32(header, n)
	return header
}

// WriteFrame writes a complete frame carrying payload to w
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("payload too large for frame: %d bytes", len(payload))
	}

	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// WriteFrameFrom writes a frame whose n-byte payload is streamed from r.
// It fails if r yields fewer than n bytes, leaving the peer with a truncated frame.
func WriteFrameFrom(w io.Writer, r io.Reader, n int64) error {
	if n < 0 || n > int64(^uint32(0)) {
		return fmt.Errorf("invalid frame payload length: %d", n)
	}

	if _, err := w.Write(EncodeHeader(uint32(n))); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}

	written, err := io.CopyN(w, r, n)
	if err != nil {
		return fmt.Errorf("failed to write frame payload (%d of %d bytes): %w", written, n, err)
	}

	return nil
}

// ReadHeader reads the 4-byte length prefix and validates it against maxLen
func ReadHeader(r io.Reader, maxLen uint32) (uint32, error) {
	var header [LengthPrefixSize]byte

	n, err := io.ReadFull(r, header[:])
	if err != nil {
		return 0, &FramingError{Reason: ReasonTruncatedHeader, Received: n, Err: err}
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxLen {
		return length, &FramingError{Reason: ReasonOversized, Declared: length}
	}

	return length, nil
}

// ReadFrame reads one frame from r and returns its payload.
// The declared length is checked against maxLen before any payload buffer is allocated.
func ReadFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	length, err := ReadHeader(r, maxLen)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	n, err := io.ReadFull(r, payload)
	if err != nil {
		return nil, &FramingError{Reason: ReasonTruncatedPayload, Declared: length, Received: n, Err: err}
	}

	return payload, nil
}
