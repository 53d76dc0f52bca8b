package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"
)

// ChunkSource yields captured audio one chunk at a time.
// NextChunk returns io.EOF once the capture has ended (button released).
type ChunkSource interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// SliceSource serves fixed-size chunks from an in-memory recording
type SliceSource struct {
	data      []byte
	chunkSize int
	offset    int
}

// NewSliceSource creates a source over data split into chunkSize pieces
func NewSliceSource(data []byte, chunkSize int) *SliceSource {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	return &SliceSource{data: data, chunkSize: chunkSize}
}

// NextChunk returns the next chunk, the last one may be shorter
func (s *SliceSource) NextChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.offset >= len(s.data) {
		return nil, io.EOF
	}

	end := s.offset + s.chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}

	chunk := s.data[s.offset:end]
	s.offset = end

	return chunk, nil
}

// ReaderSource reads chunks from an io.Reader such as a raw PCM file or pipe
type ReaderSource struct {
	r         io.Reader
	format    Format
	chunkSize int
	done      bool
}

// NewReaderSource creates a source reading chunkSize bytes at a time from r
func NewReaderSource(r io.Reader, f Format, chunkSize int) *ReaderSource {
	if fs := f.FrameSize(); fs > 0 {
		chunkSize -= chunkSize % fs
		if chunkSize == 0 {
			chunkSize = fs
		}
	}
	return &ReaderSource{r: r, format: f, chunkSize: chunkSize}
}

// NextChunk reads the next chunk. A short final read is trimmed to whole frames.
func (s *ReaderSource) NextChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.done {
		return nil, io.EOF
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
		if fs := s.format.FrameSize(); fs > 0 {
			n -= n % fs
		}
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	default:
		return nil, err
	}
}

// ToneSource generates a sine test tone of a fixed duration
type ToneSource struct {
	format    Format
	frequency float64
	total     int64
	chunkSize int
	sample    int64
	produced  int64
}

// NewToneSource creates a generator for duration of a frequency Hz tone.
// Only 16-bit formats are supported; every channel carries the same signal.
func NewToneSource(f Format, frequency float64, duration time.Duration, chunkSize int) *ToneSource {
	if fs := f.FrameSize(); fs > 0 {
		chunkSize -= chunkSize % fs
		if chunkSize == 0 {
			chunkSize = fs
		}
	}
	return &ToneSource{
		format:    f,
		frequency: frequency,
		total:     f.BytesFor(duration),
		chunkSize: chunkSize,
	}
}

// NextChunk returns the next piece of the tone
func (s *ToneSource) NextChunk(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining := s.total - s.produced
	if remaining <= 0 {
		return nil, io.EOF
	}

	n := int64(s.chunkSize)
	if n > remaining {
		n = remaining
	}

	chunk := make([]byte, n)
	frameSize := s.format.FrameSize()
	amplitude := 16383.0 // Half of max int16 to avoid clipping

	for off := 0; off+frameSize <= len(chunk); off += frameSize {
		t := float64(s.sample) / float64(s.format.SampleRate)
		value := int16(amplitude * math.Sin(2*math.Pi*s.frequency*t))
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(chunk[off+ch*2:], uint16(value))
		}
		s.sample++
	}

	s.produced += n
	return chunk, nil
}

// ReadAll drains a source into one slice
func ReadAll(ctx context.Context, src ChunkSource) ([]byte, error) {
	var out []byte
	for {
		chunk, err := src.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
}
