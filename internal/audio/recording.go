package audio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	// ErrCapacityExceeded is returned once a recording buffer is full.
	// The audio that fit is kept and can still be finalized.
	ErrCapacityExceeded = errors.New("recording buffer capacity exceeded")

	// ErrNotRecording is returned when appending to a buffer that was not started
	ErrNotRecording = errors.New("recording buffer not started")
)

// RecordingBuffer accumulates one utterance of raw PCM between button press and release
type RecordingBuffer interface {
	// Start discards any previous content and begins a new recording
	Start() error
	// Append adds whole samples; partial samples are rejected
	Append(samples []byte) error
	// Finalize ends the recording and hands its audio over as a Payload
	Finalize() (Payload, error)
	// Abort ends the recording and discards its audio
	Abort() error
	Len() int64
	Duration() time.Duration
}

// Payload is finalized recording audio ready for transmission
type Payload interface {
	Len() int64
	Open() (io.ReadCloser, error)
	Bytes() ([]byte, error)
	// Close releases any resources backing the payload
	Close() error
}

type bytesPayload struct {
	data []byte
}

// NewBytesPayload wraps in-memory audio as a Payload
func NewBytesPayload(data []byte) Payload {
	return &bytesPayload{data: data}
}

func (p *bytesPayload) Len() int64 { return int64(len(p.data)) }

func (p *bytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p.data)), nil
}

func (p *bytesPayload) Bytes() ([]byte, error) { return p.data, nil }

func (p *bytesPayload) Close() error { return nil }

// MemoryBuffer holds a recording in a fixed-size memory region
type MemoryBuffer struct {
	format   Format
	capacity int64

	data      []byte
	recording bool
	full      bool

	mu sync.Mutex
}

// NewMemoryBuffer creates a buffer that uses at most budget bytes.
// The usable capacity is budget rounded down to whole frames.
func NewMemoryBuffer(f Format, budget int64) *MemoryBuffer {
	capacity := budget
	if fs := int64(f.FrameSize()); fs > 0 {
		capacity -= capacity % fs
	}
	if capacity < 0 {
		capacity = 0
	}

	return &MemoryBuffer{
		format:   f,
		capacity: capacity,
	}
}

// MaxDuration returns how much audio fits in the buffer
func (b *MemoryBuffer) MaxDuration() time.Duration {
	return b.format.Duration(b.capacity)
}

// Start begins a new recording, reusing the buffer's memory
func (b *MemoryBuffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		b.data = make([]byte, 0, b.capacity)
	}
	b.data = b.data[:0]
	b.recording = true
	b.full = false

	return nil
}

// Append adds samples, storing the portion that fits when capacity is reached
func (b *MemoryBuffer) Append(samples []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return ErrNotRecording
	}

	if err := b.format.CheckFrames(samples); err != nil {
		return err
	}

	if b.full {
		return ErrCapacityExceeded
	}

	room := b.capacity - int64(len(b.data))
	if int64(len(samples)) > room {
		b.data = append(b.data, samples[:room]...)
		b.full = true
		return ErrCapacityExceeded
	}

	b.data = append(b.data, samples...)
	return nil
}

// Finalize returns a copy of the recorded audio
func (b *MemoryBuffer) Finalize() (Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return nil, ErrNotRecording
	}
	b.recording = false

	data := make([]byte, len(b.data))
	copy(data, b.data)
	b.data = b.data[:0]

	return NewBytesPayload(data), nil
}

// Abort discards the recorded audio
func (b *MemoryBuffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = b.data[:0]
	b.recording = false
	b.full = false

	return nil
}

// Len returns the number of bytes recorded so far
func (b *MemoryBuffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Duration returns the length of the recorded audio
func (b *MemoryBuffer) Duration() time.Duration {
	return b.format.Duration(b.Len())
}

// FileBuffer appends a recording to a file so long utterances do not need
// to fit in memory. Its ceiling is the recognizer's maximum duration.
type FileBuffer struct {
	dir      string
	format   Format
	capacity int64

	file      *os.File
	writer    *bufio.Writer
	size      int64
	recording bool
	full      bool

	mu sync.Mutex
}

// NewFileBuffer creates a buffer writing into dir, capped at maxDuration of audio
func NewFileBuffer(dir string, f Format, maxDuration time.Duration) *FileBuffer {
	return &FileBuffer{
		dir:      dir,
		format:   f,
		capacity: f.BytesFor(maxDuration),
	}
}

// MaxDuration returns how much audio fits in the buffer
func (b *FileBuffer) MaxDuration() time.Duration {
	return b.format.Duration(b.capacity)
}

// Start opens a fresh capture file, discarding any unfinished one
func (b *FileBuffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.discard()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	file, err := os.CreateTemp(b.dir, "capture-*.pcm")
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}

	b.file = file
	b.writer = bufio.NewWriterSize(file, 64*1024)
	b.size = 0
	b.recording = true
	b.full = false

	return nil
}

// Append writes samples to the capture file, storing the portion that fits
// when the maximum duration is reached
func (b *FileBuffer) Append(samples []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return ErrNotRecording
	}

	if err := b.format.CheckFrames(samples); err != nil {
		return err
	}

	if b.full {
		return ErrCapacityExceeded
	}

	overflow := false
	room := b.capacity - b.size
	if int64(len(samples)) > room {
		samples = samples[:room]
		overflow = true
	}

	n, err := b.writer.Write(samples)
	b.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write capture file: %w", err)
	}

	if overflow {
		b.full = true
		return ErrCapacityExceeded
	}

	return nil
}

// Finalize flushes the capture file and returns it as a payload.
// Closing the payload removes the file.
func (b *FileBuffer) Finalize() (Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return nil, ErrNotRecording
	}

	if err := b.writer.Flush(); err != nil {
		b.discard()
		return nil, fmt.Errorf("failed to flush capture file: %w", err)
	}

	path := b.file.Name()
	if err := b.file.Close(); err != nil {
		b.discard()
		return nil, fmt.Errorf("failed to close capture file: %w", err)
	}

	payload := &filePayload{path: path, size: b.size}

	b.file = nil
	b.writer = nil
	b.size = 0
	b.recording = false

	return payload, nil
}

// Abort closes and removes the capture file
func (b *FileBuffer) Abort() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.discard()
}

func (b *FileBuffer) discard() error {
	b.recording = false
	b.full = false
	b.size = 0
	b.writer = nil

	if b.file == nil {
		return nil
	}

	path := b.file.Name()
	b.file.Close()
	b.file = nil

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove capture file: %w", err)
	}

	return nil
}

// Len returns the number of bytes recorded so far
func (b *FileBuffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Duration returns the length of the recorded audio
func (b *FileBuffer) Duration() time.Duration {
	return b.format.Duration(b.Len())
}

type filePayload struct {
	path string
	size int64
}

func (p *filePayload) Len() int64 { return p.size }

func (p *filePayload) Open() (io.ReadCloser, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	return f, nil
}

func (p *filePayload) Bytes() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recording: %w", err)
	}
	return data, nil
}

func (p *filePayload) Close() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove recording: %w", err)
	}
	return nil
}
