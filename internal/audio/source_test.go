package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

func TestSliceSource(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}

	src := NewSliceSource(data, 400)
	ctx := context.Background()

	var sizes []int
	var collected []byte
	for {
		chunk, err := src.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextChunk failed: %v", err)
		}
		sizes = append(sizes, len(chunk))
		collected = append(collected, chunk...)
	}

	expectedSizes := []int{400, 400, 200}
	if len(sizes) != len(expectedSizes) {
		t.Fatalf("Expected %d chunks, got %d", len(expectedSizes), len(sizes))
	}
	for i, size := range expectedSizes {
		if sizes[i] != size {
			t.Errorf("Chunk %d: expected %d bytes, got %d", i, size, sizes[i])
		}
	}

	if !bytes.Equal(collected, data) {
		t.Error("Chunks do not reassemble to the original data")
	}
}

func TestSliceSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSliceSource(make([]byte, 10), 2).NextChunk(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestReaderSource(t *testing.T) {
	// 1001 bytes: the trailing odd byte is not a whole sample
	data := bytes.Repeat([]byte{0x01}, 1001)

	src := NewReaderSource(bytes.NewReader(data), DefaultFormat, 400)
	collected, err := ReadAll(context.Background(), src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if len(collected) != 1000 {
		t.Errorf("Expected 1000 bytes, got %d", len(collected))
	}

	if _, err := src.NextChunk(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after end, got %v", err)
	}
}

func TestToneSource(t *testing.T) {
	src := NewToneSource(DefaultFormat, 440, 250*time.Millisecond, 8000)

	chunk, err := src.NextChunk(context.Background())
	if err != nil {
		t.Fatalf("NextChunk failed: %v", err)
	}
	if len(chunk) != 8000 {
		t.Errorf("Expected 8000 byte chunk, got %d", len(chunk))
	}

	// Sine starts at zero and is not silent afterwards
	if binary.LittleEndian.Uint16(chunk[0:]) != 0 {
		t.Error("Expected first sample to be zero")
	}
	var peak int16
	for i := 0; i < len(chunk); i += 2 {
		v := int16(binary.LittleEndian.Uint16(chunk[i:]))
		if v > peak {
			peak = v
		}
	}
	if peak < 16000 {
		t.Errorf("Expected tone peak near 16383, got %d", peak)
	}

	if _, err := src.NextChunk(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF after 250ms, got %v", err)
	}
}
