package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// WAVHeaderSize is the size of the canonical 44-byte PCM WAV header
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(dataSize uint32, f Format) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.FrameSize()),
		BitsPerSample: uint16(f.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteWAV writes raw PCM wrapped in a WAV container to w
func WriteWAV(w io.Writer, pcm []byte, f Format) error {
	if len(pcm) == 0 {
		return fmt.Errorf("cannot encode empty audio")
	}

	if err := f.Validate(); err != nil {
		return err
	}

	if len(pcm)%f.FrameSize() != 0 {
		return fmt.Errorf("audio length %d is not a multiple of frame size %d", len(pcm), f.FrameSize())
	}

	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(uint32(len(pcm)), f)); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}

	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}

	return nil
}

// EncodeWAV wraps raw PCM in a WAV container
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	if err := WriteWAV(buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeWAV extracts raw PCM and its format from WAV data
func DecodeWAV(data []byte) ([]byte, Format, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, Format{}, err
	}

	if header.AudioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	f := Format{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
		BitDepth:   int(header.BitsPerSample),
	}
	if err := f.Validate(); err != nil {
		return nil, Format{}, fmt.Errorf("invalid WAV format: %w", err)
	}

	size := int(header.Subchunk2Size)
	if size == 0 {
		return nil, Format{}, fmt.Errorf("no audio data found")
	}
	if WAVHeaderSize+size > len(data) {
		return nil, Format{}, fmt.Errorf("WAV data truncated: header declares %d bytes, have %d", size, len(data)-WAVHeaderSize)
	}

	pcm := make([]byte, size)
	copy(pcm, data[WAVHeaderSize:WAVHeaderSize+size])

	return pcm, f, nil
}

func readWAVHeader(data []byte) (WAVHeader, error) {
	if err := ValidateWAV(data); err != nil {
		return WAVHeader{}, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return WAVHeader{}, fmt.Errorf("failed to read WAV header: %w", err)
	}

	return header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32        `json:"sample_rate"`
	Channels      uint16        `json:"channels"`
	BitsPerSample uint16        `json:"bits_per_sample"`
	Duration      time.Duration `json:"duration"`
	DataSize      uint32        `json:"data_size_bytes"`
}

// GetWAVInfo extracts metadata from the header of a WAV file.
// Only the first WAVHeaderSize bytes are needed.
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readWAVHeader(data)
	if err != nil {
		return nil, err
	}

	f := Format{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
		BitDepth:   int(header.BitsPerSample),
	}

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      f.Duration(int64(header.Subchunk2Size)),
		DataSize:      header.Subchunk2Size,
	}, nil
}
