package audio

import (
	"fmt"
	"time"
)

// Format describes raw PCM audio
type Format struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
	BitDepth   int `yaml:"bit_depth" json:"bit_depth"`
}

// DefaultFormat is the device capture format: 16 kHz, 16-bit, mono
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// MinSpeechDuration is the shortest recording worth sending to a recognizer
const MinSpeechDuration = 50 * time.Millisecond

// Validate checks that the format describes usable PCM
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	if f.BitDepth != 8 && f.BitDepth != 16 && f.BitDepth != 24 && f.BitDepth != 32 {
		return fmt.Errorf("unsupported bit depth: %d", f.BitDepth)
	}
	return nil
}

// FrameSize returns the size in bytes of one sample across all channels
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// CheckFrames reports an error unless data holds whole sample frames
func (f Format) CheckFrames(data []byte) error {
	if fs := f.FrameSize(); fs > 0 && len(data)%fs != 0 {
		return fmt.Errorf("audio data length must be a multiple of %d bytes (got %d bytes)", fs, len(data))
	}
	return nil
}

// BytesPerSecond returns the data rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playback duration of n bytes
func (f Format) Duration(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns the number of bytes holding d of audio, rounded down to whole frames
func (f Format) BytesFor(d time.Duration) int64 {
	n := int64(f.BytesPerSecond()) * int64(d) / int64(time.Second)
	if fs := int64(f.FrameSize()); fs > 0 {
		n -= n % fs
	}
	return n
}

// String returns a short description like "16000Hz/16bit/mono"
func (f Format) String() string {
	channels := "mono"
	if f.Channels == 2 {
		channels = "stereo"
	} else if f.Channels != 1 {
		channels = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz/%dbit/%s", f.SampleRate, f.BitDepth, channels)
}
