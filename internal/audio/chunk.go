package audio

import (
	"fmt"
	"time"
)

// Chunk is one timed slice of encoded audio produced by a Segmenter
type Chunk struct {
	Sequence   uint64        `json:"sequence"`
	Payload    []byte        `json:"-"`
	ProducedAt time.Time     `json:"produced_at"`
	Duration   time.Duration `json:"duration"`
}

// String returns a human-readable representation of the chunk
func (c *Chunk) String() string {
	return fmt.Sprintf("Chunk{Sequence: %d, PayloadLen: %d, Duration: %s}",
		c.Sequence, len(c.Payload), c.Duration)
}

// Format describes interleaved signed 16-bit little-endian PCM
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
	BitDepth   int `json:"bit_depth" yaml:"bit_depth"`
}

// DefaultFormat is mono 16 kHz PCM16
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// Validate checks that the format can be captured and encoded
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", f.SampleRate)
	}

	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}

	if f.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", f.BitDepth)
	}

	return nil
}

// IsZero reports whether the format is unset
func (f Format) IsZero() bool {
	return f == Format{}
}

// FrameSize returns the number of bytes in one sample frame (all channels)
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the PCM byte rate
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playback time of n PCM bytes
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the PCM byte count for d, rounded down to whole frames
func (f Format) Bytes(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.FrameSize()
}

// String returns a human-readable representation of the format
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}
