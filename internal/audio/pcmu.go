package audio

import (
	"encoding/binary"
	"fmt"
)

// PCM μ-law (ITU-T G.711). Each 16-bit sample is companded to one byte.
// Like the telephony codec it is only defined here for 8 kHz audio.

const (
	pcmuBias = 0x84
	pcmuClip = 32635
)

var pcmuDecoderTable [256]int16

func init() {
	for i := range pcmuDecoderTable {
		pcmuDecoderTable[i] = pcmuDecodeSample(byte(i))
	}
}

// pcmuEncodeSample compands one linear sample
func pcmuEncodeSample(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > pcmuClip {
		s = pcmuClip
	}
	s += pcmuBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}

// pcmuDecodeSample expands one μ-law byte into a linear sample
func pcmuDecodeSample(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)

	s := (((mantissa << 3) + pcmuBias) << exponent) - pcmuBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// PCMUEncoder implements the Encoder interface for PCM μ-law
type PCMUEncoder struct{}

func newPCMUEncoder(format Format) (Encoder, error) {
	if format.SampleRate != 8000 {
		return nil, fmt.Errorf("pcmu requires 8000 Hz audio, got %d", format.SampleRate)
	}
	return &PCMUEncoder{}, nil
}

// Codec returns the codec name
func (e *PCMUEncoder) Codec() string { return CodecPCMU }

// Encode plain audio buffer b into μ-law.
// Samples in b are expected in 16-bit little endian format.
func (e *PCMUEncoder) Encode(b []byte) ([]byte, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("pcm length must be even, got %d bytes", len(b))
	}

	buffer := make([]byte, len(b)>>1)
	for i := 0; i < len(b); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(b[i:]))
		buffer[i>>1] = pcmuEncodeSample(sample)
	}
	return buffer, nil
}

// Reset is a no-op: μ-law payloads carry no stream header
func (e *PCMUEncoder) Reset() {}

// PCMUDecoder implements the Decoder interface for PCM μ-law
type PCMUDecoder struct {
	format Format
}

func newPCMUDecoder(format Format) (Decoder, error) {
	if format.IsZero() {
		format = Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	}
	return &PCMUDecoder{format: format}, nil
}

// Codec returns the codec name
func (d *PCMUDecoder) Codec() string { return CodecPCMU }

// Format returns the PCM format produced by Decode
func (d *PCMUDecoder) Format() Format { return d.format }

// Decode μ-law encoded buffer b into 16-bit little endian PCM.
// The output buffer is twice the length of the input buffer.
func (d *PCMUDecoder) Decode(b []byte) ([]byte, error) {
	if len(b)%d.format.Channels != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of frames", ErrCorruptChunk, len(b))
	}

	buffer := make([]byte, 2*len(b))
	for i, sample := range b {
		binary.LittleEndian.PutUint16(buffer[2*i:], uint16(pcmuDecoderTable[sample]))
	}
	return buffer, nil
}

// Reset is a no-op: the decoder is stateless
func (d *PCMUDecoder) Reset() {}
