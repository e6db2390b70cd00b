package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVHeaderSize is the size of the canonical PCM WAV header
const WAVHeaderSize = 44

// streamingDataSize marks a RIFF/data size as unknown for an open-ended stream
const streamingDataSize = 0xFFFFFFFF

// WAVHeader represents the header structure of a canonical PCM WAV stream
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

// NewWAVHeader builds a PCM header for format.
// A dataSize of zero produces a streaming header with unknown length.
func NewWAVHeader(format Format, dataSize uint32) *WAVHeader {
	chunkSize := uint32(streamingDataSize)
	if dataSize == 0 {
		dataSize = streamingDataSize
	} else {
		chunkSize = 36 + dataSize
	}

	return &WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     chunkSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.BytesPerSecond()),
		BlockAlign:    uint16(format.FrameSize()),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Bytes serializes the header in little-endian order
func (h *WAVHeader) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize))
	// Writes into a bytes.Buffer cannot fail for a fixed-size struct
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// PCMFormat returns the PCM format described by the header
func (h *WAVHeader) PCMFormat() Format {
	return Format{
		SampleRate: int(h.SampleRate),
		Channels:   int(h.NumChannels),
		BitDepth:   int(h.BitsPerSample),
	}
}

// IsStreaming reports whether the header leaves the data length open
func (h *WAVHeader) IsStreaming() bool {
	return h.Subchunk2Size == streamingDataSize
}

// HasWAVHeader reports whether data starts with a RIFF/WAVE signature
func HasWAVHeader(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// ReadWAVHeader reads a RIFF/WAVE prologue from r, skipping any chunks other
// than "fmt " until the "data" chunk starts. On success r is positioned at the
// first PCM byte.
func ReadWAVHeader(r io.Reader) (*WAVHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}

	if string(riff[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV stream: missing RIFF header")
	}

	if string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV stream: missing WAVE format")
	}

	header := &WAVHeader{
		ChunkID:   [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize: binary.LittleEndian.Uint32(riff[4:8]),
		Format:    [4]byte{'W', 'A', 'V', 'E'},
	}
	haveFmt := false

	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			return nil, fmt.Errorf("invalid WAV stream: missing data chunk: %w", err)
		}

		id := string(chunkHeader[0:4])
		size := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("invalid WAV stream: fmt chunk too short (%d bytes)", size)
			}

			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}

			copy(header.Subchunk1ID[:], "fmt ")
			header.Subchunk1Size = size
			header.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			header.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			header.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			header.ByteRate = binary.LittleEndian.Uint32(body[8:12])
			header.BlockAlign = binary.LittleEndian.Uint16(body[12:14])
			header.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true

			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return nil, fmt.Errorf("failed to skip fmt padding: %w", err)
				}
			}

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV stream: data chunk before fmt chunk")
			}

			copy(header.Subchunk2ID[:], "data")
			header.Subchunk2Size = size

			if err := validatePCMHeader(header); err != nil {
				return nil, err
			}
			return header, nil

		default:
			// LIST, fact and friends carry nothing we play
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

// validatePCMHeader checks that the header describes PCM we can play
func validatePCMHeader(h *WAVHeader) error {
	if h.AudioFormat != 1 {
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	}

	if h.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", h.BitsPerSample)
	}

	if h.NumChannels != 1 && h.NumChannels != 2 {
		return fmt.Errorf("unsupported channel count: %d (only mono and stereo are supported)", h.NumChannels)
	}

	if h.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate: 0")
	}

	return nil
}

// wavEncoder emits raw PCM, prefixing the first payload of each stream
// instance with a streaming WAV header
type wavEncoder struct {
	format  Format
	started bool
}

func newWAVEncoder(format Format) *wavEncoder {
	return &wavEncoder{format: format}
}

func (e *wavEncoder) Codec() string { return CodecWAV }

func (e *wavEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%e.format.FrameSize() != 0 {
		return nil, fmt.Errorf("pcm length %d is not a multiple of frame size %d", len(pcm), e.format.FrameSize())
	}

	if e.started {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	e.started = true
	header := NewWAVHeader(e.format, 0).Bytes()
	out := make([]byte, 0, len(header)+len(pcm))
	out = append(out, header...)
	return append(out, pcm...), nil
}

func (e *wavEncoder) Reset() {
	e.started = false
}

// wavDecoder strips the stream header and passes PCM through
type wavDecoder struct {
	format Format
}

func newWAVDecoder(format Format) *wavDecoder {
	return &wavDecoder{format: format}
}

func (d *wavDecoder) Codec() string { return CodecWAV }

func (d *wavDecoder) Format() Format { return d.format }

func (d *wavDecoder) Decode(payload []byte) ([]byte, error) {
	pcm := payload

	if HasWAVHeader(payload) {
		r := bytes.NewReader(payload)
		header, err := ReadWAVHeader(r)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: truncated WAV header", ErrCorruptChunk)
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptChunk, err)
		}
		d.format = header.PCMFormat()
		pcm = payload[len(payload)-r.Len():]
	}

	if d.format.IsZero() {
		return nil, fmt.Errorf("%w: missing stream header", ErrCorruptChunk)
	}

	if len(pcm)%d.format.FrameSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of frames", ErrCorruptChunk, len(pcm))
	}

	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// Reset keeps the learned format so a rebuilt pipeline can resume mid-stream
func (d *wavDecoder) Reset() {}
