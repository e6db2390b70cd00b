package audio

import (
	"errors"
	"fmt"
	"sort"
)

// Codec names
const (
	CodecWAV  = "wav"
	CodecPCMU = "pcmu"
	CodecOpus = "opus"
	CodecWebM = "webm"
)

var (
	// ErrEncoderUnsupported is returned when no encoder backend exists for a codec
	ErrEncoderUnsupported = errors.New("encoder unsupported")

	// ErrDecoderUnsupported is returned when no decoder backend exists for a codec
	ErrDecoderUnsupported = errors.New("decoder unsupported")

	// ErrCorruptChunk marks a payload that cannot be decoded.
	// It only affects the chunk at hand; the decoder stays usable.
	ErrCorruptChunk = errors.New("corrupt chunk")
)

// Encoder turns PCM captured for one chunk into a self-contained payload.
// The first payload after construction or Reset carries any stream header.
type Encoder interface {
	Codec() string
	Encode(pcm []byte) ([]byte, error)
	Reset()
}

// Decoder turns chunk payloads back into PCM.
// Format may be zero until a payload carrying a stream header was decoded.
type Decoder interface {
	Codec() string
	Decode(payload []byte) ([]byte, error)
	Format() Format
	Reset()
}

type codecBackend struct {
	newEncoder func(Format) (Encoder, error)
	newDecoder func(Format) (Decoder, error)
}

var backends = map[string]codecBackend{
	CodecWAV: {
		newEncoder: func(f Format) (Encoder, error) { return newWAVEncoder(f), nil },
		newDecoder: func(f Format) (Decoder, error) { return newWAVDecoder(f), nil },
	},
	CodecPCMU: {
		newEncoder: newPCMUEncoder,
		newDecoder: newPCMUDecoder,
	},
	// Compressed container formats are recognised but have no pure-Go backend
	CodecOpus: {},
	CodecWebM: {},
}

// NewEncoder creates an encoder for codec producing payloads from PCM in format
func NewEncoder(codec string, format Format) (Encoder, error) {
	backend, ok := backends[codec]
	if !ok || backend.newEncoder == nil {
		return nil, fmt.Errorf("%w: %s", ErrEncoderUnsupported, codec)
	}

	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%s encoder: %w", codec, err)
	}

	return backend.newEncoder(format)
}

// NewDecoder creates a decoder for codec.
// format may be zero for codecs whose first payload carries a stream header.
func NewDecoder(codec string, format Format) (Decoder, error) {
	backend, ok := backends[codec]
	if !ok || backend.newDecoder == nil {
		return nil, fmt.Errorf("%w: %s", ErrDecoderUnsupported, codec)
	}

	return backend.newDecoder(format)
}

// SupportedCodecs lists codecs with both an encoder and a decoder
func SupportedCodecs() []string {
	codecs := make([]string, 0, len(backends))
	for name, backend := range backends {
		if backend.newEncoder != nil && backend.newDecoder != nil {
			codecs = append(codecs, name)
		}
	}
	sort.Strings(codecs)
	return codecs
}
