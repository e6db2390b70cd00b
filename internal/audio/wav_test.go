package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

// sinePCM generates 16-bit little-endian mono PCM
func sinePCM(sampleRate int, frequency float64, numSamples int) []byte {
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(16383.0 * math.Sin(2*math.Pi*frequency*t))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	return pcm
}

func TestWAVHeaderBytes(t *testing.T) {
	format := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

	header := NewWAVHeader(format, 1600)
	data := header.Bytes()

	if len(data) != WAVHeaderSize {
		t.Fatalf("Expected header size %d, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Errorf("Missing RIFF/WAVE signature")
	}

	if string(data[36:40]) != "data" {
		t.Errorf("Missing data chunk id")
	}

	if size := binary.LittleEndian.Uint32(data[40:44]); size != 1600 {
		t.Errorf("Expected data size 1600, got %d", size)
	}

	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", rate)
	}

	if header.IsStreaming() {
		t.Errorf("Sized header must not be streaming")
	}

	if !NewWAVHeader(format, 0).IsStreaming() {
		t.Errorf("Zero-sized header must be streaming")
	}
}

func TestReadWAVHeader(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 2, BitDepth: 16}
	pcm := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	var buf bytes.Buffer
	buf.Write(NewWAVHeader(format, uint32(len(pcm))).Bytes())
	buf.Write(pcm)

	r := bytes.NewReader(buf.Bytes())
	header, err := ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader failed: %v", err)
	}

	if header.PCMFormat() != format {
		t.Errorf("Expected format %s, got %s", format, header.PCMFormat())
	}

	if r.Len() != len(pcm) {
		t.Errorf("Expected reader positioned at PCM (%d bytes left), got %d", len(pcm), r.Len())
	}
}

func TestReadWAVHeaderSkipsExtraChunks(t *testing.T) {
	format := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	canonical := NewWAVHeader(format, 4).Bytes()

	// RIFF + WAVE, then a LIST chunk with odd size, then fmt and data
	var buf bytes.Buffer
	buf.Write(canonical[0:12])
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0}) // padded to even
	buf.Write(canonical[12:])
	buf.Write([]byte{9, 9, 9, 9})

	header, err := ReadWAVHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadWAVHeader failed: %v", err)
	}

	if header.SampleRate != 8000 || header.Subchunk2Size != 4 {
		t.Errorf("Unexpected header: %+v", header)
	}
}

func TestReadWAVHeaderInvalid(t *testing.T) {
	valid := NewWAVHeader(Format{SampleRate: 8000, Channels: 1, BitDepth: 16}, 0).Bytes()

	notPCM := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(notPCM[20:22], 3) // IEEE float

	eightBit := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte("RIFF"), "failed to read RIFF header"},
		{"missing RIFF", append([]byte("RIFX"), valid[4:]...), "missing RIFF header"},
		{"missing WAVE", append(append([]byte(nil), valid[:8]...), append([]byte("AVI "), valid[12:]...)...), "missing WAVE format"},
		{"no data chunk", valid[:36], "missing data chunk"},
		{"not PCM", notPCM, "only PCM is supported"},
		{"8-bit", eightBit, "only 16-bit is supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadWAVHeader(bytes.NewReader(tt.data))
			if err == nil {
				t.Fatalf("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestWAVEncoderHeaderOnFirstChunk(t *testing.T) {
	format := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	enc, err := NewEncoder(CodecWAV, format)
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	pcm := sinePCM(8000, 440, 160)

	first, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !HasWAVHeader(first) {
		t.Errorf("First payload must carry a WAV header")
	}
	if len(first) != WAVHeaderSize+len(pcm) {
		t.Errorf("Expected first payload %d bytes, got %d", WAVHeaderSize+len(pcm), len(first))
	}

	second, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if HasWAVHeader(second) || !bytes.Equal(second, pcm) {
		t.Errorf("Subsequent payloads must be plain PCM")
	}

	enc.Reset()
	again, _ := enc.Encode(pcm)
	if !HasWAVHeader(again) {
		t.Errorf("Payload after Reset must carry a WAV header")
	}

	if _, err := enc.Encode([]byte{1, 2, 3}); err == nil {
		t.Errorf("Expected error for partial frame")
	}
}

func TestWAVDecoder(t *testing.T) {
	format := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	enc, _ := NewEncoder(CodecWAV, format)
	pcm := sinePCM(8000, 440, 80)
	first, _ := enc.Encode(pcm)
	second, _ := enc.Encode(pcm)

	dec, err := NewDecoder(CodecWAV, Format{})
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}

	// Without the header chunk nothing can be decoded yet
	if _, err := dec.Decode(second); !errors.Is(err, ErrCorruptChunk) {
		t.Errorf("Expected ErrCorruptChunk before header, got %v", err)
	}

	out, err := dec.Decode(first)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(out, pcm) {
		t.Errorf("Header chunk did not decode to the original PCM")
	}
	if dec.Format() != format {
		t.Errorf("Expected learned format %s, got %s", format, dec.Format())
	}

	out, err = dec.Decode(second)
	if err != nil || !bytes.Equal(out, pcm) {
		t.Errorf("Plain chunk did not decode: %v", err)
	}

	// Reset keeps the learned format
	dec.Reset()
	if _, err := dec.Decode(second); err != nil {
		t.Errorf("Expected decode after Reset to succeed, got %v", err)
	}

	if _, err := dec.Decode([]byte{1, 2, 3}); !errors.Is(err, ErrCorruptChunk) {
		t.Errorf("Expected ErrCorruptChunk for partial frame, got %v", err)
	}

	if _, err := dec.Decode(first[:20]); !errors.Is(err, ErrCorruptChunk) {
		t.Errorf("Expected ErrCorruptChunk for truncated header, got %v", err)
	}
}
