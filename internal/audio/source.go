package audio

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Source is a capture device: a continuous stream of PCM16 frames.
// Reads block until audio is available, so live sources pace themselves.
type Source interface {
	io.Reader
	Format() Format
	Close() error
}

// OpenFunc opens a specific source type.
// format is the requested capture format; file-backed sources report their own.
type OpenFunc func(path string, format Format) (Source, error)

var sourceRegistry = map[string]OpenFunc{
	"tone":    openTone,
	"silence": openSilence,
	"file":    openWAVFile,
	"stdin":   openStdin,
}

// RegisterSourceType registers a source type under its source tag
func RegisterSourceType(tag string, open OpenFunc) {
	sourceRegistry[tag] = open
}

// SourceTypes lists the registered source tags
func SourceTypes() []string {
	tags := make([]string, 0, len(sourceRegistry))
	for tag := range sourceRegistry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// OpenSource opens a source from its spec, a colon-separated string made of a
// source tag and a source path, e.g. "tone:440", "file:music.wav" or "stdin:".
func OpenSource(spec string, format Format) (Source, error) {
	tag, path, _ := strings.Cut(spec, ":")

	open, found := sourceRegistry[tag]
	if !found {
		return nil, fmt.Errorf("source type '%s' not registered (known: %s)", tag, strings.Join(SourceTypes(), ", "))
	}

	return open(path, format)
}

// paceBlock is the amount of audio a paced source hands out per read
const paceBlock = 20 * time.Millisecond

// pacedReader releases bytes no faster than real time
type pacedReader struct {
	r           io.Reader
	bytesPerSec int64
	blockSize   int

	start time.Time
	sent  int64

	now   func() time.Time
	sleep func(time.Duration)
}

func newPacedReader(r io.Reader, format Format) *pacedReader {
	block := format.Bytes(paceBlock)
	if block < format.FrameSize() {
		block = format.FrameSize()
	}

	return &pacedReader{
		r:           r,
		bytesPerSec: int64(format.BytesPerSecond()),
		blockSize:   block,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if p.start.IsZero() {
		p.start = p.now()
	}

	if len(b) > p.blockSize {
		b = b[:p.blockSize]
	}

	due := p.start.Add(time.Duration(p.sent * int64(time.Second) / p.bytesPerSec))
	if wait := due.Sub(p.now()); wait > 0 {
		p.sleep(wait)
	}

	n, err := p.r.Read(b)
	p.sent += int64(n)
	return n, err
}

// readerSource adapts an io.Reader of raw PCM into a Source
type readerSource struct {
	io.Reader
	format Format
	closer io.Closer
}

// NewReaderSource wraps raw PCM16 from r. When paced is set, reads are
// throttled to real time, which is needed for anything that is not a live device.
func NewReaderSource(r io.Reader, format Format, paced bool) (Source, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	src := &readerSource{Reader: r, format: format}
	if paced {
		src.Reader = newPacedReader(r, format)
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src, nil
}

func (s *readerSource) Format() Format { return s.format }

func (s *readerSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// toneGenerator synthesizes a sine wave
type toneGenerator struct {
	format    Format
	frequency float64
	amplitude float64
	frame     uint64
	closed    atomic.Bool
}

func (g *toneGenerator) Read(b []byte) (int, error) {
	if g.closed.Load() {
		return 0, io.EOF
	}

	frameSize := g.format.FrameSize()
	frames := len(b) / frameSize
	for i := 0; i < frames; i++ {
		t := float64(g.frame) / float64(g.format.SampleRate)
		v := int16(g.amplitude * math.Sin(2*math.Pi*g.frequency*t) * 32767)
		for ch := 0; ch < g.format.Channels; ch++ {
			off := i*frameSize + ch*2
			b[off] = byte(v)
			b[off+1] = byte(uint16(v) >> 8)
		}
		g.frame++
	}
	return frames * frameSize, nil
}

func (g *toneGenerator) Close() error {
	g.closed.Store(true)
	return nil
}

func openTone(path string, format Format) (Source, error) {
	frequency := 440.0
	if path != "" {
		f, err := strconv.ParseFloat(path, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tone frequency '%s': %w", path, err)
		}
		frequency = f
	}

	if frequency < 0 || frequency > float64(format.SampleRate)/2 {
		return nil, fmt.Errorf("tone frequency must be between 0 and %d Hz, got %g", format.SampleRate/2, frequency)
	}

	return NewReaderSource(&toneGenerator{format: format, frequency: frequency, amplitude: 0.3}, format, true)
}

func openSilence(_ string, format Format) (Source, error) {
	return NewReaderSource(&toneGenerator{format: format}, format, true)
}

func openStdin(_ string, format Format) (Source, error) {
	return NewReaderSource(io.NopCloser(os.Stdin), format, false)
}

// wavFileSource plays a WAV file in real time
type wavFileSource struct {
	*pacedReader
	file   *os.File
	format Format
}

func openWAVFile(path string, _ Format) (Source, error) {
	if path == "" {
		return nil, fmt.Errorf("file source requires a path")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	br := bufio.NewReader(file)
	header, err := ReadWAVHeader(br)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	format := header.PCMFormat()
	if err := format.Validate(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var data io.Reader = br
	if !header.IsStreaming() {
		data = io.LimitReader(br, int64(header.Subchunk2Size))
	}

	return &wavFileSource{
		pacedReader: newPacedReader(data, format),
		file:        file,
		format:      format,
	}, nil
}

func (s *wavFileSource) Format() Format { return s.format }

func (s *wavFileSource) Close() error { return s.file.Close() }
