package playback

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/acardillo/otp-radio/internal/audio"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// OpenOutput opens the sink decoded PCM is written to: "-" or "stdout" for
// standard output, "discard" to drop everything, anything else is a file path.
func OpenOutput(spec string) (io.WriteCloser, error) {
	switch spec {
	case "", "discard":
		return nopCloser{io.Discard}, nil
	case "-", "stdout":
		return nopCloser{os.Stdout}, nil
	}

	file, err := os.Create(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	return file, nil
}

// PacedWriter lets writes run at most lead ahead of real time, the way a
// sound card with a small hardware buffer would.
type PacedWriter struct {
	w      io.Writer
	format audio.Format
	lead   time.Duration

	start   time.Time
	written int64

	now   func() time.Time
	sleep func(time.Duration)
}

// NewPacedWriter wraps w for PCM in format
func NewPacedWriter(w io.Writer, format audio.Format, lead time.Duration) (*PacedWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	return &PacedWriter{
		w:      w,
		format: format,
		lead:   lead,
		now:    time.Now,
		sleep:  time.Sleep,
	}, nil
}

// Write writes p and blocks while the output is more than lead ahead
func (p *PacedWriter) Write(b []byte) (int, error) {
	now := p.now()
	if p.start.IsZero() {
		p.start = now
	}

	n, err := p.w.Write(b)
	p.written += int64(n)
	if err != nil {
		return n, err
	}

	elapsed := now.Sub(p.start)
	ahead := p.format.Duration(int(p.written)) - elapsed
	if ahead > p.lead {
		p.sleep(ahead - p.lead)
	}

	return n, nil
}

// Close closes the wrapped writer when it is an io.Closer
func (p *PacedWriter) Close() error {
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
