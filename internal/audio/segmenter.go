package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Chunk duration bounds accepted by NewSegmenter
const (
	MinChunkDuration     = 100 * time.Millisecond
	MaxChunkDuration     = 1000 * time.Millisecond
	DefaultChunkDuration = 250 * time.Millisecond
)

// SegmenterConfig contains configuration for the segmentation process
type SegmenterConfig struct {
	ChunkDuration time.Duration
	Codec         string
}

// Segmenter cuts a capture stream into sequence-numbered chunks on a fixed timer.
// Capture reads run on their own goroutine so that the timer never waits on I/O.
type Segmenter struct {
	config  SegmenterConfig
	source  Source
	encoder Encoder
	level   *LevelMeter
	logger  *slog.Logger

	// Captured PCM not yet cut into a chunk
	pending []byte

	nextSeq       uint64
	chunksEmitted uint64
	bytesCaptured uint64
	bytesEncoded  uint64
	lastChunkAt   time.Time
	running       bool

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	Codec         string    `json:"codec"`
	Format        string    `json:"format"`
	Running       bool      `json:"running"`
	ChunksEmitted uint64    `json:"chunks_emitted"`
	NextSequence  uint64    `json:"next_sequence"`
	BytesCaptured uint64    `json:"bytes_captured"`
	BytesEncoded  uint64    `json:"bytes_encoded"`
	LastChunkAt   time.Time `json:"last_chunk_at"`
}

// NewSegmenter creates a segmenter reading from source.
// An unknown or unsupported codec fails with ErrEncoderUnsupported.
func NewSegmenter(config SegmenterConfig, source Source, level *LevelMeter, logger *slog.Logger) (*Segmenter, error) {
	if config.ChunkDuration < MinChunkDuration || config.ChunkDuration > MaxChunkDuration {
		return nil, fmt.Errorf("chunk duration must be between %s and %s, got %s",
			MinChunkDuration, MaxChunkDuration, config.ChunkDuration)
	}

	encoder, err := NewEncoder(config.Codec, source.Format())
	if err != nil {
		return nil, err
	}

	return &Segmenter{
		config:  config,
		source:  source,
		encoder: encoder,
		level:   level,
		logger:  logger,
	}, nil
}

// Format returns the PCM format being captured
func (s *Segmenter) Format() Format {
	return s.source.Format()
}

// Run captures and segments until ctx is cancelled or the source ends.
// Every emitted chunk is handed to emit from the Run goroutine, so emit must
// not block. Sequences restart at 0 for every run. The source is closed on return.
func (s *Segmenter) Run(ctx context.Context, emit func(Chunk)) error {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.nextSeq = 0
	s.running = true
	s.mu.Unlock()
	s.encoder.Reset()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		if err := s.source.Close(); err != nil {
			s.logger.Warn("Error closing capture source", slog.String("error", err.Error()))
		}
	}()

	captureDone := make(chan error, 1)
	go s.captureLoop(captureDone)

	ticker := time.NewTicker(s.config.ChunkDuration)
	defer ticker.Stop()

	s.logger.Debug("Segmenter started",
		slog.String("codec", s.encoder.Codec()),
		slog.String("format", s.source.Format().String()),
		slog.Duration("chunk_duration", s.config.ChunkDuration),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Segmenter stopping")
			return nil

		case now := <-ticker.C:
			if err := s.flush(now, emit); err != nil {
				return err
			}

		case err := <-captureDone:
			if ferr := s.flush(time.Now(), emit); ferr != nil {
				return ferr
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("capture failed: %w", err)
			}
			s.logger.Info("Capture source ended")
			return nil
		}
	}
}

// captureLoop continuously moves source bytes into the pending buffer
func (s *Segmenter) captureLoop(done chan<- error) {
	buf := make([]byte, s.source.Format().Bytes(paceBlock))
	if len(buf) == 0 {
		buf = make([]byte, 4096)
	}

	for {
		n, err := s.source.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.bytesCaptured += uint64(n)
			s.mu.Unlock()
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// flush cuts a chunk and emits it if the interval captured anything
func (s *Segmenter) flush(now time.Time, emit func(Chunk)) error {
	chunk, err := s.cut(now)
	if err != nil {
		return err
	}
	if chunk != nil {
		emit(*chunk)
	}
	return nil
}

// cut turns whole frames captured since the previous cut into one chunk.
// An empty interval produces no chunk and consumes no sequence number.
func (s *Segmenter) cut(now time.Time) (*Chunk, error) {
	format := s.source.Format()
	frameSize := format.FrameSize()

	s.mu.Lock()
	n := len(s.pending) - len(s.pending)%frameSize
	if n == 0 {
		s.mu.Unlock()
		return nil, nil
	}

	pcm := make([]byte, n)
	copy(pcm, s.pending[:n])
	s.pending = append(s.pending[:0], s.pending[n:]...)
	seq := s.nextSeq
	s.mu.Unlock()

	payload, err := s.encoder.Encode(pcm)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk %d: %w", seq, err)
	}

	if s.level != nil {
		s.level.Process(pcm)
	}

	s.mu.Lock()
	s.nextSeq++
	s.chunksEmitted++
	s.bytesEncoded += uint64(len(payload))
	s.lastChunkAt = now
	s.mu.Unlock()

	return &Chunk{
		Sequence:   seq,
		Payload:    payload,
		ProducedAt: now,
		Duration:   format.Duration(n),
	}, nil
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		Codec:         s.encoder.Codec(),
		Format:        s.source.Format().String(),
		Running:       s.running,
		ChunksEmitted: s.chunksEmitted,
		NextSequence:  s.nextSeq,
		BytesCaptured: s.bytesCaptured,
		BytesEncoded:  s.bytesEncoded,
		LastChunkAt:   s.lastChunkAt,
	}
}
