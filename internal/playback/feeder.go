package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acardillo/otp-radio/internal/audio"
)

// DefaultStartBuffer is the decoded audio held back before playback becomes audible
const DefaultStartBuffer = 200 * time.Millisecond

// ErrPlaybackFailed marks a fatal pipeline error. The pipeline must be rebuilt.
var ErrPlaybackFailed = errors.New("playback failed")

// Config contains configuration for the decode pipeline
type Config struct {
	Codec       string
	Format      audio.Format // initial decoder format, may be zero for self-describing codecs
	StartBuffer time.Duration
}

// Completion reports the end of processing for one fed chunk.
// It is produced on the pipeline goroutine and must be handed back to
// Feeder.Complete on the goroutine that owns the Feeder.
type Completion struct {
	Generation uint64
	Sequence   uint64
	Decoded    time.Duration // audio produced by this chunk
	Format     audio.Format  // decoder format after this chunk
	Started    bool          // this chunk made playback audible
	Err        error
}

// Feeder hands released chunks to an asynchronous decode pipeline and reports
// busy while a chunk is in flight. It implements jitter.Feeder.
//
// Feeder is owned by one event loop; only the pipeline goroutines run elsewhere.
type Feeder struct {
	config Config
	notify func(Completion)
	logger *slog.Logger
	now    func() time.Time

	// Output is shared by successive pipelines; writes from torn down
	// generations are dropped.
	output     io.Writer
	outputMu   sync.Mutex
	generation atomic.Uint64

	pipeline *pipeline
	format   audio.Format
	busy     bool
	closed   bool

	// Playback clock
	playing   bool
	startedAt time.Time
	queued    time.Duration

	// Statistics
	chunksFed     uint64
	chunksPlayed  uint64
	corruptChunks uint64
	staleResults  uint64
	busyFeeds     uint64
	underruns     uint64
	rebuilds      uint64
	resets        uint64
	lastError     string
}

// FeederStats represents playback statistics
type FeederStats struct {
	Codec         string  `json:"codec"`
	Format        string  `json:"format"`
	Generation    uint64  `json:"generation"`
	Busy          bool    `json:"busy"`
	Playing       bool    `json:"playing"`
	BufferedMs    float64 `json:"buffered_ms"`
	ChunksFed     uint64  `json:"chunks_fed"`
	ChunksPlayed  uint64  `json:"chunks_played"`
	CorruptChunks uint64  `json:"corrupt_chunks"`
	StaleResults  uint64  `json:"stale_results"`
	BusyFeeds     uint64  `json:"busy_feeds"`
	Underruns     uint64  `json:"underruns"`
	Rebuilds      uint64  `json:"rebuilds"`
	Resets        uint64  `json:"resets"`
	LastError     string  `json:"last_error,omitempty"`
}

// NewFeeder creates a feeder decoding into output. notify receives one
// Completion per fed chunk, from a pipeline goroutine.
func NewFeeder(config Config, output io.Writer, notify func(Completion), logger *slog.Logger) (*Feeder, error) {
	if config.StartBuffer < 0 {
		return nil, fmt.Errorf("start buffer must not be negative, got %s", config.StartBuffer)
	}
	if config.StartBuffer == 0 {
		config.StartBuffer = DefaultStartBuffer
	}
	if output == nil {
		output = io.Discard
	}

	f := &Feeder{
		config: config,
		notify: notify,
		logger: logger,
		now:    time.Now,
		output: output,
		format: config.Format,
	}

	if err := f.startPipeline(); err != nil {
		return nil, err
	}

	return f, nil
}

// startPipeline tears down the current pipeline and starts a new generation
func (f *Feeder) startPipeline() error {
	decoder, err := audio.NewDecoder(f.config.Codec, f.format)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	gen := f.advanceGeneration()
	f.stopPipeline()

	f.pipeline = newPipeline(gen, decoder, f.config.StartBuffer, f.writeOutput, f.notify)
	go f.pipeline.run()

	f.busy = false
	f.playing = false
	f.startedAt = time.Time{}
	f.queued = 0

	return nil
}

func (f *Feeder) stopPipeline() {
	if f.pipeline != nil {
		f.pipeline.stop()
		f.pipeline = nil
	}
}

// advanceGeneration invalidates writes of the current generation. It waits
// for a write already in progress, so none reaches the output afterwards.
func (f *Feeder) advanceGeneration() uint64 {
	f.outputMu.Lock()
	defer f.outputMu.Unlock()
	return f.generation.Add(1)
}

// writeOutput writes decoded audio for generation gen
func (f *Feeder) writeOutput(gen uint64, pcm []byte) error {
	f.outputMu.Lock()
	defer f.outputMu.Unlock()

	if f.generation.Load() != gen {
		return nil
	}

	_, err := f.output.Write(pcm)
	return err
}

// Busy reports whether a fed chunk is still being decoded or written
func (f *Feeder) Busy() bool {
	return f.busy || f.closed || f.pipeline == nil
}

// Feed starts asynchronous processing of one chunk. It must only be called
// when Busy reports false.
func (f *Feeder) Feed(sequence uint64, payload []byte) {
	if f.Busy() {
		f.busyFeeds++
		f.logger.Warn("Chunk fed while pipeline busy, dropping",
			slog.Uint64("sequence", sequence))
		return
	}

	f.busy = true
	f.chunksFed++
	f.pipeline.jobs <- job{sequence: sequence, payload: payload}
}

// Complete applies a Completion on the owning goroutine. It returns false for
// completions of a torn down pipeline, which are ignored. A non-nil error
// matches ErrPlaybackFailed and means the pipeline must be rebuilt; corrupt
// chunks are absorbed.
func (f *Feeder) Complete(c Completion) (bool, error) {
	if f.closed || c.Generation != f.generation.Load() {
		f.staleResults++
		return false, nil
	}

	f.busy = false
	if !c.Format.IsZero() {
		f.format = c.Format
	}

	if c.Err != nil {
		if errors.Is(c.Err, audio.ErrCorruptChunk) {
			f.corruptChunks++
			f.logger.Warn("Dropping undecodable chunk",
				slog.Uint64("sequence", c.Sequence),
				slog.String("error", c.Err.Error()))
			return true, nil
		}

		f.lastError = c.Err.Error()
		if errors.Is(c.Err, ErrPlaybackFailed) {
			return true, c.Err
		}
		return true, fmt.Errorf("%w: %v", ErrPlaybackFailed, c.Err)
	}

	f.chunksPlayed++
	now := f.now()

	if c.Started && !f.playing {
		f.playing = true
		f.startedAt = now
		f.queued = 0
		f.logger.Debug("Playback started", slog.Uint64("sequence", c.Sequence))
	}

	if f.playing {
		// Underrun: the output ran dry before this chunk arrived
		if f.startedAt.Add(f.queued).Before(now) {
			if f.queued > 0 {
				f.underruns++
			}
			f.startedAt = now
			f.queued = 0
		}
	}
	f.queued += c.Decoded

	return true, nil
}

// Reset hard-resets the pipeline after a stream restart: in-flight work is
// abandoned and the decoder starts from scratch.
func (f *Feeder) Reset() {
	f.resets++
	f.format = f.config.Format
	if err := f.startPipeline(); err != nil {
		f.lastError = err.Error()
		f.logger.Error("Failed to reset playback pipeline", slog.String("error", err.Error()))
	}
}

// Rebuild replaces a failed pipeline with a fresh one. The decoder keeps the
// last known stream format so playback can resume mid-stream.
func (f *Feeder) Rebuild() error {
	if f.closed {
		return fmt.Errorf("feeder is closed")
	}
	f.rebuilds++
	return f.startPipeline()
}

// Close releases the pipeline. Late completions are ignored.
func (f *Feeder) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.advanceGeneration()
	f.stopPipeline()
}

// Playing reports whether playback has become audible
func (f *Feeder) Playing() bool {
	return f.playing
}

// Generation returns the current pipeline generation
func (f *Feeder) Generation() uint64 {
	return f.generation.Load()
}

// BufferedAhead returns how much decoded audio is queued ahead of the playback
// position. ok is false until playback has started.
func (f *Feeder) BufferedAhead(now time.Time) (time.Duration, bool) {
	if !f.playing {
		return 0, false
	}

	ahead := f.startedAt.Add(f.queued).Sub(now)
	if ahead < 0 {
		ahead = 0
	}
	return ahead, true
}

// GetStats returns playback statistics
func (f *Feeder) GetStats() FeederStats {
	stats := FeederStats{
		Codec:         f.config.Codec,
		Generation:    f.generation.Load(),
		Busy:          f.busy,
		Playing:       f.playing,
		ChunksFed:     f.chunksFed,
		ChunksPlayed:  f.chunksPlayed,
		CorruptChunks: f.corruptChunks,
		StaleResults:  f.staleResults,
		BusyFeeds:     f.busyFeeds,
		Underruns:     f.underruns,
		Rebuilds:      f.rebuilds,
		Resets:        f.resets,
		LastError:     f.lastError,
	}

	if !f.format.IsZero() {
		stats.Format = f.format.String()
	}
	if ahead, ok := f.BufferedAhead(f.now()); ok {
		stats.BufferedMs = float64(ahead) / float64(time.Millisecond)
	}

	return stats
}

type job struct {
	sequence uint64
	payload  []byte
}

// pipeline is one generation of the decode-and-write goroutine
type pipeline struct {
	generation  uint64
	decoder     audio.Decoder
	startBuffer time.Duration
	write       func(gen uint64, pcm []byte) error
	notify      func(Completion)

	jobs     chan job
	done     chan struct{}
	stopOnce sync.Once

	// Decoded audio held until the start threshold is reached
	prebuffer   bytes.Buffer
	prebuffered time.Duration
	playing     bool
}

func newPipeline(gen uint64, decoder audio.Decoder, startBuffer time.Duration,
	write func(uint64, []byte) error, notify func(Completion)) *pipeline {
	return &pipeline{
		generation:  gen,
		decoder:     decoder,
		startBuffer: startBuffer,
		write:       write,
		notify:      notify,
		jobs:        make(chan job, 1),
		done:        make(chan struct{}),
	}
}

func (p *pipeline) run() {
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			c := p.process(j)

			select {
			case <-p.done:
				return
			default:
			}

			if p.notify != nil {
				p.notify(c)
			}
		}
	}
}

func (p *pipeline) process(j job) Completion {
	c := Completion{Generation: p.generation, Sequence: j.sequence}

	pcm, err := p.decoder.Decode(j.payload)
	c.Format = p.decoder.Format()
	if err != nil {
		c.Err = err
		return c
	}
	c.Decoded = c.Format.Duration(len(pcm))

	if p.playing {
		if err := p.write(p.generation, pcm); err != nil {
			c.Err = fmt.Errorf("%w: write output: %v", ErrPlaybackFailed, err)
		}
		return c
	}

	p.prebuffer.Write(pcm)
	p.prebuffered += c.Decoded
	if p.prebuffered < p.startBuffer {
		return c
	}

	if err := p.write(p.generation, p.prebuffer.Bytes()); err != nil {
		c.Err = fmt.Errorf("%w: write output: %v", ErrPlaybackFailed, err)
		return c
	}

	// The whole prebuffer is now queued ahead of the playback position
	c.Decoded = p.prebuffered
	c.Started = true
	p.playing = true
	p.prebuffer.Reset()
	p.prebuffered = 0

	return c
}

func (p *pipeline) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}
