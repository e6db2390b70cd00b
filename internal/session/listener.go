package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/jitter"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/playback"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/transport"
)

// Session defaults
const (
	DefaultStatsInterval = 500 * time.Millisecond
	eventQueueSize       = 256
	unsubscribeTimeout   = time.Second
)

// ListenerConfig contains configuration for a listening session
type ListenerConfig struct {
	Station        string
	Codec          string
	Format         audio.Format // may be zero for codecs carrying a stream header
	BufferCapacity int
	StartBuffer    time.Duration
	StatsInterval  time.Duration

	OnPhase func(PhaseChange)
	OnStats func(ListenerStats)
}

// Validate validates the listener configuration
func (c *ListenerConfig) Validate() error {
	if err := protocol.ValidateStationID(c.Station); err != nil {
		return err
	}
	if c.BufferCapacity < 0 {
		return fmt.Errorf("buffer capacity must not be negative, got %d", c.BufferCapacity)
	}
	if c.StartBuffer < 0 {
		return fmt.Errorf("start buffer must not be negative, got %s", c.StartBuffer)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats interval must not be negative, got %s", c.StatsInterval)
	}
	return nil
}

// ListenerStats represents listening session statistics
type ListenerStats struct {
	Station        string               `json:"station"`
	Phase          Phase                `json:"phase"`
	Instance       string               `json:"instance,omitempty"`
	ChunksReceived uint64               `json:"chunks_received"`
	DegradedChunks uint64               `json:"degraded_chunks"`
	BytesPerSecond float64              `json:"bytes_per_second"`
	LatencyMs      *float64             `json:"latency_ms"` // nil while unknown
	Reconnects     uint64               `json:"reconnects"`
	Buffer         jitter.BufferStats   `json:"buffer"`
	Playback       playback.FeederStats `json:"playback"`
	SampledAt      time.Time            `json:"sampled_at"`
}

// Latency returns the estimated playback latency; ok is false while unknown
func (s ListenerStats) Latency() (time.Duration, bool) {
	if s.LatencyMs == nil {
		return 0, false
	}
	return time.Duration(*s.LatencyMs * float64(time.Millisecond)), true
}

// Listener subscribes to a station and plays its chunks through a jitter
// buffer. All session state is owned by one event loop per Start.
type Listener struct {
	config  ListenerConfig
	factory transport.Factory
	output  io.Writer
	logger  *slog.Logger
	metrics *metrics.Metrics
	machine *machine

	mu  sync.Mutex
	run *listenerRun

	statsMu sync.RWMutex
	stats   ListenerStats
}

// NewListener creates an idle listener. Decoded audio is written to output.
// metrics may be nil.
func NewListener(config ListenerConfig, factory transport.Factory, output io.Writer,
	logger *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid listener config: %w", err)
	}
	if factory == nil {
		return nil, errors.New("listener requires a transport factory")
	}
	if config.StatsInterval == 0 {
		config.StatsInterval = DefaultStatsInterval
	}

	logger = logger.With(slog.String("station", config.Station))

	return &Listener{
		config:  config,
		factory: factory,
		output:  output,
		logger:  logger,
		metrics: m,
		machine: newMachine(RoleListener, config.Station, logger, m, config.OnPhase),
		stats:   ListenerStats{Station: config.Station},
	}, nil
}

// Phase returns the current phase
func (l *Listener) Phase() Phase {
	return l.machine.current()
}

// Err returns the error that moved the session to PhaseFailed
func (l *Listener) Err() error {
	return l.machine.err()
}

// Stats returns the most recent statistics sample
func (l *Listener) Stats() ListenerStats {
	l.statsMu.RLock()
	defer l.statsMu.RUnlock()

	stats := l.stats
	stats.Phase = l.Phase()
	return stats
}

func (l *Listener) publishStats(stats ListenerStats) {
	l.statsMu.Lock()
	l.stats = stats
	l.statsMu.Unlock()

	if l.config.OnStats != nil {
		l.config.OnStats(stats)
	}
}

// Start connects and subscribes in the background. A stopped or failed
// session is reset to idle first; an active one is an error.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.run != nil && !l.run.finished() {
		return fmt.Errorf("%w: listener already %s", ErrInvalidTransition, l.Phase())
	}

	switch l.Phase() {
	case PhaseStopped, PhaseFailed:
		l.machine.transition(PhaseIdle, nil)
	}

	r, err := newListenerRun(l)
	if err != nil {
		l.machine.transition(PhaseConnecting, nil)
		l.machine.transition(PhaseFailed, err)
		return err
	}

	if !l.machine.transition(PhaseConnecting, nil) {
		r.release()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, l.Phase())
	}

	l.run = r
	go r.loop()
	r.connect()

	return nil
}

// Stop tears the session down and returns it to idle: capture of new chunks
// stops, the subscription is dropped, buffered chunks are discarded and the
// playback pipeline is released. It waits for the event loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	r := l.run
	l.run = nil
	l.mu.Unlock()

	if r != nil {
		r.stop()
	}

	switch l.Phase() {
	case PhaseStopped, PhaseFailed:
		l.machine.transition(PhaseIdle, nil)
	}
}

// Done returns a channel closed when the current run ends, by Stop or failure
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.run.done
}

// Listener loop events
type (
	connectedEvent    struct{}
	disconnectedEvent struct{ err error }
	connectFailed     struct{ err error }
	messageEvent      struct{ frame *protocol.Frame }
	subscribeResult   struct {
		info *protocol.StreamInfo
		err  error
	}
	completionEvent struct{ completion playback.Completion }
	stopEvent       struct{}
)

// listenerRun is the state of one Start..Stop cycle, owned by its loop goroutine
type listenerRun struct {
	l      *Listener
	topic  string
	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}
	wg     sync.WaitGroup

	transport transport.Transport
	buffer    *jitter.Buffer
	feeder    *playback.Feeder
	demux     Demuxer

	instance       string
	subscribed     bool
	chunksReceived uint64
	bytesReceived  uint64
	reconnects     uint64
	chunkDuration  time.Duration

	// Throughput and underrun sampling
	lastSampleAt    time.Time
	lastSampleBytes uint64
	lastUnderruns   uint64
	lastMissing     uint64
}

func newListenerRun(l *Listener) (*listenerRun, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &listenerRun{
		l:            l,
		topic:        protocol.ListenerTopic(l.config.Station),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan any, eventQueueSize),
		done:         make(chan struct{}),
		lastSampleAt: time.Now(),
	}

	feeder, err := playback.NewFeeder(playback.Config{
		Codec:       l.config.Codec,
		Format:      l.config.Format,
		StartBuffer: l.config.StartBuffer,
	}, l.output, func(c playback.Completion) {
		r.post(completionEvent{completion: c})
	}, l.logger)
	if err != nil {
		cancel()
		return nil, err
	}
	r.feeder = feeder
	r.buffer = jitter.NewBuffer(l.config.BufferCapacity, feeder)

	t, err := l.factory(r)
	if err != nil {
		feeder.Close()
		cancel()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	r.transport = t

	return r, nil
}

// release frees resources of a run whose loop never started
func (r *listenerRun) release() {
	r.cancel()
	r.feeder.Close()
	r.transport.Close()
	close(r.done)
}

func (r *listenerRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// post queues an event for the loop. Events posted after teardown began are dropped.
func (r *listenerRun) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *listenerRun) stop() {
	select {
	case r.events <- stopEvent{}:
	case <-r.done:
		return
	}
	<-r.done
}

// Transport callbacks

func (r *listenerRun) HandleConnect() {
	r.post(connectedEvent{})
}

func (r *listenerRun) HandleDisconnect(err error) {
	r.post(disconnectedEvent{err: err})
}

func (r *listenerRun) HandleMessage(_ string, frame *protocol.Frame) {
	r.post(messageEvent{frame: frame})
}

// goAsync runs a transport call off the loop
func (r *listenerRun) goAsync(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *listenerRun) connect() {
	r.goAsync(func() {
		if err := r.transport.Connect(r.ctx); err != nil {
			r.post(connectFailed{err: err})
		}
	})
}

func (r *listenerRun) subscribe(params *protocol.JoinParams) {
	r.goAsync(func() {
		info, err := r.transport.Subscribe(r.ctx, r.topic, params)
		r.post(subscribeResult{info: info, err: err})
	})
}

// resumeParams asks the relay to skip chunks that were already released
func (r *listenerRun) resumeParams() *protocol.JoinParams {
	last, ok := r.buffer.LastReleased()
	if !ok || r.instance == "" {
		return nil
	}
	return &protocol.JoinParams{ResumeAfter: &last, Instance: r.instance}
}

func (r *listenerRun) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.l.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.events:
			if r.handle(ev) {
				return
			}
		case now := <-ticker.C:
			r.sample(now)
		}
	}
}

// handle applies one event; it returns true when the run is over
func (r *listenerRun) handle(ev any) bool {
	m := r.l.machine
	logger := r.l.logger

	switch ev := ev.(type) {
	case connectedEvent:
		switch m.current() {
		case PhaseConnecting:
			if m.transition(PhaseJoining, nil) {
				r.subscribe(nil)
			}
		case PhaseReconnecting:
			logger.Info("Transport reconnected, resubscribing")
			r.subscribe(r.resumeParams())
		}

	case connectFailed:
		if m.current() == PhaseConnecting {
			return r.fail(fmt.Errorf("%w: %v", ErrJoinFailed, ev.err))
		}

	case disconnectedEvent:
		if errors.Is(ev.err, transport.ErrReconnectFailed) {
			return r.fail(ev.err)
		}
		switch m.current() {
		case PhaseBuffering, PhaseLive:
			if m.transition(PhaseReconnecting, ev.err) {
				r.subscribed = false
				r.reconnects++
				r.l.metrics.RecordReconnect()
			}
		}

	case subscribeResult:
		return r.handleSubscribe(ev)

	case messageEvent:
		r.handleMessage(ev.frame)

	case completionEvent:
		return r.handleCompletion(ev.completion)

	case stopEvent:
		r.teardown()
		m.transition(PhaseStopped, nil)
		r.sample(time.Now())
		return true
	}

	return false
}

func (r *listenerRun) handleSubscribe(ev subscribeResult) bool {
	m := r.l.machine
	phase := m.current()

	if phase != PhaseJoining && phase != PhaseReconnecting {
		return false
	}

	if ev.err != nil {
		// The connection dropped again; the transport reconnects and we retry then
		if phase == PhaseReconnecting && errors.Is(ev.err, transport.ErrDisconnected) {
			r.l.logger.Warn("Resubscribe interrupted by disconnect", slog.String("error", ev.err.Error()))
			return false
		}
		return r.fail(fmt.Errorf("%w: %v", ErrJoinFailed, ev.err))
	}

	if ev.info != nil {
		if r.instance != "" && ev.info.Instance != r.instance {
			r.l.logger.Info("Station started a new stream instance",
				slog.String("previous", r.instance),
				slog.String("instance", ev.info.Instance))
		}
		r.instance = ev.info.Instance
	}
	r.subscribed = true

	m.transition(PhaseBuffering, nil)
	r.checkLive()
	return false
}

func (r *listenerRun) handleMessage(frame *protocol.Frame) {
	if frame.Event != protocol.EventAudio || frame.Topic != r.topic {
		r.l.logger.Debug("Ignoring message",
			slog.String("topic", frame.Topic),
			slog.String("event", frame.Event))
		return
	}
	if !r.l.machine.current().Active() {
		return
	}

	seq, payload, degraded, err := r.demux.Demux(frame.Chunk)
	if err != nil {
		r.l.logger.Warn("Dropping malformed chunk", slog.String("error", err.Error()))
		r.l.metrics.RecordChunksDropped("malformed", 1)
		return
	}
	if degraded {
		r.l.logger.Debug("Chunk without sequence, numbered locally", slog.Uint64("sequence", seq))
	}

	r.chunksReceived++
	r.bytesReceived += uint64(len(payload))
	r.l.metrics.RecordChunkReceived()

	result := r.buffer.Accept(seq, payload)
	r.observe(seq, result)
	r.countMissing()
}

// observe logs and counts what one Accept did
func (r *listenerRun) observe(seq uint64, result jitter.AcceptResult) {
	logger := r.l.logger
	m := r.l.metrics

	if result.Restart {
		logger.Info("Stream restart detected, playback pipeline reset")
		m.RecordStreamRestart()
		r.demux.Reset()
	}
	if result.Stale {
		logger.Debug("Dropping stale chunk", slog.Uint64("sequence", seq))
		m.RecordChunksDropped("stale", 1)
		return
	}
	if result.Gap != nil {
		logger.Debug("Sequence gap observed",
			slog.String("missing", result.Gap.String()),
			slog.Uint64("sequence", seq))
	}
	if len(result.Evicted) > 0 {
		logger.Warn("Jitter buffer full, evicted oldest chunks",
			slog.Int("evicted", len(result.Evicted)),
			slog.Uint64("first", result.Evicted[0]))
		m.RecordChunksDropped("evicted", len(result.Evicted))
	}
}

func (r *listenerRun) handleCompletion(c playback.Completion) bool {
	applied, err := r.feeder.Complete(c)
	if !applied {
		return false
	}

	if err != nil {
		r.l.logger.Error("Playback pipeline failed, rebuilding",
			slog.Uint64("sequence", c.Sequence),
			slog.String("error", err.Error()))
		r.l.metrics.RecordPipelineRebuild()

		if rerr := r.feeder.Rebuild(); rerr != nil {
			return r.fail(fmt.Errorf("%w: rebuild: %v", playback.ErrPlaybackFailed, rerr))
		}
	} else if c.Err == nil {
		r.l.metrics.RecordChunkPlayed()
		if !c.Started && c.Decoded > 0 {
			r.chunkDuration = c.Decoded
		}
	}

	r.checkLive()
	r.buffer.Release()
	r.countMissing()
	return false
}

// countMissing records sequences the buffer skipped over since the last call
func (r *listenerRun) countMissing() {
	missing := r.buffer.GetStats().MissingSequence
	if missing > r.lastMissing {
		r.l.metrics.RecordMissingSequences(missing - r.lastMissing)
	}
	r.lastMissing = missing
}

// checkLive moves buffering to live once the start threshold was met
func (r *listenerRun) checkLive() {
	if r.l.machine.current() == PhaseBuffering && r.subscribed && r.feeder.Playing() {
		r.l.machine.transition(PhaseLive, nil)
	}
}

// fail tears down and moves to PhaseFailed
func (r *listenerRun) fail(err error) bool {
	r.teardown()
	r.l.machine.transition(PhaseFailed, err)
	r.sample(time.Now())
	return true
}

// teardown releases everything the run holds. Completions and transport
// callbacks arriving afterwards are dropped.
func (r *listenerRun) teardown() {
	r.cancel()

	if r.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		if err := r.transport.Unsubscribe(ctx, r.topic); err != nil {
			r.l.logger.Debug("Unsubscribe failed", slog.String("error", err.Error()))
		}
		cancel()
		r.subscribed = false
	}

	r.buffer.Reset()
	r.feeder.Close()

	if err := r.transport.Close(); err != nil {
		r.l.logger.Warn("Error closing transport", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}

// sample publishes a statistics snapshot. Latency is unknown until playback
// started and while nothing is buffered.
func (r *listenerRun) sample(now time.Time) {
	stats := ListenerStats{
		Station:        r.l.config.Station,
		Phase:          r.l.machine.current(),
		Instance:       r.instance,
		ChunksReceived: r.chunksReceived,
		DegradedChunks: r.demux.Degraded(),
		Reconnects:     r.reconnects,
		Buffer:         r.buffer.GetStats(),
		Playback:       r.feeder.GetStats(),
		SampledAt:      now,
	}

	if elapsed := now.Sub(r.lastSampleAt); elapsed > 0 {
		stats.BytesPerSecond = float64(r.bytesReceived-r.lastSampleBytes) / elapsed.Seconds()
	}
	r.lastSampleAt = now
	r.lastSampleBytes = r.bytesReceived

	if ahead, ok := r.feeder.BufferedAhead(now); ok {
		latency := ahead + time.Duration(r.buffer.Len())*r.chunkDuration
		if latency > 0 {
			ms := float64(latency) / float64(time.Millisecond)
			stats.LatencyMs = &ms
			r.l.metrics.SetPlaybackLatency(latency.Seconds())
		}
	}

	r.l.metrics.RecordUnderruns(stats.Playback.Underruns - r.lastUnderruns)
	r.lastUnderruns = stats.Playback.Underruns

	r.l.publishStats(stats)
}
