package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/transport"
)

// Broadcaster defaults
const (
	DefaultSendQueueSize         = 8
	DefaultListenerCountInterval = 2 * time.Second
	levelThreshold               = 0.02
	levelSmoothing               = 0.8
)

// SourceFunc opens a fresh capture source for every Start
type SourceFunc func() (audio.Source, error)

// BroadcasterConfig contains configuration for a broadcasting session
type BroadcasterConfig struct {
	Station               string
	Codec                 string
	ChunkDuration         time.Duration
	QueueSize             int
	ListenerCountInterval time.Duration
	StatsInterval         time.Duration

	OnPhase func(PhaseChange)
	OnStats func(BroadcasterStats)
}

// Validate validates the broadcaster configuration
func (c *BroadcasterConfig) Validate() error {
	if err := protocol.ValidateStationID(c.Station); err != nil {
		return err
	}
	if c.Codec == "" {
		return errors.New("codec is required")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative, got %d", c.QueueSize)
	}
	if c.ListenerCountInterval < 0 || c.StatsInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

// BroadcasterStats represents broadcasting session statistics
type BroadcasterStats struct {
	Station        string               `json:"station"`
	Phase          Phase                `json:"phase"`
	ChunksCaptured uint64               `json:"chunks_captured"`
	ChunksSent     uint64               `json:"chunks_sent"`
	SendFailures   uint64               `json:"send_failures"`
	QueueDepth     int                  `json:"queue_depth"`
	Listeners      int                  `json:"listeners"`
	LevelPercent   float64              `json:"level_percent"`
	BytesPerSecond float64              `json:"bytes_per_second"`
	LastSendMs     float64              `json:"last_send_ms"`
	Segmenter      audio.SegmenterStats `json:"segmenter"`
	SampledAt      time.Time            `json:"sampled_at"`
}

// Broadcaster captures audio, cuts it into chunks and publishes them to a
// station. Segmentation runs on its own goroutine and never waits on sends.
type Broadcaster struct {
	config  BroadcasterConfig
	factory transport.Factory
	source  SourceFunc
	logger  *slog.Logger
	metrics *metrics.Metrics
	machine *machine

	mu  sync.Mutex
	run *broadcastRun

	statsMu sync.RWMutex
	stats   BroadcasterStats
}

// NewBroadcaster creates an idle broadcaster. metrics may be nil.
func NewBroadcaster(config BroadcasterConfig, factory transport.Factory, source SourceFunc,
	logger *slog.Logger, m *metrics.Metrics) (*Broadcaster, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broadcaster config: %w", err)
	}
	if factory == nil || source == nil {
		return nil, errors.New("broadcaster requires a transport factory and a source")
	}

	if config.ChunkDuration == 0 {
		config.ChunkDuration = audio.DefaultChunkDuration
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultSendQueueSize
	}
	if config.ListenerCountInterval == 0 {
		config.ListenerCountInterval = DefaultListenerCountInterval
	}
	if config.StatsInterval == 0 {
		config.StatsInterval = DefaultStatsInterval
	}

	logger = logger.With(slog.String("station", config.Station))

	return &Broadcaster{
		config:  config,
		factory: factory,
		source:  source,
		logger:  logger,
		metrics: m,
		machine: newMachine(RoleBroadcaster, config.Station, logger, m, config.OnPhase),
		stats:   BroadcasterStats{Station: config.Station},
	}, nil
}

// Phase returns the current phase
func (b *Broadcaster) Phase() Phase {
	return b.machine.current()
}

// Err returns the error that moved the session to PhaseFailed
func (b *Broadcaster) Err() error {
	return b.machine.err()
}

// Stats returns the most recent statistics sample
func (b *Broadcaster) Stats() BroadcasterStats {
	b.statsMu.RLock()
	defer b.statsMu.RUnlock()

	stats := b.stats
	stats.Phase = b.Phase()
	return stats
}

func (b *Broadcaster) publishStats(stats BroadcasterStats) {
	b.statsMu.Lock()
	b.stats = stats
	b.statsMu.Unlock()

	if b.config.OnStats != nil {
		b.config.OnStats(stats)
	}
}

// Start opens the capture source, connects and joins in the background.
// An unsupported codec fails immediately with audio.ErrEncoderUnsupported.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.run != nil && !b.run.finished() {
		return fmt.Errorf("%w: broadcaster already %s", ErrInvalidTransition, b.Phase())
	}

	switch b.Phase() {
	case PhaseStopped, PhaseFailed:
		b.machine.transition(PhaseIdle, nil)
	}

	if !b.machine.transition(PhaseConnecting, nil) {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, b.Phase())
	}

	r, err := newBroadcastRun(b)
	if err != nil {
		b.machine.transition(PhaseFailed, err)
		return err
	}

	b.run = r
	go r.loop()
	r.connect()

	return nil
}

// Stop stops capture, leaves the station and returns the session to idle.
// Chunks still queued for sending are discarded.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	r := b.run
	b.run = nil
	b.mu.Unlock()

	if r != nil {
		r.stop()
	}

	switch b.Phase() {
	case PhaseStopped, PhaseFailed:
		b.machine.transition(PhaseIdle, nil)
	}
}

// Done returns a channel closed when the current run ends
func (b *Broadcaster) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return b.run.done
}

// Broadcaster loop events
type (
	sendResult struct {
		sequence uint64
		err      error
	}
	segmenterDone      struct{ err error }
	listenerCountEvent struct{ count int }
)

// broadcastRun is the state of one Start..Stop cycle, owned by its loop goroutine
type broadcastRun struct {
	b      *Broadcaster
	topic  string
	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}

	// asyncWG tracks transport calls, captureWG the segmenter and sender
	asyncWG   sync.WaitGroup
	captureWG sync.WaitGroup

	transport transport.Transport
	publisher *Publisher
	source    audio.Source
	segmenter *audio.Segmenter
	level     *audio.LevelMeter
	queue     chan audio.Chunk

	// Chunks enqueued but not yet answered by a send result
	inFlight atomic.Int64

	subscribed   bool
	capturing    bool
	draining     bool
	listeners    int
	countPending bool

	lastSampleAt    time.Time
	lastSampleBytes uint64
}

func newBroadcastRun(b *Broadcaster) (*broadcastRun, error) {
	source, err := b.source()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture source: %w", err)
	}

	level, err := audio.NewLevelMeter(levelThreshold, levelSmoothing)
	if err != nil {
		source.Close()
		return nil, err
	}

	segmenter, err := audio.NewSegmenter(audio.SegmenterConfig{
		ChunkDuration: b.config.ChunkDuration,
		Codec:         b.config.Codec,
	}, source, level, b.logger)
	if err != nil {
		source.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &broadcastRun{
		b:            b,
		topic:        protocol.BroadcasterTopic(b.config.Station),
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan any, eventQueueSize),
		done:         make(chan struct{}),
		source:       source,
		segmenter:    segmenter,
		level:        level,
		queue:        make(chan audio.Chunk, b.config.QueueSize),
		lastSampleAt: time.Now(),
	}

	t, err := b.factory(r)
	if err != nil {
		cancel()
		source.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	r.transport = t
	r.publisher = NewPublisher(t, b.config.Station, b.metrics)

	return r, nil
}

func (r *broadcastRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *broadcastRun) post(ev any) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *broadcastRun) stop() {
	select {
	case r.events <- stopEvent{}:
	case <-r.done:
		return
	}
	<-r.done
}

// Transport callbacks

func (r *broadcastRun) HandleConnect() {
	r.post(connectedEvent{})
}

func (r *broadcastRun) HandleDisconnect(err error) {
	r.post(disconnectedEvent{err: err})
}

func (r *broadcastRun) HandleMessage(_ string, frame *protocol.Frame) {
	r.b.logger.Debug("Ignoring message on broadcaster",
		slog.String("topic", frame.Topic),
		slog.String("event", frame.Event))
}

func (r *broadcastRun) goAsync(fn func()) {
	r.asyncWG.Add(1)
	go func() {
		defer r.asyncWG.Done()
		fn()
	}()
}

func (r *broadcastRun) connect() {
	r.goAsync(func() {
		if err := r.transport.Connect(r.ctx); err != nil {
			r.post(connectFailed{err: err})
		}
	})
}

func (r *broadcastRun) subscribe() {
	r.goAsync(func() {
		info, err := r.transport.Subscribe(r.ctx, r.topic, nil)
		r.post(subscribeResult{info: info, err: err})
	})
}

func (r *broadcastRun) pollListeners() {
	if r.countPending || !r.subscribed {
		return
	}
	r.countPending = true

	r.goAsync(func() {
		reply, err := r.transport.Request(r.ctx, r.topic, protocol.EventListenerCount)
		count := -1
		if err == nil && reply.Count != nil {
			count = *reply.Count
		}
		r.post(listenerCountEvent{count: count})
	})
}

// startCapture runs the segmenter and the sender once the station is joined
func (r *broadcastRun) startCapture() {
	if r.capturing {
		return
	}
	r.capturing = true

	r.captureWG.Add(2)
	go func() {
		defer r.captureWG.Done()
		err := r.segmenter.Run(r.ctx, r.enqueue)
		r.post(segmenterDone{err: err})
	}()
	go func() {
		defer r.captureWG.Done()
		r.sendLoop()
	}()
}

// enqueue is called from the segmenter goroutine. When the queue is full the
// oldest chunk is dropped so that the newest audio goes out first.
func (r *broadcastRun) enqueue(chunk audio.Chunk) {
	r.b.metrics.RecordChunkCaptured()

	r.inFlight.Add(1)

	for {
		select {
		case r.queue <- chunk:
			return
		default:
		}

		select {
		case old := <-r.queue:
			r.inFlight.Add(-1)
			r.publisher.Failed()
			r.b.logger.Warn("Send queue full, dropping oldest chunk",
				slog.Uint64("sequence", old.Sequence))
		default:
		}
	}
}

// sendLoop is the only sender, so chunks leave in sequence order
func (r *broadcastRun) sendLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case chunk := <-r.queue:
			err := r.publisher.Send(r.ctx, chunk)
			r.post(sendResult{sequence: chunk.Sequence, err: err})
		}
	}
}

func (r *broadcastRun) loop() {
	defer close(r.done)

	statsTicker := time.NewTicker(r.b.config.StatsInterval)
	defer statsTicker.Stop()

	countTicker := time.NewTicker(r.b.config.ListenerCountInterval)
	defer countTicker.Stop()

	for {
		select {
		case ev := <-r.events:
			if r.handle(ev) {
				return
			}
		case now := <-statsTicker.C:
			r.sample(now)
		case <-countTicker.C:
			r.pollListeners()
		}
	}
}

func (r *broadcastRun) handle(ev any) bool {
	m := r.b.machine
	logger := r.b.logger

	switch ev := ev.(type) {
	case connectedEvent:
		switch m.current() {
		case PhaseConnecting:
			if m.transition(PhaseJoining, nil) {
				r.subscribe()
			}
		case PhaseReconnecting:
			logger.Info("Transport reconnected, rejoining")
			r.subscribe()
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
				r.b.metrics.RecordReconnect()
			}
		}

	case subscribeResult:
		phase := m.current()
		if phase != PhaseJoining && phase != PhaseReconnecting {
			return false
		}
		if ev.err != nil {
			if phase == PhaseReconnecting && errors.Is(ev.err, transport.ErrDisconnected) {
				logger.Warn("Rejoin interrupted by disconnect", slog.String("error", ev.err.Error()))
				return false
			}
			return r.fail(fmt.Errorf("%w: %v", ErrJoinFailed, ev.err))
		}
		if ev.info != nil {
			r.listeners = ev.info.Listeners
			r.b.metrics.SetStationListeners(r.listeners)
		}
		r.subscribed = true
		m.transition(PhaseBuffering, nil)
		r.startCapture()

	case sendResult:
		r.inFlight.Add(-1)
		if r.draining && r.inFlight.Load() == 0 {
			return r.shutdown()
		}
		if ev.err != nil {
			if m.current() == PhaseReconnecting {
				logger.Debug("Dropping chunk while reconnecting", slog.Uint64("sequence", ev.sequence))
			} else {
				logger.Warn("Chunk not delivered",
					slog.Uint64("sequence", ev.sequence),
					slog.String("error", ev.err.Error()))
			}
			return false
		}
		if m.current() == PhaseBuffering && r.subscribed {
			m.transition(PhaseLive, nil)
		}

	case segmenterDone:
		if ev.err != nil {
			return r.fail(ev.err)
		}
		logger.Info("Capture ended, stopping broadcast once queued chunks are sent")
		if r.inFlight.Load() == 0 {
			return r.shutdown()
		}
		r.draining = true

	case listenerCountEvent:
		r.countPending = false
		if ev.count >= 0 {
			r.listeners = ev.count
			r.b.metrics.SetStationListeners(ev.count)
		}

	case stopEvent:
		return r.shutdown()
	}

	return false
}

func (r *broadcastRun) shutdown() bool {
	r.teardown()
	r.b.machine.transition(PhaseStopped, nil)
	r.sample(time.Now())
	return true
}

func (r *broadcastRun) fail(err error) bool {
	r.teardown()
	r.b.machine.transition(PhaseFailed, err)
	r.sample(time.Now())
	return true
}

// teardown stops capture and sending, leaves the station and closes the
// transport. Queued chunks are discarded.
func (r *broadcastRun) teardown() {
	r.cancel()
	r.captureWG.Wait()

	if !r.capturing {
		// The segmenter never ran, so it never closed the source
		r.source.Close()
	}

	for len(r.queue) > 0 {
		<-r.queue
	}

	if r.subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		if err := r.transport.Unsubscribe(ctx, r.topic); err != nil {
			r.b.logger.Debug("Leave failed", slog.String("error", err.Error()))
		}
		cancel()
		r.subscribed = false
	}

	if err := r.transport.Close(); err != nil {
		r.b.logger.Warn("Error closing transport", slog.String("error", err.Error()))
	}
	r.asyncWG.Wait()
}

func (r *broadcastRun) sample(now time.Time) {
	bytesSent := r.publisher.BytesSent()

	stats := BroadcasterStats{
		Station:      r.b.config.Station,
		Phase:        r.b.machine.current(),
		ChunksSent:   r.publisher.ChunksSent(),
		SendFailures: r.publisher.SendFailures(),
		QueueDepth:   len(r.queue),
		Listeners:    r.listeners,
		LevelPercent: audio.LevelReading{Level: r.level.Level()}.Percent(),
		LastSendMs:   float64(r.publisher.LastSendDuration()) / float64(time.Millisecond),
		Segmenter:    r.segmenter.GetStats(),
		SampledAt:    now,
	}
	stats.ChunksCaptured = stats.Segmenter.ChunksEmitted

	if elapsed := now.Sub(r.lastSampleAt); elapsed > 0 {
		stats.BytesPerSecond = float64(bytesSent-r.lastSampleBytes) / elapsed.Seconds()
	}
	r.lastSampleAt = now
	r.lastSampleBytes = bytesSent

	r.b.publishStats(stats)
}
