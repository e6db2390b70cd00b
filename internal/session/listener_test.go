package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
	"github.com/acardillo/otp-radio/internal/transport"
)

type listenerFixture struct {
	hub      *stream.Hub
	producer *producer
	out      *gatedWriter
	listener *Listener
	mem      *memoryRef
	phases   *phaseRecorder
}

func newListenerFixture(t *testing.T, openOutput bool) *listenerFixture {
	t.Helper()

	f := &listenerFixture{
		hub:    newTestHub(t, stream.HubConfig{}),
		out:    newGatedWriter(openOutput),
		mem:    &memoryRef{},
		phases: &phaseRecorder{},
	}
	f.producer = newProducer(t, f.hub, "jazz")

	l, err := NewListener(ListenerConfig{
		Station:       "jazz",
		Codec:         "wav",
		Format:        testFormat,
		StartBuffer:   20 * time.Millisecond,
		StatsInterval: 10 * time.Millisecond,
		OnPhase:       f.phases.record,
	}, f.mem.factory(f.hub), f.out, testLogger(), nil)
	require.NoError(t, err)
	f.listener = l

	t.Cleanup(func() {
		select {
		case <-f.out.gate:
		default:
			f.out.open()
		}
		l.Stop()
	})
	return f
}

func (f *listenerFixture) start(t *testing.T) {
	t.Helper()

	require.NoError(t, f.listener.Start())
	f.waitPhase(t, PhaseBuffering)
}

func (f *listenerFixture) waitPhase(t *testing.T, phase Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return f.listener.Phase() == phase },
		waitFor, tick, "listener never reached %s, still %s", phase, f.listener.Phase())
}

func (f *listenerFixture) waitStats(t *testing.T, cond func(ListenerStats) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.listener.Stats()) }, waitFor, tick, msg)
}

func (f *listenerFixture) waitPlayed(t *testing.T, want []uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.out.sequences()) >= len(want) }, waitFor, tick,
		"played %v, want %v", f.out.sequences(), want)
	assert.Equal(t, want, f.out.sequences())
}

func TestNewListenerValidation(t *testing.T) {
	hub := newTestHub(t, stream.HubConfig{})
	factory := (&memoryRef{}).factory(hub)

	tests := []struct {
		name        string
		config      ListenerConfig
		factory     transport.Factory
		expectError bool
	}{
		{name: "valid", config: ListenerConfig{Station: "jazz", Codec: "wav"}, factory: factory},
		{name: "bad station", config: ListenerConfig{Station: "no spaces", Codec: "wav"}, factory: factory, expectError: true},
		{name: "negative capacity", config: ListenerConfig{Station: "jazz", BufferCapacity: -1}, factory: factory, expectError: true},
		{name: "negative start buffer", config: ListenerConfig{Station: "jazz", StartBuffer: -time.Second}, factory: factory, expectError: true},
		{name: "no factory", config: ListenerConfig{Station: "jazz"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewListener(tt.config, tt.factory, nil, testLogger(), nil)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, PhaseIdle, l.Phase())
		})
	}
}

func TestListenerReorderCorrected(t *testing.T) {
	f := newListenerFixture(t, false)
	f.start(t)

	// Chunk 0 occupies the pipeline until the output opens
	f.producer.publish(0)
	f.waitStats(t, func(s ListenerStats) bool { return s.Playback.ChunksFed == 1 }, "chunk 0 never fed")

	f.producer.publish(1, 3, 2, 4, 5, 6, 7, 8, 9)
	f.waitStats(t, func(s ListenerStats) bool { return s.Buffer.Pending == 9 }, "chunks never buffered")

	f.out.open()
	f.waitPlayed(t, seqRange(0, 9))
	f.waitPhase(t, PhaseLive)

	stats := f.listener.Stats()
	assert.Equal(t, uint64(10), stats.ChunksReceived)
	assert.Zero(t, stats.Buffer.StaleDropped)
}

func TestListenerLossIsSkipped(t *testing.T) {
	f := newListenerFixture(t, false)
	f.start(t)

	f.producer.publish(0)
	f.waitStats(t, func(s ListenerStats) bool { return s.Playback.ChunksFed == 1 }, "chunk 0 never fed")

	f.producer.publish(1, 2, 3, 4, 6, 7, 8, 9)
	f.waitStats(t, func(s ListenerStats) bool { return s.Buffer.Pending == 8 }, "chunks never buffered")

	f.out.open()
	f.waitPlayed(t, []uint64{0, 1, 2, 3, 4, 6, 7, 8, 9})
	f.waitStats(t, func(s ListenerStats) bool { return s.Buffer.MissingSequence == 1 }, "gap not counted")
}

func TestListenerStreamRestart(t *testing.T) {
	f := newListenerFixture(t, true)
	f.start(t)

	f.producer.publish(seqRange(0, 3)...)
	f.waitStats(t, func(s ListenerStats) bool { return s.Playback.ChunksPlayed == 4 }, "first instance not played")
	f.waitPhase(t, PhaseLive)

	f.producer.publish(0, 1)
	f.waitStats(t, func(s ListenerStats) bool {
		return s.Buffer.Restarts == 1 && s.Playback.Resets == 1 && s.Playback.ChunksPlayed == 6
	}, "restart not handled")

	assert.Equal(t, []uint64{0, 1, 2, 3, 0, 1}, f.out.sequences())
	assert.Equal(t, PhaseLive, f.listener.Phase())
}

func TestListenerReconnectResumes(t *testing.T) {
	f := newListenerFixture(t, true)
	f.start(t)

	f.producer.publish(seqRange(0, 4)...)
	f.waitPhase(t, PhaseLive)
	f.waitPlayed(t, seqRange(0, 4))

	f.mem.get().Disconnect()
	f.waitPhase(t, PhaseReconnecting)

	// Published while the listener is away; replayed from the relay backlog
	f.producer.publish(5, 6, 7)

	require.NoError(t, f.mem.get().Reconnect())
	f.waitPhase(t, PhaseLive)
	f.waitPlayed(t, seqRange(0, 7))

	stats := f.listener.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Zero(t, stats.Buffer.Restarts)
	assert.Zero(t, stats.Buffer.StaleDropped, "resume must not replay released chunks")

	assert.Equal(t, []Phase{
		PhaseConnecting, PhaseJoining, PhaseBuffering, PhaseLive,
		PhaseReconnecting, PhaseBuffering, PhaseLive,
	}, f.phases.get())
}

func TestListenerRebuildsFailedPipeline(t *testing.T) {
	f := newListenerFixture(t, true)
	f.out.failAt = 3
	f.start(t)

	f.producer.publish(seqRange(0, 5)...)
	f.waitStats(t, func(s ListenerStats) bool { return s.Playback.Rebuilds == 1 }, "pipeline not rebuilt")
	f.waitPlayed(t, []uint64{0, 1, 3, 4, 5})

	assert.Equal(t, PhaseLive, f.listener.Phase())
	assert.NotEmpty(t, f.listener.Stats().Playback.LastError)
}

func TestListenerJoinFailure(t *testing.T) {
	hub := newTestHub(t, stream.HubConfig{Stations: []string{"jazz"}})
	phases := &phaseRecorder{}

	l, err := NewListener(ListenerConfig{Station: "rock", Codec: "wav", OnPhase: phases.record},
		(&memoryRef{}).factory(hub), nil, testLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, l.Start())
	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatal("listener did not give up")
	}

	assert.Equal(t, PhaseFailed, l.Phase())
	assert.ErrorIs(t, l.Err(), ErrJoinFailed)

	// Stop acknowledges the failure
	l.Stop()
	assert.Equal(t, PhaseIdle, l.Phase())
	assert.Equal(t, []Phase{PhaseConnecting, PhaseJoining, PhaseFailed, PhaseIdle}, phases.get())
}

func TestListenerStop(t *testing.T) {
	f := newListenerFixture(t, true)
	f.start(t)

	assert.ErrorIs(t, f.listener.Start(), ErrInvalidTransition)

	f.producer.publish(seqRange(0, 2)...)
	f.waitPlayed(t, seqRange(0, 2))

	f.listener.Stop()
	assert.Equal(t, PhaseIdle, f.listener.Phase())

	count, err := f.hub.ListenerCount(protocol.ListenerTopic("jazz"))
	require.NoError(t, err)
	assert.Zero(t, count)

	f.producer.publish(3, 4)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seqRange(0, 2), f.out.sequences())

	phases := f.phases.get()
	assert.Equal(t, []Phase{PhaseStopped, PhaseIdle}, phases[len(phases)-2:])

	// A stopped listener can start again and catches up from the relay
	require.NoError(t, f.listener.Start())
	f.waitPhase(t, PhaseLive)
}

func TestListenerLatencyUnknownWhileEmpty(t *testing.T) {
	f := newListenerFixture(t, true)
	f.start(t)

	f.waitStats(t, func(s ListenerStats) bool { return !s.SampledAt.IsZero() }, "no stats sampled")
	_, ok := f.listener.Stats().Latency()
	assert.False(t, ok)

	f.producer.publish(seqRange(0, 29)...)
	f.waitStats(t, func(s ListenerStats) bool { return s.Playback.ChunksPlayed == 30 }, "chunks not played")

	// Nothing paces the output, so the buffered audio lies ahead of the wall clock
	f.waitStats(t, func(s ListenerStats) bool {
		latency, ok := s.Latency()
		return ok && latency > 0
	}, "latency never known")
}
