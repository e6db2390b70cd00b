package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
	"github.com/acardillo/otp-radio/internal/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond

	// 20 ms of 8 kHz mono PCM16
	samplesPerChunk = 160
)

var testFormat = audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T, config stream.HubConfig) *stream.Hub {
	t.Helper()

	hub, err := stream.NewHub(config, testLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(hub.Stop)
	return hub
}

// wavChunk returns the payload of chunk seq: every sample holds seq+1 and
// chunk 0 carries the stream header
func wavChunk(seq uint64) []byte {
	pcm := make([]byte, samplesPerChunk*2)
	for i := 0; i < samplesPerChunk; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(seq+1))
	}
	if seq != 0 {
		return pcm
	}
	return append(audio.NewWAVHeader(testFormat, 0).Bytes(), pcm...)
}

// producer pushes chunks to a station the way a broadcaster would
type producer struct {
	t       *testing.T
	tr      *transport.Memory
	station string
}

func newProducer(t *testing.T, hub *stream.Hub, station string) *producer {
	t.Helper()

	tr := transport.NewMemory(hub, transport.HandlerFuncs{}, transport.MemoryConfig{})
	t.Cleanup(func() { tr.Close() })

	require.NoError(t, tr.Connect(context.Background()))
	_, err := tr.Subscribe(context.Background(), protocol.BroadcasterTopic(station), nil)
	require.NoError(t, err)

	return &producer{t: t, tr: tr, station: station}
}

func (p *producer) publish(seqs ...uint64) {
	p.t.Helper()

	for _, seq := range seqs {
		err := p.tr.Publish(context.Background(), protocol.BroadcasterTopic(p.station),
			protocol.NewChunkMessage(seq, wavChunk(seq)))
		require.NoError(p.t, err, "publish %d", seq)
	}
}

func seqRange(from, to uint64) []uint64 {
	var seqs []uint64
	for seq := from; seq <= to; seq++ {
		seqs = append(seqs, seq)
	}
	return seqs
}

// gatedWriter is a playback output that blocks writes until opened and can
// fail one chosen write
type gatedWriter struct {
	gate   chan struct{}
	failAt int // 1-based index of the write to fail, 0 for none

	mu     sync.Mutex
	writes int
	buf    bytes.Buffer
}

func newGatedWriter(open bool) *gatedWriter {
	w := &gatedWriter{gate: make(chan struct{})}
	if open {
		close(w.gate)
	}
	return w
}

func (w *gatedWriter) open() {
	close(w.gate)
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.gate

	w.mu.Lock()
	defer w.mu.Unlock()

	w.writes++
	if w.writes == w.failAt {
		return 0, errors.New("output device lost")
	}
	w.buf.Write(p)
	return len(p), nil
}

// sequences decodes which chunks were played, in order
func (w *gatedWriter) sequences() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := w.buf.Bytes()
	var seqs []uint64
	for off := 0; off+samplesPerChunk*2 <= len(data); off += samplesPerChunk * 2 {
		seqs = append(seqs, uint64(binary.LittleEndian.Uint16(data[off:]))-1)
	}
	return seqs
}

// memoryRef captures the transport a session creates so tests can break it
type memoryRef struct {
	mu  sync.Mutex
	mem *transport.Memory
}

func (r *memoryRef) factory(hub *stream.Hub) transport.Factory {
	return func(handler transport.Handler) (transport.Transport, error) {
		m := transport.NewMemory(hub, handler, transport.MemoryConfig{})
		r.mu.Lock()
		r.mem = m
		r.mu.Unlock()
		return m, nil
	}
}

func (r *memoryRef) get() *transport.Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

// phaseRecorder collects phase changes
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (p *phaseRecorder) record(c PhaseChange) {
	p.mu.Lock()
	p.phases = append(p.phases, c.To)
	p.mu.Unlock()
}

func (p *phaseRecorder) get() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.phases...)
}

// testPeer is a raw hub listener
type testPeer struct {
	id     string
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Deliver(frame *protocol.Frame) error {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	return nil
}

func (p *testPeer) sequences() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var seqs []uint64
	for _, f := range p.frames {
		if f.Chunk != nil && f.Chunk.HasSequence() {
			seqs = append(seqs, *f.Chunk.Sequence)
		}
	}
	return seqs
}
