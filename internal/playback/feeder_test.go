package playback

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acardillo/otp-radio/internal/audio"
)

var testFormat = audio.Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFeeder(t *testing.T, out io.Writer, startBuffer time.Duration) (*Feeder, chan Completion) {
	t.Helper()

	completions := make(chan Completion, 8)
	f, err := NewFeeder(Config{Codec: audio.CodecWAV, StartBuffer: startBuffer}, out,
		func(c Completion) { completions <- c }, testLogger())
	require.NoError(t, err)
	t.Cleanup(f.Close)

	return f, completions
}

func waitCompletion(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

// encodeChunks encodes n chunks of d each, the first carrying the stream header
func encodeChunks(t *testing.T, n int, d time.Duration) [][]byte {
	t.Helper()

	enc, err := audio.NewEncoder(audio.CodecWAV, testFormat)
	require.NoError(t, err)

	chunks := make([][]byte, n)
	for i := range chunks {
		pcm := bytes.Repeat([]byte{byte(i + 1), 0}, testFormat.Bytes(d)/2)
		chunks[i], err = enc.Encode(pcm)
		require.NoError(t, err)
	}
	return chunks
}

func TestNewFeederUnsupportedCodec(t *testing.T) {
	_, err := NewFeeder(Config{Codec: audio.CodecOpus}, nil, nil, testLogger())
	assert.ErrorIs(t, err, audio.ErrDecoderUnsupported)

	_, err = NewFeeder(Config{Codec: audio.CodecWAV, StartBuffer: -time.Second}, nil, nil, testLogger())
	assert.Error(t, err)
}

func TestFeederBusyUntilComplete(t *testing.T) {
	f, completions := newTestFeeder(t, nil, 0)
	chunks := encodeChunks(t, 2, 100*time.Millisecond)

	assert.False(t, f.Busy())
	f.Feed(0, chunks[0])
	assert.True(t, f.Busy())

	// A second feed while busy is refused
	f.Feed(1, chunks[1])
	assert.Equal(t, uint64(1), f.GetStats().BusyFeeds)

	c := waitCompletion(t, completions)
	assert.Equal(t, uint64(0), c.Sequence)
	assert.Equal(t, 100*time.Millisecond, c.Decoded)
	assert.Equal(t, testFormat, c.Format)

	applied, err := f.Complete(c)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, f.Busy())
}

func TestFeederStartThreshold(t *testing.T) {
	var out bytes.Buffer
	f, completions := newTestFeeder(t, &out, 200*time.Millisecond)
	chunks := encodeChunks(t, 3, 100*time.Millisecond)
	chunkBytes := testFormat.Bytes(100 * time.Millisecond)

	f.Feed(0, chunks[0])
	c := waitCompletion(t, completions)
	assert.False(t, c.Started)
	_, err := f.Complete(c)
	require.NoError(t, err)

	assert.False(t, f.Playing())
	assert.Equal(t, 0, out.Len(), "audio must be held back below the start threshold")
	_, ok := f.BufferedAhead(time.Now())
	assert.False(t, ok)

	f.Feed(1, chunks[1])
	c = waitCompletion(t, completions)
	assert.True(t, c.Started)
	assert.Equal(t, 200*time.Millisecond, c.Decoded)
	_, err = f.Complete(c)
	require.NoError(t, err)

	assert.True(t, f.Playing())
	assert.Equal(t, 2*chunkBytes, out.Len())

	ahead, ok := f.BufferedAhead(time.Now())
	assert.True(t, ok)
	assert.InDelta(t, float64(200*time.Millisecond), float64(ahead), float64(50*time.Millisecond))

	f.Feed(2, chunks[2])
	c = waitCompletion(t, completions)
	assert.False(t, c.Started)
	_, err = f.Complete(c)
	require.NoError(t, err)
	assert.Equal(t, 3*chunkBytes, out.Len())
	assert.Equal(t, uint64(3), f.GetStats().ChunksPlayed)
}

func TestFeederCorruptChunkAbsorbed(t *testing.T) {
	f, completions := newTestFeeder(t, nil, 0)

	// No stream header seen yet, so the wav decoder cannot place this chunk
	f.Feed(3, []byte{1, 2, 3, 4})
	c := waitCompletion(t, completions)
	require.ErrorIs(t, c.Err, audio.ErrCorruptChunk)

	applied, err := f.Complete(c)
	assert.True(t, applied)
	assert.NoError(t, err)
	assert.False(t, f.Busy())
	assert.Equal(t, uint64(1), f.GetStats().CorruptChunks)
}

func TestFeederStaleCompletionIgnored(t *testing.T) {
	f, _ := newTestFeeder(t, nil, 0)
	chunks := encodeChunks(t, 1, 100*time.Millisecond)

	oldGen := f.Generation()
	f.Feed(0, chunks[0])
	f.Reset()

	assert.NotEqual(t, oldGen, f.Generation())
	assert.False(t, f.Busy(), "reset pipeline starts idle")

	applied, err := f.Complete(Completion{Generation: oldGen, Sequence: 0, Err: errors.New("late")})
	assert.False(t, applied)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), f.GetStats().StaleResults)
	assert.Equal(t, uint64(1), f.GetStats().Resets)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("device gone") }

func TestFeederWriteFailureAndRebuild(t *testing.T) {
	completions := make(chan Completion, 4)
	f, err := NewFeeder(Config{Codec: audio.CodecWAV, StartBuffer: 50 * time.Millisecond},
		failingWriter{}, func(c Completion) { completions <- c }, testLogger())
	require.NoError(t, err)
	defer f.Close()

	chunks := encodeChunks(t, 1, 100*time.Millisecond)
	f.Feed(0, chunks[0])

	c := waitCompletion(t, completions)
	applied, err := f.Complete(c)
	assert.True(t, applied)
	require.ErrorIs(t, err, ErrPlaybackFailed)

	gen := f.Generation()
	require.NoError(t, f.Rebuild())
	assert.Greater(t, f.Generation(), gen)
	assert.False(t, f.Busy())

	stats := f.GetStats()
	assert.Equal(t, uint64(1), stats.Rebuilds)
	assert.Equal(t, testFormat.String(), stats.Format, "rebuilt pipeline keeps the stream format")
	assert.NotEmpty(t, stats.LastError)
}

func TestFeederClose(t *testing.T) {
	f, _ := newTestFeeder(t, nil, 0)
	gen := f.Generation()

	f.Close()
	assert.True(t, f.Busy())

	applied, _ := f.Complete(Completion{Generation: gen})
	assert.False(t, applied)
	assert.Error(t, f.Rebuild())
}

// gatedWriter blocks every Write until release is closed
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}
	writes  int
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	w.writes++
	return len(p), nil
}

func TestFeederCloseWaitsForWrite(t *testing.T) {
	out := &gatedWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f, err := NewFeeder(Config{Codec: audio.CodecWAV, StartBuffer: 50 * time.Millisecond},
		out, nil, testLogger())
	require.NoError(t, err)

	chunks := encodeChunks(t, 1, 100*time.Millisecond)
	f.Feed(0, chunks[0])

	select {
	case <-out.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the pipeline to write")
	}

	closed := make(chan struct{})
	go func() {
		f.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a write was still reaching the output")
	case <-time.After(50 * time.Millisecond):
	}

	close(out.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the write finished")
	}

	// The sink may be closed now; nothing else arrives
	assert.Equal(t, 1, out.writes)
	assert.True(t, f.Busy())
}

func TestFeederUnderrun(t *testing.T) {
	f, _ := newTestFeeder(t, nil, 0)
	clock := time.Unix(1000, 0)
	f.now = func() time.Time { return clock }

	f.busy = true
	_, err := f.Complete(Completion{Generation: f.Generation(), Decoded: 200 * time.Millisecond, Started: true})
	require.NoError(t, err)

	ahead, ok := f.BufferedAhead(clock.Add(50 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 150*time.Millisecond, ahead)

	// Next chunk arrives after the output ran dry
	clock = clock.Add(300 * time.Millisecond)
	f.busy = true
	_, err = f.Complete(Completion{Generation: f.Generation(), Decoded: 100 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), f.GetStats().Underruns)
	ahead, _ = f.BufferedAhead(clock)
	assert.Equal(t, 100*time.Millisecond, ahead)
}
