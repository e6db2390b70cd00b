package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acardillo/otp-radio/internal/protocol"
)

func newTestRedis(t *testing.T, mr *miniredis.Miniredis, config RedisConfig) (*Redis, *recorder) {
	t.Helper()

	config.URL = "redis://" + mr.Addr()
	rec := newRecorder()
	r, err := NewRedis(config, rec, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Connect(context.Background()))
	rec.expectConnect(t)
	return r, rec
}

func TestNewRedisConfig(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expectError bool
	}{
		{name: "valid", url: "redis://localhost:6379/0"},
		{name: "empty", url: "", expectError: true},
		{name: "bad scheme", url: "http://localhost", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRedis(RedisConfig{URL: tt.url}, newRecorder(), testLogger())
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultRedisPrefix, r.config.Prefix)
			assert.Equal(t, DefaultRedisBacklog, r.config.BacklogSize)
			require.NoError(t, r.Close())
		})
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	producer, _ := newTestRedis(t, mr, RedisConfig{})
	consumer, rec := newTestRedis(t, mr, RedisConfig{})

	_, err := producer.Subscribe(ctx, protocol.BroadcasterTopic("jazz"), nil)
	require.NoError(t, err)

	info, err := consumer.Subscribe(ctx, protocol.ListenerTopic("jazz"), nil)
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Equal(t, 1, info.Listeners)

	publishRange(t, producer, "jazz", 0, 4)
	rec.expectSequences(t, 0, 1, 2, 3, 4)

	reply, err := producer.Request(ctx, protocol.BroadcasterTopic("jazz"), protocol.EventListenerCount)
	require.NoError(t, err)
	require.NotNil(t, reply.Count)
	assert.Equal(t, 1, *reply.Count)

	_, err = producer.Request(ctx, "", protocol.EventHeartbeat)
	assert.NoError(t, err)

	_, err = producer.Request(ctx, "", "bogus")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRedisCatchup(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	producer, _ := newTestRedis(t, mr, RedisConfig{BacklogSize: 4})
	publishRange(t, producer, "jazz", 0, 9)

	backlog, err := mr.List("otp:backlog:jazz")
	require.NoError(t, err)
	assert.Len(t, backlog, 4)
	last, err := mr.Get("otp:last:jazz")
	require.NoError(t, err)
	assert.Equal(t, "9", last)

	consumer, rec := newTestRedis(t, mr, RedisConfig{BacklogSize: 4})
	info, err := consumer.Subscribe(ctx, protocol.ListenerTopic("jazz"), nil)
	require.NoError(t, err)
	require.NotNil(t, info.LastSequence)
	assert.Equal(t, uint64(9), *info.LastSequence)
	assert.NotEmpty(t, info.Instance)
	rec.expectSequences(t, 0, 6, 7, 8, 9)

	// Resuming the same instance only replays newer chunks
	require.NoError(t, consumer.Unsubscribe(ctx, protocol.ListenerTopic("jazz")))
	publishRange(t, producer, "jazz", 10, 11)

	resume := uint64(9)
	_, err = consumer.Subscribe(ctx, protocol.ListenerTopic("jazz"), &protocol.JoinParams{
		ResumeAfter: &resume,
		Instance:    info.Instance,
	})
	require.NoError(t, err)
	rec.expectSequences(t, 10, 11)
}

func TestRedisNewInstanceResetsBacklog(t *testing.T) {
	mr := miniredis.RunT(t)

	producer, _ := newTestRedis(t, mr, RedisConfig{})
	publishRange(t, producer, "jazz", 0, 5)
	first, err := mr.Get("otp:instance:jazz")
	require.NoError(t, err)

	publishRange(t, producer, "jazz", 0, 1)
	second, err := mr.Get("otp:instance:jazz")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	backlog, err := mr.List("otp:backlog:jazz")
	require.NoError(t, err)
	assert.Len(t, backlog, 2)
}

func TestRedisConnectionLoss(t *testing.T) {
	mr := miniredis.RunT(t)

	r, rec := newTestRedis(t, mr, RedisConfig{HealthInterval: 20 * time.Millisecond})

	mr.Close()
	assert.ErrorIs(t, rec.expectDisconnect(t), ErrDisconnected)

	err := r.Publish(context.Background(), protocol.BroadcasterTopic("jazz"), protocol.NewChunkMessage(0, []byte{1}))
	assert.ErrorIs(t, err, ErrDisconnected)

	require.NoError(t, mr.Restart())
	rec.expectConnect(t)
}

func TestRedisClosed(t *testing.T) {
	mr := miniredis.RunT(t)

	r, _ := newTestRedis(t, mr, RedisConfig{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Subscribe(context.Background(), protocol.ListenerTopic("jazz"), nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Connect(context.Background()), ErrClosed)
}
