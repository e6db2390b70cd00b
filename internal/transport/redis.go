package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/acardillo/otp-radio/internal/protocol"
)

// Redis defaults
const (
	DefaultRedisPrefix         = "otp"
	DefaultRedisBacklog        = 16
	DefaultRedisHealthInterval = 2 * time.Second
	liveTTL                    = 10 * time.Second
)

// RedisConfig contains configuration for the Redis transport
type RedisConfig struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db]
	URL            string
	Prefix         string
	BacklogSize    int
	RequestTimeout time.Duration
	HealthInterval time.Duration
	QueueSize      int
}

// Redis is a relay-less Transport: chunks are PUBLISHed to a per-station
// channel and kept in a capped list for catch-up. The first chunk of each
// stream instance and the instance id live in side keys.
type Redis struct {
	config     RedisConfig
	client     *goredis.Client
	codec      protocol.Codec
	logger     *slog.Logger
	dispatcher *dispatcher

	mu        sync.Mutex
	subs      map[string]*goredis.PubSub
	connected bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedis creates a Redis transport; nothing is contacted until Connect
func NewRedis(config RedisConfig, handler Handler, logger *slog.Logger) (*Redis, error) {
	if config.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}

	opts, err := goredis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}

	if config.Prefix == "" {
		config.Prefix = DefaultRedisPrefix
	}
	if config.BacklogSize <= 0 {
		config.BacklogSize = DefaultRedisBacklog
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.HealthInterval <= 0 {
		config.HealthInterval = DefaultRedisHealthInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Redis{
		config:     config,
		client:     goredis.NewClient(opts),
		codec:      protocol.MsgPack,
		logger:     logger,
		dispatcher: newDispatcher(handler, config.QueueSize),
		subs:       make(map[string]*goredis.PubSub),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// RedisFactory returns a Factory creating Redis transports
func RedisFactory(config RedisConfig, logger *slog.Logger) Factory {
	return func(handler Handler) (Transport, error) {
		return NewRedis(config, handler, logger)
	}
}

func (r *Redis) key(kind, station string) string {
	return r.config.Prefix + ":" + kind + ":" + station
}

func (r *Redis) channel(station string) string {
	return r.config.Prefix + ":" + protocol.ListenerTopic(station)
}

// Connect pings the server and starts the health check loop
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	r.dispatcher.post(lifecycleEvent{connect: true})

	r.wg.Add(1)
	go r.healthLoop()

	return nil
}

// healthLoop turns ping failures into disconnect and connect events
func (r *Redis) healthLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.config.HealthInterval)
		err := r.client.Ping(ctx).Err()
		cancel()

		r.mu.Lock()
		was := r.connected
		r.connected = err == nil
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return
		}

		switch {
		case was && err != nil:
			r.logger.Warn("Redis connection lost", slog.String("error", err.Error()))
			r.dispatcher.post(lifecycleEvent{disconnect: fmt.Errorf("%w: %v", ErrDisconnected, err)})
		case !was && err == nil:
			r.logger.Info("Redis connection restored")
			r.dispatcher.post(lifecycleEvent{connect: true})
		}
	}
}

func (r *Redis) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !r.connected {
		return ErrDisconnected
	}
	return nil
}

// Subscribe joins topic. Listener subscriptions replay the catch-up backlog
// through HandleMessage before live chunks.
func (r *Redis) Subscribe(ctx context.Context, topic string, params *protocol.JoinParams) (*protocol.StreamInfo, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if t.Role == protocol.RoleBroadcaster {
		if err := r.client.Set(ctx, r.key("live", t.Station), "1", liveTTL).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return r.streamInfo(ctx, t.Station)
	}

	// Subscribe first so nothing published during catch-up is missed
	r.closeSub(topic)
	ps := r.client.Subscribe(r.ctx, r.channel(t.Station))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrDisconnected, err)
	}

	info, catchup, err := r.catchup(ctx, t.Station, params)
	if err != nil {
		ps.Close()
		return nil, err
	}

	r.mu.Lock()
	r.subs[topic] = ps
	r.mu.Unlock()

	for _, frame := range catchup {
		r.dispatcher.post(lifecycleEvent{frame: frame})
	}

	r.wg.Add(1)
	go r.forward(topic, ps)

	return info, nil
}

func (r *Redis) catchup(ctx context.Context, station string, params *protocol.JoinParams) (*protocol.StreamInfo, []*protocol.Frame, error) {
	info, err := r.streamInfo(ctx, station)
	if err != nil {
		return nil, nil, err
	}

	pipe := r.client.Pipeline()
	backlogCmd := pipe.LRange(ctx, r.key("backlog", station), 0, -1)
	initCmd := pipe.Get(ctx, r.key("init", station))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, nil, fmt.Errorf("%w: catch-up: %v", ErrDisconnected, err)
	}

	var backlog []*protocol.Frame
	for _, raw := range backlogCmd.Val() {
		frame, err := r.decode([]byte(raw))
		if err != nil {
			r.logger.Warn("Skipping undecodable backlog entry", slog.String("error", err.Error()))
			continue
		}
		backlog = append(backlog, frame)
	}

	resuming := params != nil && params.ResumeAfter != nil &&
		params.Instance != "" && params.Instance == info.Instance

	var frames []*protocol.Frame
	if resuming {
		for _, f := range backlog {
			if f.Chunk.HasSequence() && *f.Chunk.Sequence > *params.ResumeAfter {
				frames = append(frames, f)
			}
		}
		return info, frames, nil
	}

	if raw, err := initCmd.Bytes(); err == nil {
		first := len(backlog) > 0 && backlog[0].Chunk.HasSequence() && *backlog[0].Chunk.Sequence == 0
		if init, err := r.decode(raw); err == nil && !first {
			frames = append(frames, init)
		}
	}

	return info, append(frames, backlog...), nil
}

func (r *Redis) streamInfo(ctx context.Context, station string) (*protocol.StreamInfo, error) {
	pipe := r.client.Pipeline()
	instanceCmd := pipe.Get(ctx, r.key("instance", station))
	lastCmd := pipe.Get(ctx, r.key("last", station))
	liveCmd := pipe.Exists(ctx, r.key("live", station))
	numsubCmd := pipe.PubSubNumSub(ctx, r.channel(station))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	info := &protocol.StreamInfo{
		Station:   station,
		Instance:  instanceCmd.Val(),
		Live:      liveCmd.Val() > 0,
		Listeners: int(numsubCmd.Val()[r.channel(station)]),
	}
	if last, err := strconv.ParseUint(lastCmd.Val(), 10, 64); err == nil {
		info.LastSequence = &last
	}
	return info, nil
}

func (r *Redis) forward(topic string, ps *goredis.PubSub) {
	defer r.wg.Done()

	for msg := range ps.Channel() {
		frame, err := r.decode([]byte(msg.Payload))
		if err != nil {
			r.logger.Warn("Dropping undecodable message",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
			continue
		}

		if !r.dispatcher.offer(frame) {
			r.logger.Warn("Inbound queue full, dropping frame", slog.String("topic", topic))
		}
	}
}

func (r *Redis) decode(raw []byte) (*protocol.Frame, error) {
	var frame protocol.Frame
	if err := r.codec.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (r *Redis) closeSub(topic string) {
	r.mu.Lock()
	ps, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()

	if ok {
		ps.Close()
	}
}

// Unsubscribe leaves topic
func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if t.Role == protocol.RoleBroadcaster {
		if err := r.checkOpen(); err != nil {
			return err
		}
		return r.client.Del(ctx, r.key("live", t.Station)).Err()
	}

	r.closeSub(topic)
	return nil
}

// Publish stores chunk in the catch-up backlog and publishes it to listeners
// in one transaction. Sequence 0 starts a new stream instance.
func (r *Redis) Publish(ctx context.Context, topic string, chunk *protocol.ChunkMessage) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	t, err := protocol.ParseTopic(topic)
	if err != nil || t.Role != protocol.RoleBroadcaster {
		return fmt.Errorf("%w: audio must be published to a broadcaster topic", ErrRejected)
	}

	frame := &protocol.Frame{Topic: protocol.ListenerTopic(t.Station), Event: protocol.EventAudio, Chunk: chunk}
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	data, err := r.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	backlogKey := r.key("backlog", t.Station)
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if chunk.HasSequence() && *chunk.Sequence == 0 {
			pipe.Del(ctx, backlogKey)
			pipe.Set(ctx, r.key("instance", t.Station), uuid.NewString(), 0)
			pipe.Set(ctx, r.key("init", t.Station), data, 0)
		}
		pipe.RPush(ctx, backlogKey, data)
		pipe.LTrim(ctx, backlogKey, int64(-r.config.BacklogSize), -1)
		if chunk.HasSequence() {
			pipe.Set(ctx, r.key("last", t.Station), *chunk.Sequence, 0)
		}
		pipe.Set(ctx, r.key("live", t.Station), "1", liveTTL)
		pipe.Publish(ctx, r.channel(t.Station), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: publish: %v", ErrDisconnected, err)
	}

	return nil
}

// Request answers listener_count and heartbeat locally from Redis state
func (r *Redis) Request(ctx context.Context, topic, event string) (*protocol.Frame, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	reply := &protocol.Frame{Topic: topic, Event: protocol.EventReply, Ref: uuid.NewString(), Status: protocol.StatusOK}

	switch event {
	case protocol.EventHeartbeat:
		if err := r.client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return reply, nil

	case protocol.EventListenerCount:
		t, err := protocol.ParseTopic(topic)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		counts, err := r.client.PubSubNumSub(ctx, r.channel(t.Station)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		count := int(counts[r.channel(t.Station)])
		reply.Count = &count
		return reply, nil
	}

	return nil, fmt.Errorf("%w: unsupported event '%s'", ErrRejected, event)
}

// Close closes all subscriptions and the client. No Handler calls follow.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.connected = false
	subs := r.subs
	r.subs = make(map[string]*goredis.PubSub)
	r.mu.Unlock()

	r.cancel()
	for _, ps := range subs {
		ps.Close()
	}

	r.wg.Wait()
	r.dispatcher.stop()

	return r.client.Close()
}
