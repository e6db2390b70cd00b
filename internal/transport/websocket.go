package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acardillo/otp-radio/internal/protocol"
)

// WebSocket defaults
const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	writeTimeout             = 5 * time.Second
)

// WebSocketConfig contains configuration for the relay WebSocket client
type WebSocketConfig struct {
	URL                  string // ws://host:port/socket
	Codec                string // json or msgpack
	RequestTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 retries forever
	HeartbeatInterval    time.Duration
	QueueSize            int
}

// Validate validates the client configuration
func (c *WebSocketConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("relay url must use ws or wss, got '%s'", u.Scheme)
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return err
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	return nil
}

// WebSocket is a Transport speaking protocol frames to the relay's /socket
// endpoint. A lost connection is redialed according to the reconnect policy.
type WebSocket struct {
	config     WebSocketConfig
	codec      protocol.Codec
	logger     *slog.Logger
	dialer     *websocket.Dialer
	pending    *pendingRequests
	dispatcher *dispatcher

	mu      sync.Mutex
	conn    *websocket.Conn
	connMu  sync.Mutex // Protects WebSocket writes
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	attempt int
}

// NewWebSocket creates a relay client; nothing is dialed until Connect
func NewWebSocket(config WebSocketConfig, handler Handler, logger *slog.Logger) (*WebSocket, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	codec, _ := protocol.CodecByName(config.Codec)
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocket{
		config:     config,
		codec:      codec,
		logger:     logger,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:    newPendingRequests(),
		dispatcher: newDispatcher(handler, config.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// WebSocketFactory returns a Factory creating relay clients
func WebSocketFactory(config WebSocketConfig, logger *slog.Logger) Factory {
	return func(handler Handler) (Transport, error) {
		return NewWebSocket(config, handler, logger)
	}
}

func (w *WebSocket) dialURL() string {
	u, _ := url.Parse(w.config.URL)
	q := u.Query()
	q.Set("codec", w.codec.Name())
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect dials the relay
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.conn != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.dial(ctx); err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	return nil
}

func (w *WebSocket) dial(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.dialURL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	w.conn = conn
	w.attempt = 0
	w.mu.Unlock()

	w.logger.Info("Connected to relay", slog.String("url", w.config.URL))

	connCtx, connCancel := context.WithCancel(w.ctx)
	w.wg.Add(2)
	go w.readLoop(conn, connCancel)
	go w.heartbeatLoop(connCtx)

	w.dispatcher.post(lifecycleEvent{connect: true})
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, connCancel context.CancelFunc) {
	defer w.wg.Done()
	defer connCancel()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.connectionLost(conn, err)
			return
		}

		if w.codec.Binary() != (messageType == websocket.BinaryMessage) {
			w.logger.Warn("Unexpected message type from relay", slog.Int("type", messageType))
			continue
		}

		var frame protocol.Frame
		if err := w.codec.Unmarshal(data, &frame); err != nil {
			w.logger.Warn("Dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if w.pending.resolve(&frame) {
			continue
		}

		if !w.dispatcher.offer(&frame) {
			w.logger.Warn("Inbound queue full, dropping frame",
				slog.String("topic", frame.Topic),
				slog.String("event", frame.Event))
		}
	}
}

// connectionLost tears down conn and starts reconnecting unless closed
func (w *WebSocket) connectionLost(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	closed := w.closed
	w.mu.Unlock()

	conn.Close()
	w.pending.failAll()

	if closed {
		return
	}

	w.logger.Warn("Relay connection lost", slog.String("error", cause.Error()))
	w.dispatcher.post(lifecycleEvent{disconnect: fmt.Errorf("%w: %v", ErrDisconnected, cause)})

	w.wg.Add(1)
	go w.reconnectLoop()
}

func (w *WebSocket) reconnectLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		w.attempt++
		attempt := w.attempt
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(w.ctx, w.config.ReconnectInterval*2)
		err := w.dial(ctx)
		cancel()

		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		w.logger.Warn("Reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if w.config.MaxReconnectAttempts > 0 && attempt >= w.config.MaxReconnectAttempts {
			w.dispatcher.post(lifecycleEvent{
				disconnect: fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, attempt, err),
			})
			return
		}
	}
}

func (w *WebSocket) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.request(ctx, &protocol.Frame{Event: protocol.EventHeartbeat}); err != nil {
				w.logger.Debug("Heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *WebSocket) send(frame *protocol.Frame) error {
	w.mu.Lock()
	conn, closed := w.conn, w.closed
	w.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	data, err := w.codec.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	messageType := websocket.TextMessage
	if w.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	w.connMu.Lock()
	defer w.connMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (w *WebSocket) request(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	return roundTrip(ctx, w.pending, w.config.RequestTimeout, frame, w.send)
}

// Subscribe joins topic
func (w *WebSocket) Subscribe(ctx context.Context, topic string, params *protocol.JoinParams) (*protocol.StreamInfo, error) {
	reply, err := w.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventJoin, Join: params})
	if err != nil {
		return nil, err
	}
	return reply.Stream, nil
}

// Unsubscribe leaves topic
func (w *WebSocket) Unsubscribe(ctx context.Context, topic string) error {
	_, err := w.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventLeave})
	return err
}

// Publish pushes one chunk and waits for the relay's acknowledgement
func (w *WebSocket) Publish(ctx context.Context, topic string, chunk *protocol.ChunkMessage) error {
	_, err := w.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventAudioChunk, Chunk: chunk})
	return err
}

// Request sends a bare request event
func (w *WebSocket) Request(ctx context.Context, topic, event string) (*protocol.Frame, error) {
	return w.request(ctx, &protocol.Frame{Topic: topic, Event: event})
}

// Close closes the connection and stops reconnecting. No Handler calls follow.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	w.cancel()

	if conn != nil {
		w.connMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.connMu.Unlock()
		conn.Close()
	}

	w.pending.failAll()
	w.wg.Wait()
	w.dispatcher.stop()

	w.logger.Info("Relay client closed")
	return nil
}
