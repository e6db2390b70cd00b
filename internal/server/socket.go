package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
)

// Defaults for SocketConfig
const (
	DefaultSendQueueSize  = 256
	DefaultMaxMessageSize = 1 << 20
	DefaultPingInterval   = 20 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
)

var (
	errClientClosed  = errors.New("client connection closed")
	errSendQueueFull = errors.New("client send queue full")
)

// SocketConfig contains configuration for the relay WebSocket endpoint
type SocketConfig struct {
	SendQueueSize  int
	MaxMessageSize int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// SocketServer accepts relay clients on /socket and feeds their frames to
// the hub. Each connection has a reader that handles requests in arrival
// order and a writer draining the client's bounded send queue.
type SocketServer struct {
	config   SocketConfig
	hub      *stream.Hub
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Concurrency management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clients map[string]*client

	// Statistics
	connectionsAccepted uint64
	framesReceived      uint64
	framesProcessed     uint64
	frameErrors         uint64
	framesDropped       uint64
	mu                  sync.RWMutex
}

// NewSocketServer creates the WebSocket endpoint for hub. metrics may be nil.
func NewSocketServer(config SocketConfig, hub *stream.Hub, logger *slog.Logger, m *metrics.Metrics) *SocketServer {
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultSendQueueSize
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &SocketServer{
		config:  config,
		hub:     hub,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 65536,
			// Relay clients are programs, not browser pages
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// The wire codec is picked with ?codec=json|msgpack and defaults to json.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("codec")
	if name == "" {
		name = protocol.CodecJSON
	}
	codec, err := protocol.CodecByName(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.ctx.Err() != nil {
		http.Error(w, "Relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		codec:  codec,
		send:   make(chan *protocol.Frame, s.config.SendQueueSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c.id] = c
	s.connectionsAccepted++
	active := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()

	s.metrics.SetActiveConnections(active)
	s.logger.Info("Client connected",
		slog.String("client", c.id),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("codec", codec.Name()))

	go c.writePump()
	go c.readPump()
}

// Stop closes every client connection and waits for their goroutines
func (s *SocketServer) Stop() {
	s.logger.Info("Stopping WebSocket endpoint...")

	s.mu.Lock()
	s.cancel()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway)
	}
	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("WebSocket endpoint stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frame_errors", stats.FrameErrors),
		slog.Uint64("frames_dropped", stats.FramesDropped))
}

func (s *SocketServer) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	active := len(s.clients)
	s.mu.Unlock()

	s.hub.RemovePeer(c)
	s.metrics.SetActiveConnections(active)
	s.logger.Info("Client disconnected", slog.String("client", c.id))
}

// handleMessage decodes and dispatches one inbound message
func (s *SocketServer) handleMessage(c *client, messageType int, data []byte) {
	s.mu.Lock()
	s.framesReceived++
	s.mu.Unlock()
	s.metrics.RecordFrameReceived()

	if c.codec.Binary() != (messageType == websocket.BinaryMessage) {
		s.frameError(c, "message_type", errors.New("message type does not match codec"))
		return
	}

	var frame protocol.Frame
	if err := c.codec.Unmarshal(data, &frame); err != nil {
		s.frameError(c, "decode", err)
		return
	}

	if err := frame.Validate(); err != nil {
		s.frameError(c, "invalid", err)
		// Still answer so the client's request does not time out
		if frame.Ref != "" {
			c.Deliver(protocol.NewReply(&frame, protocol.StatusError, err.Error()))
		}
		return
	}

	s.hub.Handle(c, &frame)

	s.mu.Lock()
	s.framesProcessed++
	s.mu.Unlock()
}

func (s *SocketServer) frameError(c *client, reason string, err error) {
	s.mu.Lock()
	s.frameErrors++
	s.mu.Unlock()
	s.metrics.RecordFrameError(reason)

	s.logger.Warn("Rejected frame",
		slog.String("client", c.id),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
}

func (s *SocketServer) frameDropped() {
	s.mu.Lock()
	s.framesDropped++
	s.mu.Unlock()
}

// GetStatistics returns current endpoint statistics
func (s *SocketServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ActiveConnections:   uint64(len(s.clients)),
		ConnectionsAccepted: s.connectionsAccepted,
		FramesReceived:      s.framesReceived,
		FramesProcessed:     s.framesProcessed,
		FrameErrors:         s.frameErrors,
		FramesDropped:       s.framesDropped,
		SendQueueCapacity:   uint64(s.config.SendQueueSize),
	}
}

// ServerStatistics represents WebSocket endpoint statistics
type ServerStatistics struct {
	ActiveConnections   uint64 `json:"active_connections"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	FramesReceived      uint64 `json:"frames_received"`
	FramesProcessed     uint64 `json:"frames_processed"`
	FrameErrors         uint64 `json:"frame_errors"`
	FramesDropped       uint64 `json:"frames_dropped"`
	SendQueueCapacity   uint64 `json:"send_queue_capacity"`
}

// client is one relay connection and the hub Peer it acts as
type client struct {
	id     string
	server *SocketServer
	conn   *websocket.Conn
	codec  protocol.Codec

	send      chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) ID() string { return c.id }

// Deliver queues frame without blocking. A client too slow to keep up loses
// the frame rather than stalling the station.
func (c *client) Deliver(frame *protocol.Frame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.server.frameDropped()
		return errSendQueueFull
	}
}

// close stops both pumps; code is sent to the peer when still possible
func (c *client) close(code int) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

func (c *client) readPump() {
	defer c.server.wg.Done()
	defer c.server.removeClient(c)
	defer c.close(websocket.CloseNormalClosure)

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	pongWait := c.server.config.PingInterval * 2
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("Client read failed",
					slog.String("client", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.server.handleMessage(c, messageType, data)
	}
}

func (c *client) writePump() {
	defer c.server.wg.Done()

	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			data, err := c.codec.Marshal(frame)
			if err != nil {
				c.server.logger.Error("Failed to encode frame",
					slog.String("client", c.id),
					slog.String("event", frame.Event),
					slog.String("error", err.Error()))
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(messageType, data); err != nil {
				c.server.logger.Debug("Client write failed",
					slog.String("client", c.id),
					slog.String("error", err.Error()))
				c.close(websocket.CloseGoingAway)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(c.server.config.WriteTimeout)); err != nil {
				c.close(websocket.CloseGoingAway)
				return
			}
		}
	}
}
