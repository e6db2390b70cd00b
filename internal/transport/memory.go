package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
)

// DefaultQueueSize is the number of inbound messages buffered per connection
const DefaultQueueSize = 256

// MemoryConfig contains configuration for the in-process transport
type MemoryConfig struct {
	RequestTimeout time.Duration
	QueueSize      int
	// DropInbound, when set, discards pushed messages it returns true for
	DropInbound func(frame *protocol.Frame) bool
}

// Memory is an in-process transport talking to a stream.Hub directly.
// Disconnect and Reconnect simulate connection loss.
type Memory struct {
	config     MemoryConfig
	hub        *stream.Hub
	id         string
	pending    *pendingRequests
	dispatcher *dispatcher

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewMemory creates an in-process transport for hub
func NewMemory(hub *stream.Hub, handler Handler, config MemoryConfig) *Memory {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	return &Memory{
		config:     config,
		hub:        hub,
		id:         "mem-" + uuid.NewString(),
		pending:    newPendingRequests(),
		dispatcher: newDispatcher(handler, config.QueueSize),
	}
}

// MemoryFactory returns a Factory creating in-process transports for hub
func MemoryFactory(hub *stream.Hub, config MemoryConfig) Factory {
	return func(handler Handler) (Transport, error) {
		return NewMemory(hub, handler, config), nil
	}
}

// ID identifies this connection to the hub
func (m *Memory) ID() string {
	return m.id
}

// Deliver is called by the hub with replies and pushed messages
func (m *Memory) Deliver(frame *protocol.Frame) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return ErrDisconnected
	}

	if m.pending.resolve(frame) {
		return nil
	}

	if m.config.DropInbound != nil && m.config.DropInbound(frame) {
		return nil
	}

	if !m.dispatcher.offer(frame) {
		return fmt.Errorf("inbound queue full")
	}
	return nil
}

// Connect marks the connection up
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.connected = true
	m.mu.Unlock()

	m.dispatcher.post(lifecycleEvent{connect: true})
	return nil
}

// Disconnect simulates losing the connection: the hub forgets this client,
// pending requests fail and HandleDisconnect is called.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	m.hub.RemovePeer(m)
	m.pending.failAll()
	m.dispatcher.post(lifecycleEvent{disconnect: ErrDisconnected})
}

// Reconnect simulates the connection coming back
func (m *Memory) Reconnect() error {
	return m.Connect(context.Background())
}

func (m *Memory) send(frame *protocol.Frame) error {
	m.mu.Lock()
	connected, closed := m.connected, m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrDisconnected
	}

	m.hub.Handle(m, frame)
	return nil
}

func (m *Memory) request(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	return roundTrip(ctx, m.pending, m.config.RequestTimeout, frame, m.send)
}

// Subscribe joins topic
func (m *Memory) Subscribe(ctx context.Context, topic string, params *protocol.JoinParams) (*protocol.StreamInfo, error) {
	reply, err := m.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventJoin, Join: params})
	if err != nil {
		return nil, err
	}
	return reply.Stream, nil
}

// Unsubscribe leaves topic
func (m *Memory) Unsubscribe(ctx context.Context, topic string) error {
	_, err := m.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventLeave})
	return err
}

// Publish pushes one chunk and waits for the hub's acknowledgement
func (m *Memory) Publish(ctx context.Context, topic string, chunk *protocol.ChunkMessage) error {
	_, err := m.request(ctx, &protocol.Frame{Topic: topic, Event: protocol.EventAudioChunk, Chunk: chunk})
	return err
}

// Request sends a bare request event
func (m *Memory) Request(ctx context.Context, topic, event string) (*protocol.Frame, error) {
	return m.request(ctx, &protocol.Frame{Topic: topic, Event: event})
}

// Close disconnects without notifying the handler
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	m.mu.Unlock()

	m.hub.RemovePeer(m)
	m.pending.failAll()
	m.dispatcher.stop()
	return nil
}
