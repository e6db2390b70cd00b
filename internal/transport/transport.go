package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acardillo/otp-radio/internal/protocol"
)

// DefaultRequestTimeout bounds how long a request waits for its reply
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrDisconnected is reported when the connection to the relay is lost,
	// and returned for requests made while disconnected
	ErrDisconnected = errors.New("transport disconnected")

	// ErrReconnectFailed is reported through HandleDisconnect when the
	// reconnect policy gives up; no further callbacks follow
	ErrReconnectFailed = errors.New("reconnect failed")

	// ErrRejected is returned when the relay answers a request with an error
	ErrRejected = errors.New("request rejected")

	// ErrTimeout is returned when no reply arrives in time
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport closed")
)

// Handler receives connection lifecycle events and pushed messages.
// Calls are made from a transport goroutine, one at a time and in order;
// implementations must not block.
type Handler interface {
	HandleConnect()
	HandleDisconnect(err error)
	HandleMessage(topic string, frame *protocol.Frame)
}

// Transport is a topic-scoped publish/subscribe channel to the relay
type Transport interface {
	// Connect establishes the connection; HandleConnect follows on success
	Connect(ctx context.Context) error
	// Subscribe joins topic and returns the relay's view of the stream.
	// Catch-up chunks are delivered through HandleMessage after it returns.
	Subscribe(ctx context.Context, topic string, params *protocol.JoinParams) (*protocol.StreamInfo, error)
	Unsubscribe(ctx context.Context, topic string) error
	// Publish sends one chunk and waits for the relay's acknowledgement
	Publish(ctx context.Context, topic string, chunk *protocol.ChunkMessage) error
	// Request sends a bare request event and returns the reply
	Request(ctx context.Context, topic, event string) (*protocol.Frame, error)
	Close() error
}

// Factory creates a transport bound to handler
type Factory func(handler Handler) (Transport, error)

// HandlerFuncs adapts plain functions to a Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnMessage    func(topic string, frame *protocol.Frame)
}

func (h HandlerFuncs) HandleConnect() {
	if h.OnConnect != nil {
		h.OnConnect()
	}
}

func (h HandlerFuncs) HandleDisconnect(err error) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

func (h HandlerFuncs) HandleMessage(topic string, frame *protocol.Frame) {
	if h.OnMessage != nil {
		h.OnMessage(topic, frame)
	}
}

// pendingRequests matches replies to requests by ref
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Frame
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]chan *protocol.Frame)}
}

// add registers a new request and returns its ref and reply channel
func (p *pendingRequests) add() (string, chan *protocol.Frame) {
	ref := uuid.NewString()
	ch := make(chan *protocol.Frame, 1)

	p.mu.Lock()
	p.waiters[ref] = ch
	p.mu.Unlock()

	return ref, ch
}

func (p *pendingRequests) remove(ref string) {
	p.mu.Lock()
	delete(p.waiters, ref)
	p.mu.Unlock()
}

// resolve hands frame to its waiting request. It reports false for frames
// that are not replies to a pending request.
func (p *pendingRequests) resolve(frame *protocol.Frame) bool {
	if frame.Ref == "" || (!frame.IsReply() && frame.Event != protocol.EventHeartbeat) {
		return false
	}

	p.mu.Lock()
	ch, ok := p.waiters[frame.Ref]
	delete(p.waiters, frame.Ref)
	p.mu.Unlock()

	if ok {
		ch <- frame
	}
	return ok
}

// failAll wakes every waiting request with ErrDisconnected
func (p *pendingRequests) failAll() {
	p.mu.Lock()
	for ref, ch := range p.waiters {
		close(ch)
		delete(p.waiters, ref)
	}
	p.mu.Unlock()
}

// roundTrip sends frame with a fresh ref through send and waits for the reply
func roundTrip(ctx context.Context, pending *pendingRequests, timeout time.Duration,
	frame *protocol.Frame, send func(*protocol.Frame) error) (*protocol.Frame, error) {
	ref, ch := pending.add()
	frame.Ref = ref

	if err := send(frame); err != nil {
		pending.remove(ref)
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if reply.Status == protocol.StatusError {
			return reply, fmt.Errorf("%w: %v", ErrRejected, reply.Err())
		}
		return reply, nil
	case <-timer.C:
		pending.remove(ref)
		return nil, fmt.Errorf("%w: %s %s", ErrTimeout, frame.Event, frame.Topic)
	case <-ctx.Done():
		pending.remove(ref)
		return nil, ctx.Err()
	}
}

// lifecycleEvent is one queued Handler call
type lifecycleEvent struct {
	connect    bool
	disconnect error
	frame      *protocol.Frame
}

// dispatcher serializes Handler calls on one goroutine
type dispatcher struct {
	handler Handler
	events  chan lifecycleEvent
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newDispatcher(handler Handler, size int) *dispatcher {
	d := &dispatcher{
		handler: handler,
		events:  make(chan lifecycleEvent, size),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			switch {
			case ev.connect:
				d.handler.HandleConnect()
			case ev.frame != nil:
				d.handler.HandleMessage(ev.frame.Topic, ev.frame)
			default:
				d.handler.HandleDisconnect(ev.disconnect)
			}
		}
	}
}

// post queues a lifecycle event; it blocks only while the queue is full
func (d *dispatcher) post(ev lifecycleEvent) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

// offer queues a message without blocking
func (d *dispatcher) offer(frame *protocol.Frame) bool {
	select {
	case d.events <- lifecycleEvent{frame: frame}:
		return true
	default:
		return false
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
