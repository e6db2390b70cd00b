package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/transport"
)

// Publisher sends chunks to a station's broadcaster topic. It never retries:
// a chunk the transport rejects is reported and dropped.
type Publisher struct {
	transport transport.Transport
	topic     string
	metrics   *metrics.Metrics

	chunksSent  atomic.Uint64
	sendFailed  atomic.Uint64
	bytesSent   atomic.Uint64
	lastSendDur atomic.Int64
}

// NewPublisher creates a publisher for station over t. metrics may be nil.
func NewPublisher(t transport.Transport, station string, m *metrics.Metrics) *Publisher {
	return &Publisher{
		transport: t,
		topic:     protocol.BroadcasterTopic(station),
		metrics:   m,
	}
}

// Send publishes chunk and waits for the transport's acknowledgement.
// A rejection is returned as a *SendError matching ErrSendFailed.
func (p *Publisher) Send(ctx context.Context, chunk audio.Chunk) error {
	start := time.Now()

	err := p.transport.Publish(ctx, p.topic, protocol.NewChunkMessage(chunk.Sequence, chunk.Payload))
	if err != nil {
		p.sendFailed.Add(1)
		p.metrics.RecordSendFailure()
		return &SendError{Sequence: chunk.Sequence, Err: err}
	}

	elapsed := time.Since(start)
	p.chunksSent.Add(1)
	p.bytesSent.Add(uint64(len(chunk.Payload)))
	p.lastSendDur.Store(int64(elapsed))
	p.metrics.RecordChunkPublished(elapsed.Seconds())

	return nil
}

// Failed counts a chunk dropped before it reached the transport
func (p *Publisher) Failed() {
	p.sendFailed.Add(1)
	p.metrics.RecordSendFailure()
}

// ChunksSent returns the number of acknowledged chunks
func (p *Publisher) ChunksSent() uint64 {
	return p.chunksSent.Load()
}

// SendFailures returns the number of chunks that were not delivered
func (p *Publisher) SendFailures() uint64 {
	return p.sendFailed.Load()
}

// BytesSent returns the payload bytes of acknowledged chunks
func (p *Publisher) BytesSent() uint64 {
	return p.bytesSent.Load()
}

// LastSendDuration returns how long the last acknowledged send took
func (p *Publisher) LastSendDuration() time.Duration {
	return time.Duration(p.lastSendDur.Load())
}
