package jitter

import (
	"fmt"
	"slices"
	"time"
)

// DefaultCapacity is the default number of pending chunks held before the
// oldest are evicted
const DefaultCapacity = 30

// Feeder is the decode pipeline seen from the buffer
type Feeder interface {
	// Busy reports whether the previously fed chunk is still being processed
	Busy() bool
	// Feed hands one chunk to the pipeline; only called when not Busy
	Feed(sequence uint64, payload []byte)
	// Reset hard-resets the pipeline after a stream restart
	Reset()
}

// Gap describes a missing, inclusive range of sequence numbers
type Gap struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// Size returns the number of missing sequences
func (g Gap) Size() uint64 {
	return g.To - g.From + 1
}

// String returns a human-readable representation of the gap
func (g Gap) String() string {
	if g.From == g.To {
		return fmt.Sprintf("%d", g.From)
	}
	return fmt.Sprintf("%d-%d", g.From, g.To)
}

// AcceptResult reports everything one Accept call did
type AcceptResult struct {
	Stale     bool     // at or below the last released sequence; nothing changed
	Duplicate bool     // replaced a pending chunk with the same sequence
	Restart   bool     // sequence 0 after released data: buffer and feeder were reset
	Gap       *Gap     // sequences between the last released one and this one
	Evicted   []uint64 // oldest pending sequences dropped to respect capacity
	Released  []uint64 // sequences handed to the feeder
}

// Buffer is a bounded reorder buffer sitting between the network and a Feeder.
// It never waits for a missing predecessor: whenever the feeder is idle the
// lowest pending sequence is released.
//
// Buffer is not safe for concurrent use; it is owned by one session event loop.
type Buffer struct {
	capacity int
	feeder   Feeder

	// Pending chunks keyed by sequence, order holds the keys ascending
	pending map[uint64][]byte
	order   []uint64

	// Sequence tracking
	lastReleased uint64
	hasReleased  bool

	// Statistics
	totalAccepted uint64
	staleDropped  uint64
	duplicates    uint64
	evictedCount  uint64
	releasedCount uint64
	gapCount      uint64
	missingCount  uint64
	restartCount  uint64
	lastUpdate    time.Time
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Capacity        int     `json:"capacity"`
	Pending         int     `json:"pending"`
	LastReleased    *uint64 `json:"last_released,omitempty"`
	TotalAccepted   uint64  `json:"total_accepted"`
	StaleDropped    uint64  `json:"stale_dropped"`
	Duplicates      uint64  `json:"duplicates"`
	Evicted         uint64  `json:"evicted"`
	Released        uint64  `json:"released"`
	Gaps            uint64  `json:"gaps"`
	MissingSequence uint64  `json:"missing_sequences"`
	Restarts        uint64  `json:"restarts"`
	LossRate        float64 `json:"loss_rate"`
}

// NewBuffer creates a jitter buffer feeding feeder.
// A non-positive capacity selects DefaultCapacity.
func NewBuffer(capacity int, feeder Feeder) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Buffer{
		capacity:   capacity,
		feeder:     feeder,
		pending:    make(map[uint64][]byte, capacity+1),
		order:      make([]uint64, 0, capacity+1),
		lastUpdate: time.Now(),
	}
}

// Accept inserts one chunk and releases as much as the feeder allows
func (b *Buffer) Accept(sequence uint64, payload []byte) AcceptResult {
	var result AcceptResult

	b.lastUpdate = time.Now()

	// A new stream instance starts over at 0
	if sequence == 0 && b.hasReleased {
		b.restart()
		result.Restart = true
	}

	if b.hasReleased && sequence <= b.lastReleased {
		b.staleDropped++
		result.Stale = true
		return result
	}

	b.totalAccepted++

	if _, exists := b.pending[sequence]; exists {
		b.duplicates++
		result.Duplicate = true
	} else {
		idx, _ := slices.BinarySearch(b.order, sequence)
		b.order = slices.Insert(b.order, idx, sequence)
	}
	b.pending[sequence] = payload

	for len(b.order) > b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.pending, oldest)
		b.evictedCount++
		result.Evicted = append(result.Evicted, oldest)
	}

	result.Gap = b.observeGap(sequence)

	result.Released = b.Release()
	return result
}

// observeGap reports the sequences between the last released one and the
// newly accepted one. It is informational only: some of them may already be
// pending. Nothing is reported before the first release.
func (b *Buffer) observeGap(sequence uint64) *Gap {
	if !b.hasReleased || sequence <= b.lastReleased+1 {
		return nil
	}

	b.gapCount++
	return &Gap{From: b.lastReleased + 1, To: sequence - 1}
}

// Release hands pending chunks to the feeder, lowest sequence first, for as
// long as the feeder is idle. It must be called after every busy to idle
// transition of the feeder.
func (b *Buffer) Release() []uint64 {
	var released []uint64

	for len(b.order) > 0 && !b.feeder.Busy() {
		seq := b.order[0]
		b.order = b.order[1:]
		payload := b.pending[seq]
		delete(b.pending, seq)

		// Whatever lies between two releases will never be played
		if b.hasReleased && seq > b.lastReleased+1 {
			b.missingCount += seq - b.lastReleased - 1
		}

		b.lastReleased = seq
		b.hasReleased = true
		b.releasedCount++
		released = append(released, seq)

		b.feeder.Feed(seq, payload)
	}

	return released
}

// restart clears state belonging to the previous stream instance
func (b *Buffer) restart() {
	b.discard()
	b.restartCount++
	b.feeder.Reset()
}

// Reset discards all pending chunks and sequence history.
// Statistics are kept; the feeder is left alone.
func (b *Buffer) Reset() {
	b.discard()
}

func (b *Buffer) discard() {
	clear(b.pending)
	b.order = b.order[:0]
	b.lastReleased = 0
	b.hasReleased = false
}

// Len returns the number of pending chunks
func (b *Buffer) Len() int {
	return len(b.order)
}

// Capacity returns the maximum number of pending chunks
func (b *Buffer) Capacity() int {
	return b.capacity
}

// LastReleased returns the last sequence handed to the feeder, if any
func (b *Buffer) LastReleased() (uint64, bool) {
	return b.lastReleased, b.hasReleased
}

// PendingSequences returns a copy of the pending sequences, ascending
func (b *Buffer) PendingSequences() []uint64 {
	return slices.Clone(b.order)
}

// GetLastUpdate returns the time of the last Accept
func (b *Buffer) GetLastUpdate() time.Time {
	return b.lastUpdate
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	stats := BufferStats{
		Capacity:        b.capacity,
		Pending:         len(b.order),
		TotalAccepted:   b.totalAccepted,
		StaleDropped:    b.staleDropped,
		Duplicates:      b.duplicates,
		Evicted:         b.evictedCount,
		Released:        b.releasedCount,
		Gaps:            b.gapCount,
		MissingSequence: b.missingCount,
		Restarts:        b.restartCount,
	}

	if b.hasReleased {
		last := b.lastReleased
		stats.LastReleased = &last
	}

	expected := b.releasedCount + b.missingCount
	if expected > 0 {
		stats.LossRate = float64(b.missingCount) / float64(expected)
	}

	return stats
}
