package session

import (
	"fmt"

	"github.com/acardillo/otp-radio/internal/protocol"
)

// Demuxer turns chunk messages into (sequence, payload) pairs.
//
// A message without a sequence is numbered after the last one seen. This is a
// degraded mode: loss and duplication cannot be detected for such messages.
type Demuxer struct {
	lastSeen uint64
	hasSeen  bool
	degraded uint64
}

// Demux returns the sequence and payload of msg. degraded is true when the
// sequence was assigned locally.
func (d *Demuxer) Demux(msg *protocol.ChunkMessage) (sequence uint64, payload []byte, degraded bool, err error) {
	if msg == nil || len(msg.Data) == 0 {
		return 0, nil, false, fmt.Errorf("%w: empty chunk", protocol.ErrInvalidFrame)
	}

	if msg.HasSequence() {
		sequence = *msg.Sequence
	} else {
		if d.hasSeen {
			sequence = d.lastSeen + 1
		}
		degraded = true
		d.degraded++
	}

	d.lastSeen = sequence
	d.hasSeen = true

	return sequence, msg.Data, degraded, nil
}

// Degraded returns the number of messages that arrived without a sequence
func (d *Demuxer) Degraded() uint64 {
	return d.degraded
}

// Reset forgets the last seen sequence
func (d *Demuxer) Reset() {
	d.lastSeen = 0
	d.hasSeen = false
}
