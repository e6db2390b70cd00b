package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Event names carried in Frame.Event
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventReply         = "reply"
	EventAudioChunk    = "audio_chunk"    // producer -> relay, broadcaster topic
	EventAudio         = "audio"          // relay -> consumers, listener topic
	EventListenerCount = "listener_count" // producer request, answered with Count
	EventHeartbeat     = "heartbeat"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Topic roles
const (
	RoleBroadcaster = "broadcaster"
	RoleListener    = "listener"
)

// MaxStationIDLength bounds station identifiers embedded in topics
const MaxStationIDLength = 64

var (
	// ErrInvalidFrame is returned for frames that fail validation
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrInvalidTopic is returned for topics that are not "<role>:<station>"
	ErrInvalidTopic = errors.New("invalid topic")
)

// ChunkMessage is the wire shape of one audio chunk: {sequence, data}.
// JSON encodes Data as standard base64; msgpack carries it as raw binary.
type ChunkMessage struct {
	Sequence *uint64 `json:"sequence,omitempty" msgpack:"sequence,omitempty"`
	Data     []byte  `json:"data" msgpack:"data"`
}

// NewChunkMessage creates a chunk message with an explicit sequence
func NewChunkMessage(sequence uint64, data []byte) *ChunkMessage {
	seq := sequence
	return &ChunkMessage{Sequence: &seq, Data: data}
}

// HasSequence reports whether the producer stamped a sequence number
func (m *ChunkMessage) HasSequence() bool {
	return m != nil && m.Sequence != nil
}

// String returns a human-readable representation of the message
func (m *ChunkMessage) String() string {
	if m == nil {
		return "ChunkMessage{nil}"
	}
	if m.Sequence == nil {
		return fmt.Sprintf("ChunkMessage{Sequence: none, DataLen: %d}", len(m.Data))
	}
	return fmt.Sprintf("ChunkMessage{Sequence: %d, DataLen: %d}", *m.Sequence, len(m.Data))
}

// JoinParams are sent with a join request.
// A resubscribing consumer sets ResumeAfter and Instance so that the relay only
// replays backlog newer than what it already released.
type JoinParams struct {
	ResumeAfter *uint64 `json:"resume_after,omitempty" msgpack:"resume_after,omitempty"`
	Instance    string  `json:"instance,omitempty" msgpack:"instance,omitempty"`
}

// StreamInfo describes the current stream instance of a station, returned in join replies
type StreamInfo struct {
	Station      string  `json:"station" msgpack:"station"`
	Instance     string  `json:"instance,omitempty" msgpack:"instance,omitempty"`
	LastSequence *uint64 `json:"last_sequence,omitempty" msgpack:"last_sequence,omitempty"`
	Listeners    int     `json:"listeners" msgpack:"listeners"`
	Live         bool    `json:"live" msgpack:"live"`
}

// Frame is the envelope exchanged with the relay.
// Requests carry a Ref; the matching reply echoes it with Event "reply" and a Status.
type Frame struct {
	Topic  string        `json:"topic" msgpack:"topic"`
	Event  string        `json:"event" msgpack:"event"`
	Ref    string        `json:"ref,omitempty" msgpack:"ref,omitempty"`
	Status string        `json:"status,omitempty" msgpack:"status,omitempty"`
	Reason string        `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Chunk  *ChunkMessage `json:"chunk,omitempty" msgpack:"chunk,omitempty"`
	Join   *JoinParams   `json:"join,omitempty" msgpack:"join,omitempty"`
	Stream *StreamInfo   `json:"stream,omitempty" msgpack:"stream,omitempty"`
	Count  *int          `json:"count,omitempty" msgpack:"count,omitempty"`
}

// Validate performs structural validation of a frame
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}

	if f.Event == "" {
		return fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}

	// Heartbeats are connection-level and need no topic
	if f.Event == EventHeartbeat {
		return nil
	}

	if _, err := ParseTopic(f.Topic); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch f.Event {
	case EventAudioChunk, EventAudio:
		if f.Chunk == nil {
			return fmt.Errorf("%w: %s without chunk", ErrInvalidFrame, f.Event)
		}
		if len(f.Chunk.Data) == 0 {
			return fmt.Errorf("%w: %s with empty data", ErrInvalidFrame, f.Event)
		}
	case EventReply:
		if f.Ref == "" {
			return fmt.Errorf("%w: reply without ref", ErrInvalidFrame)
		}
		if f.Status != StatusOK && f.Status != StatusError {
			return fmt.Errorf("%w: unknown reply status '%s'", ErrInvalidFrame, f.Status)
		}
	}

	return nil
}

// IsReply reports whether the frame answers an earlier request
func (f *Frame) IsReply() bool {
	return f.Event == EventReply
}

// OK reports whether a reply frame carries a successful status
func (f *Frame) OK() bool {
	return f.Event == EventReply && f.Status == StatusOK
}

// Err converts an error reply into a Go error
func (f *Frame) Err() error {
	if f.OK() {
		return nil
	}
	if f.Reason == "" {
		return fmt.Errorf("%s rejected", f.Topic)
	}
	return fmt.Errorf("%s rejected: %s", f.Topic, f.Reason)
}

// NewReply builds a reply to req
func NewReply(req *Frame, status, reason string) *Frame {
	return &Frame{
		Topic:  req.Topic,
		Event:  EventReply,
		Ref:    req.Ref,
		Status: status,
		Reason: reason,
	}
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Topic: %s, Event: %s, Ref: %s, Status: %s, Chunk: %s}",
		f.Topic, f.Event, f.Ref, f.Status, f.Chunk.String())
}

// Topic names a channel: "<role>:<station>"
type Topic struct {
	Role    string
	Station string
}

// String renders the topic in wire form
func (t Topic) String() string {
	return t.Role + ":" + t.Station
}

// ParseTopic splits and validates a wire topic
func ParseTopic(s string) (Topic, error) {
	role, station, ok := strings.Cut(s, ":")
	if !ok {
		return Topic{}, fmt.Errorf("%w: '%s' has no role separator", ErrInvalidTopic, s)
	}

	if role != RoleBroadcaster && role != RoleListener {
		return Topic{}, fmt.Errorf("%w: unknown role '%s'", ErrInvalidTopic, role)
	}

	if err := ValidateStationID(station); err != nil {
		return Topic{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	return Topic{Role: role, Station: station}, nil
}

// BroadcasterTopic returns the producer-side topic of a station
func BroadcasterTopic(station string) string {
	return Topic{Role: RoleBroadcaster, Station: station}.String()
}

// ListenerTopic returns the consumer-side topic of a station
func ListenerTopic(station string) string {
	return Topic{Role: RoleListener, Station: station}.String()
}

// ValidateStationID checks that a station identifier is usable inside a topic
func ValidateStationID(id string) error {
	if id == "" {
		return fmt.Errorf("station id cannot be empty")
	}

	if len(id) > MaxStationIDLength {
		return fmt.Errorf("station id too long: %d > %d", len(id), MaxStationIDLength)
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("station id '%s' contains invalid character %q", id, r)
		}
	}

	return nil
}
