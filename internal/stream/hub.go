package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
)

// Defaults for HubConfig
const (
	DefaultBacklogSize     = 16
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = 30 * time.Second
)

var (
	// ErrUnknownStation is returned when joining a station that is not configured
	ErrUnknownStation = errors.New("unknown station")

	// ErrStationBusy is returned when a second broadcaster joins a station
	ErrStationBusy = errors.New("station already has a broadcaster")

	// ErrNotJoined is returned for pushes and leaves on topics the peer has not joined
	ErrNotJoined = errors.New("not joined")
)

// Peer is one connected relay client. Deliver queues a frame for the client
// and must not block; an error means the frame was dropped for that client.
type Peer interface {
	ID() string
	Deliver(frame *protocol.Frame) error
}

// HubConfig contains configuration for the relay hub
type HubConfig struct {
	// Stations restricts joins to these ids; empty allows any valid id
	Stations        []string
	BacklogSize     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// Station is one broadcast channel: at most one broadcaster, any number of
// listeners, and the catch-up backlog of the current stream instance.
type Station struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	broadcaster Peer
	listeners   map[string]Peer

	// Current stream instance
	instance  string
	initChunk *protocol.ChunkMessage
	backlog   *ringBuffer[*protocol.ChunkMessage]
	lastSeq   uint64
	hasSeq    bool

	// Statistics
	chunksReceived   uint64
	chunksDelivered  uint64
	deliveryFailures uint64
	instances        uint64

	mu sync.RWMutex
}

// StationInfo represents station information for monitoring and APIs
type StationInfo struct {
	ID               string    `json:"id"`
	Live             bool      `json:"live"`
	Instance         string    `json:"instance,omitempty"`
	LastSequence     *uint64   `json:"last_sequence,omitempty"`
	Listeners        int       `json:"listeners"`
	Backlog          int       `json:"backlog"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	ChunksReceived   uint64    `json:"chunks_received"`
	ChunksDelivered  uint64    `json:"chunks_delivered"`
	DeliveryFailures uint64    `json:"delivery_failures"`
	Instances        uint64    `json:"instances"`
}

// HubStats represents aggregate relay statistics
type HubStats struct {
	Stations         int    `json:"stations"`
	LiveStations     int    `json:"live_stations"`
	Listeners        int    `json:"listeners"`
	ChunksReceived   uint64 `json:"chunks_received"`
	ChunksDelivered  uint64 `json:"chunks_delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`
}

// Hub implements the relay side of the transport: topic joins, ordered
// fan-out of broadcaster chunks to listeners, and catch-up on join.
type Hub struct {
	config   HubConfig
	allowed  map[string]struct{}
	stations map[string]*Station
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewHub creates a relay hub and starts its cleanup routine.
// metrics may be nil.
func NewHub(config HubConfig, logger *slog.Logger, m *metrics.Metrics) (*Hub, error) {
	if config.BacklogSize <= 0 {
		config.BacklogSize = DefaultBacklogSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	allowed := make(map[string]struct{}, len(config.Stations))
	for _, id := range config.Stations {
		if err := protocol.ValidateStationID(id); err != nil {
			return nil, fmt.Errorf("invalid configured station: %w", err)
		}
		allowed[id] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		config:   config,
		allowed:  allowed,
		stations: make(map[string]*Station),
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	// Configured stations are listed even before anyone joins
	now := time.Now()
	for _, id := range config.Stations {
		h.stations[id] = h.newStation(id, now)
	}
	h.updateGauges()

	go h.startCleanupRoutine()

	return h, nil
}

func (h *Hub) newStation(id string, now time.Time) *Station {
	h.metrics.RecordStationCreated()
	return &Station{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		listeners:    make(map[string]Peer),
		backlog:      newRingBuffer[*protocol.ChunkMessage](h.config.BacklogSize),
	}
}

// station returns the station for id, creating it when allowed
func (h *Hub) station(id string, create bool) (*Station, error) {
	h.mu.RLock()
	s, exists := h.stations[id]
	h.mu.RUnlock()
	if exists {
		return s, nil
	}

	if len(h.allowed) > 0 {
		if _, ok := h.allowed[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStation, id)
		}
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, exists = h.stations[id]; exists {
		return s, nil
	}

	s = h.newStation(id, time.Now())
	h.stations[id] = s

	h.logger.Info("Created station", slog.String("station", id))
	return s, nil
}

// Handle dispatches one request frame from peer. The reply, and for listener
// joins the catch-up frames, are delivered to peer before any chunk pushed
// after the join.
func (h *Hub) Handle(peer Peer, frame *protocol.Frame) {
	reply := h.handle(peer, frame)
	if reply == nil {
		return
	}

	if err := peer.Deliver(reply); err != nil {
		h.logger.Warn("Failed to deliver reply",
			slog.String("peer", peer.ID()),
			slog.String("event", frame.Event),
			slog.String("error", err.Error()))
	}
}

func (h *Hub) handle(peer Peer, frame *protocol.Frame) *protocol.Frame {
	switch frame.Event {
	case protocol.EventHeartbeat:
		return &protocol.Frame{Event: protocol.EventHeartbeat, Ref: frame.Ref, Status: protocol.StatusOK}

	case protocol.EventJoin:
		_, _, err := h.join(peer, frame.Topic, frame.Join, func(info *protocol.StreamInfo, catchup []*protocol.Frame) {
			reply := protocol.NewReply(frame, protocol.StatusOK, "")
			reply.Stream = info
			for _, f := range append([]*protocol.Frame{reply}, catchup...) {
				if err := peer.Deliver(f); err != nil {
					h.logger.Warn("Failed to deliver join reply",
						slog.String("peer", peer.ID()),
						slog.String("error", err.Error()))
					return
				}
			}
		})
		if err != nil {
			return protocol.NewReply(frame, protocol.StatusError, err.Error())
		}
		return nil

	case protocol.EventLeave:
		if err := h.Leave(peer, frame.Topic); err != nil {
			return protocol.NewReply(frame, protocol.StatusError, err.Error())
		}
		return protocol.NewReply(frame, protocol.StatusOK, "")

	case protocol.EventAudioChunk:
		if _, err := h.Push(peer, frame.Topic, frame.Chunk); err != nil {
			return protocol.NewReply(frame, protocol.StatusError, err.Error())
		}
		return protocol.NewReply(frame, protocol.StatusOK, "")

	case protocol.EventListenerCount:
		count, err := h.ListenerCount(frame.Topic)
		if err != nil {
			return protocol.NewReply(frame, protocol.StatusError, err.Error())
		}
		reply := protocol.NewReply(frame, protocol.StatusOK, "")
		reply.Count = &count
		return reply
	}

	return protocol.NewReply(frame, protocol.StatusError, fmt.Sprintf("unsupported event '%s'", frame.Event))
}

// Join subscribes peer to topic. For listener topics it returns the catch-up
// frames to deliver after the join reply: the whole backlog, led by the
// instance's first chunk, or only newer chunks when resuming the current instance.
func (h *Hub) Join(peer Peer, topic string, params *protocol.JoinParams) (*protocol.StreamInfo, []*protocol.Frame, error) {
	return h.join(peer, topic, params, nil)
}

// join runs onJoined, if set, while the station is locked so that nothing can
// be pushed between the join and the catch-up
func (h *Hub) join(peer Peer, topic string, params *protocol.JoinParams,
	onJoined func(*protocol.StreamInfo, []*protocol.Frame)) (*protocol.StreamInfo, []*protocol.Frame, error) {
	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return nil, nil, err
	}

	s, err := h.station(t.Station, true)
	if err != nil {
		return nil, nil, err
	}

	var catchup []*protocol.Frame

	s.mu.Lock()
	s.LastActivity = time.Now()

	switch t.Role {
	case protocol.RoleBroadcaster:
		if s.broadcaster != nil && s.broadcaster.ID() != peer.ID() {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrStationBusy, s.ID)
		}
		s.broadcaster = peer

		h.logger.Info("Broadcaster joined",
			slog.String("station", s.ID),
			slog.String("peer", peer.ID()))

	case protocol.RoleListener:
		s.listeners[peer.ID()] = peer
		catchup = s.catchupFrames(params)

		h.logger.Info("Listener joined",
			slog.String("station", s.ID),
			slog.String("peer", peer.ID()),
			slog.Int("listeners", len(s.listeners)),
			slog.Int("catchup", len(catchup)))
	}

	info := s.streamInfo()
	if onJoined != nil {
		onJoined(info, catchup)
	}
	s.mu.Unlock()

	h.metrics.RecordCatchup(len(catchup))
	h.updateGauges()

	return info, catchup, nil
}

// catchupFrames must be called with s.mu held
func (s *Station) catchupFrames(params *protocol.JoinParams) []*protocol.Frame {
	backlog := s.backlog.Snapshot()
	topic := protocol.ListenerTopic(s.ID)

	resuming := params != nil && params.ResumeAfter != nil &&
		params.Instance != "" && params.Instance == s.instance

	chunks := make([]*protocol.ChunkMessage, 0, len(backlog)+1)
	if resuming {
		for _, msg := range backlog {
			if *msg.Sequence > *params.ResumeAfter {
				chunks = append(chunks, msg)
			}
		}
	} else {
		// New listeners need the stream header carried by sequence 0
		if s.initChunk != nil && (len(backlog) == 0 || *backlog[0].Sequence != 0) {
			chunks = append(chunks, s.initChunk)
		}
		chunks = append(chunks, backlog...)
	}

	frames := make([]*protocol.Frame, len(chunks))
	for i, msg := range chunks {
		frames[i] = &protocol.Frame{Topic: topic, Event: protocol.EventAudio, Chunk: msg}
	}
	return frames
}

// streamInfo must be called with s.mu held
func (s *Station) streamInfo() *protocol.StreamInfo {
	info := &protocol.StreamInfo{
		Station:   s.ID,
		Instance:  s.instance,
		Listeners: len(s.listeners),
		Live:      s.broadcaster != nil,
	}
	if s.hasSeq {
		last := s.lastSeq
		info.LastSequence = &last
	}
	return info
}

// Leave unsubscribes peer from topic
func (h *Hub) Leave(peer Peer, topic string) error {
	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return err
	}

	s, err := h.station(t.Station, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	left := s.removePeer(peer, t.Role)
	s.LastActivity = time.Now()
	s.mu.Unlock()

	if !left {
		return fmt.Errorf("%w: %s", ErrNotJoined, topic)
	}

	h.logger.Info("Peer left",
		slog.String("topic", topic),
		slog.String("peer", peer.ID()))
	h.updateGauges()

	return nil
}

// removePeer must be called with s.mu held
func (s *Station) removePeer(peer Peer, role string) bool {
	switch role {
	case protocol.RoleBroadcaster:
		if s.broadcaster != nil && s.broadcaster.ID() == peer.ID() {
			s.broadcaster = nil
			return true
		}
	case protocol.RoleListener:
		if _, ok := s.listeners[peer.ID()]; ok {
			delete(s.listeners, peer.ID())
			return true
		}
	}
	return false
}

// RemovePeer drops peer from every station, e.g. when its connection closes
func (h *Hub) RemovePeer(peer Peer) {
	h.mu.RLock()
	stations := make([]*Station, 0, len(h.stations))
	for _, s := range h.stations {
		stations = append(stations, s)
	}
	h.mu.RUnlock()

	for _, s := range stations {
		s.mu.Lock()
		wasBroadcaster := s.removePeer(peer, protocol.RoleBroadcaster)
		wasListener := s.removePeer(peer, protocol.RoleListener)
		if wasBroadcaster || wasListener {
			s.LastActivity = time.Now()
		}
		s.mu.Unlock()

		if wasBroadcaster {
			h.logger.Info("Broadcaster disconnected",
				slog.String("station", s.ID),
				slog.String("peer", peer.ID()))
		}
	}

	h.updateGauges()
}

// Push accepts a chunk from the station's broadcaster and fans it out to
// every listener in order. A chunk without a sequence is numbered after the
// last one. Sequence 0 starts a new stream instance. Returns the sequence used.
func (h *Hub) Push(peer Peer, topic string, chunk *protocol.ChunkMessage) (uint64, error) {
	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return 0, err
	}
	if t.Role != protocol.RoleBroadcaster {
		return 0, fmt.Errorf("%w: audio must be pushed to a broadcaster topic", protocol.ErrInvalidTopic)
	}
	if chunk == nil || len(chunk.Data) == 0 {
		return 0, fmt.Errorf("%w: empty chunk", protocol.ErrInvalidFrame)
	}

	s, err := h.station(t.Station, false)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broadcaster == nil || s.broadcaster.ID() != peer.ID() {
		return 0, fmt.Errorf("%w: %s", ErrNotJoined, topic)
	}

	var seq uint64
	switch {
	case chunk.HasSequence():
		seq = *chunk.Sequence
	case s.hasSeq:
		seq = s.lastSeq + 1
	}
	msg := protocol.NewChunkMessage(seq, chunk.Data)

	if seq == 0 {
		s.instance = uuid.NewString()
		s.initChunk = msg
		s.backlog.Reset()
		s.hasSeq = false
		s.instances++
		h.metrics.RecordStreamInstance()

		h.logger.Info("New stream instance",
			slog.String("station", s.ID),
			slog.String("instance", s.instance))
	} else if s.instance == "" {
		// Broadcaster continued an instance this relay never saw start
		s.instance = uuid.NewString()
		s.instances++
	}

	s.backlog.Push(msg)
	if !s.hasSeq || seq > s.lastSeq {
		s.lastSeq = seq
		s.hasSeq = true
	}
	s.chunksReceived++
	s.LastActivity = time.Now()

	frame := &protocol.Frame{Topic: protocol.ListenerTopic(s.ID), Event: protocol.EventAudio, Chunk: msg}

	var delivered, failed int
	for _, listener := range s.listeners {
		if err := listener.Deliver(frame); err != nil {
			failed++
			h.logger.Debug("Failed to deliver chunk",
				slog.String("station", s.ID),
				slog.String("peer", listener.ID()),
				slog.Uint64("sequence", seq),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	s.chunksDelivered += uint64(delivered)
	s.deliveryFailures += uint64(failed)

	h.metrics.RecordChunkRelayed(len(msg.Data), delivered, failed)

	return seq, nil
}

// ListenerCount returns the number of listeners of the station named by
// topic, which may use either role.
func (h *Hub) ListenerCount(topic string) (int, error) {
	t, err := protocol.ParseTopic(topic)
	if err != nil {
		return 0, err
	}

	s, err := h.station(t.Station, false)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners), nil
}

// GetStationInfo returns information about one station
func (h *Hub) GetStationInfo(id string) (StationInfo, bool) {
	h.mu.RLock()
	s, exists := h.stations[id]
	h.mu.RUnlock()

	if !exists {
		return StationInfo{}, false
	}
	return s.info(), true
}

// GetAllStations returns a snapshot of all stations sorted by id
func (h *Hub) GetAllStations() []StationInfo {
	h.mu.RLock()
	stations := make([]*Station, 0, len(h.stations))
	for _, s := range h.stations {
		stations = append(stations, s)
	}
	h.mu.RUnlock()

	infos := make([]StationInfo, 0, len(stations))
	for _, s := range stations {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

func (s *Station) info() StationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := StationInfo{
		ID:               s.ID,
		Live:             s.broadcaster != nil,
		Instance:         s.instance,
		Listeners:        len(s.listeners),
		Backlog:          s.backlog.Len(),
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		ChunksReceived:   s.chunksReceived,
		ChunksDelivered:  s.chunksDelivered,
		DeliveryFailures: s.deliveryFailures,
		Instances:        s.instances,
	}
	if s.hasSeq {
		last := s.lastSeq
		info.LastSequence = &last
	}
	return info
}

// GetStats returns aggregate relay statistics
func (h *Hub) GetStats() HubStats {
	var stats HubStats
	for _, info := range h.GetAllStations() {
		stats.Stations++
		if info.Live {
			stats.LiveStations++
		}
		stats.Listeners += info.Listeners
		stats.ChunksReceived += info.ChunksReceived
		stats.ChunksDelivered += info.ChunksDelivered
		stats.DeliveryFailures += info.DeliveryFailures
	}
	return stats
}

func (h *Hub) updateGauges() {
	if h.metrics == nil {
		return
	}
	stats := h.GetStats()
	h.metrics.SetActiveStations(stats.Stations)
	h.metrics.SetActiveListeners(stats.Listeners)
}

// Stop stops the cleanup routine
func (h *Hub) Stop() {
	h.logger.Info("Stopping relay hub...")

	h.cancel()
	<-h.cleanup

	stats := h.GetStats()
	h.logger.Info("Relay hub stopped",
		slog.Int("stations", stats.Stations),
		slog.Uint64("chunks_received", stats.ChunksReceived),
		slog.Uint64("chunks_delivered", stats.ChunksDelivered))
}

// startCleanupRoutine runs in a separate goroutine to remove idle stations
func (h *Hub) startCleanupRoutine() {
	defer close(h.cleanup)

	ticker := time.NewTicker(h.config.CleanupInterval)
	defer ticker.Stop()

	h.logger.Info("Station cleanup routine started",
		slog.Duration("idle_timeout", h.config.IdleTimeout),
		slog.Duration("check_interval", h.config.CleanupInterval))

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("Station cleanup routine stopping")
			return

		case <-ticker.C:
			h.cleanupIdleStations(time.Now())
		}
	}
}

// cleanupIdleStations removes stations nobody is connected to that have been
// inactive for longer than the idle timeout. Configured stations are kept.
func (h *Hub) cleanupIdleStations(now time.Time) int {
	h.mu.Lock()
	var removed []string
	for id, s := range h.stations {
		if _, configured := h.allowed[id]; configured {
			continue
		}

		s.mu.RLock()
		idle := s.broadcaster == nil && len(s.listeners) == 0 &&
			now.Sub(s.LastActivity) > h.config.IdleTimeout
		created := s.CreatedAt
		s.mu.RUnlock()

		if idle {
			delete(h.stations, id)
			removed = append(removed, id)
			h.metrics.RecordStationRemoved(now.Sub(created).Seconds())
		}
	}
	h.mu.Unlock()

	if len(removed) > 0 {
		slices.Sort(removed)
		h.logger.Info("Removed idle stations",
			slog.Int("count", len(removed)),
			slog.Any("stations", removed))
		h.updateGauges()
	}

	return len(removed)
}
