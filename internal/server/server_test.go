package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
)

const waitFor = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testRelay struct {
	hub    *stream.Hub
	socket *SocketServer
	server *httptest.Server
}

func newTestRelay(t *testing.T, socketConfig SocketConfig) *testRelay {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	hub, err := stream.NewHub(stream.HubConfig{BacklogSize: 4}, testLogger(), m)
	require.NoError(t, err)

	socket := NewSocketServer(socketConfig, hub, testLogger(), m)
	h := NewHTTPServer(config.Default(), testLogger(), hub, socket, m, reg)
	server := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		socket.Stop()
		server.Close()
		hub.Stop()
	})
	return &testRelay{hub: hub, socket: socket, server: server}
}

func (r *testRelay) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(r.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// wsClient is a raw protocol client speaking to /socket
type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
}

func (r *testRelay) dial(t *testing.T, codec protocol.Codec) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/socket?codec=" + codec.Name()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsClient{t: t, conn: conn, codec: codec}
}

func (c *wsClient) send(frame *protocol.Frame) {
	c.t.Helper()

	data, err := c.codec.Marshal(frame)
	require.NoError(c.t, err)

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	require.NoError(c.t, c.conn.WriteMessage(messageType, data))
}

func (c *wsClient) read() *protocol.Frame {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var frame protocol.Frame
	require.NoError(c.t, c.codec.Unmarshal(data, &frame))
	return &frame
}

func (c *wsClient) request(frame *protocol.Frame) *protocol.Frame {
	c.t.Helper()

	c.send(frame)
	reply := c.read()
	require.Equal(c.t, frame.Ref, reply.Ref)
	return reply
}

type testPeer struct{ id string }

func (p testPeer) ID() string                    { return p.id }
func (p testPeer) Deliver(*protocol.Frame) error { return nil }

func TestStationsEndpoint(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})

	_, _, err := relay.hub.Join(testPeer{"dj"}, protocol.BroadcasterTopic("jazz"), nil)
	require.NoError(t, err)
	_, _, err = relay.hub.Join(testPeer{"ear"}, protocol.ListenerTopic("talk"), nil)
	require.NoError(t, err)

	resp, body := relay.get(t, "/api/stations")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var list StationList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 2, list.TotalStations)
	assert.Equal(t, "jazz", list.Stations[0].ID)
	assert.True(t, list.Stations[0].Live)
	assert.Equal(t, 1, list.Stations[1].Listeners)

	_, body = relay.get(t, "/api/stations?live=true")
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.TotalStations)
	assert.Equal(t, "jazz", list.Stations[0].ID)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "known station", path: "/api/stations/jazz", status: http.StatusOK},
		{name: "unknown station", path: "/api/stations/rock", status: http.StatusNotFound},
		{name: "invalid station id", path: "/api/stations/a:b", status: http.StatusBadRequest},
		{name: "missing station id", path: "/api/stations/", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := relay.get(t, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})

	tests := []struct {
		path   string
		status int
		keys   []string
	}{
		{path: "/health", status: http.StatusOK, keys: []string{"status", "components", "uptime"}},
		{path: "/stats", status: http.StatusOK, keys: []string{"socket", "hub"}},
		{path: "/config", status: http.StatusOK, keys: []string{"relay", "http", "logging"}},
		{path: "/", status: http.StatusOK, keys: []string{"service", "endpoints"}},
		{path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := relay.get(t, tt.path)
			require.Equal(t, tt.status, resp.StatusCode)
			if len(tt.keys) == 0 {
				return
			}

			var doc map[string]any
			require.NoError(t, json.Unmarshal(body, &doc))
			for _, key := range tt.keys {
				assert.Contains(t, doc, key)
			}
		})
	}

	resp, err := http.Post(relay.server.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	_, body := relay.get(t, "/metrics")
	assert.Contains(t, string(body), `otp_http_requests_total{endpoint="/health",method="GET",status_code="200"} 1`)
	assert.Contains(t, string(body), "otp_http_errors_total")
}

func TestSocketRelaysChunks(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})

	producer := relay.dial(t, protocol.JSON)
	reply := producer.request(&protocol.Frame{Topic: protocol.BroadcasterTopic("jazz"), Event: protocol.EventJoin, Ref: "1"})
	require.True(t, reply.OK(), reply.Reason)

	consumer := relay.dial(t, protocol.MsgPack)
	reply = consumer.request(&protocol.Frame{Topic: protocol.ListenerTopic("jazz"), Event: protocol.EventJoin, Ref: "a"})
	require.True(t, reply.OK(), reply.Reason)
	require.NotNil(t, reply.Stream)
	assert.True(t, reply.Stream.Live)

	for seq := uint64(0); seq < 3; seq++ {
		reply = producer.request(&protocol.Frame{
			Topic: protocol.BroadcasterTopic("jazz"),
			Event: protocol.EventAudioChunk,
			Ref:   "chunk",
			Chunk: protocol.NewChunkMessage(seq, []byte{byte(seq), 0xff}),
		})
		require.True(t, reply.OK(), reply.Reason)
	}

	for seq := uint64(0); seq < 3; seq++ {
		frame := consumer.read()
		assert.Equal(t, protocol.EventAudio, frame.Event)
		assert.Equal(t, protocol.ListenerTopic("jazz"), frame.Topic)
		require.True(t, frame.Chunk.HasSequence())
		assert.Equal(t, seq, *frame.Chunk.Sequence)
		assert.Equal(t, []byte{byte(seq), 0xff}, frame.Chunk.Data)
	}

	reply = producer.request(&protocol.Frame{Topic: protocol.BroadcasterTopic("jazz"), Event: protocol.EventListenerCount, Ref: "n"})
	require.NotNil(t, reply.Count)
	assert.Equal(t, 1, *reply.Count)

	reply = consumer.request(&protocol.Frame{Event: protocol.EventHeartbeat, Ref: "hb"})
	assert.Equal(t, protocol.StatusOK, reply.Status)

	stats := relay.socket.GetStatistics()
	assert.Equal(t, uint64(2), stats.ActiveConnections)
	assert.Zero(t, stats.FrameErrors)
}

func TestSocketRejectsBadFrames(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})
	c := relay.dial(t, protocol.JSON)

	// Structurally invalid but answerable
	reply := c.request(&protocol.Frame{Topic: "nowhere", Event: protocol.EventJoin, Ref: "1"})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Contains(t, reply.Reason, "invalid frame")

	// Undecodable and binary-on-text frames are dropped without a reply
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))

	reply = c.request(&protocol.Frame{Event: protocol.EventHeartbeat, Ref: "2"})
	assert.Equal(t, protocol.StatusOK, reply.Status)

	assert.Equal(t, uint64(3), relay.socket.GetStatistics().FrameErrors)
}

func TestSocketUnknownCodec(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})

	resp, _ := relay.get(t, "/socket?codec=xml")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSocketCloseLeavesStations(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})

	c := relay.dial(t, protocol.JSON)
	reply := c.request(&protocol.Frame{Topic: protocol.BroadcasterTopic("jazz"), Event: protocol.EventJoin, Ref: "1"})
	require.True(t, reply.OK())

	info, ok := relay.hub.GetStationInfo("jazz")
	require.True(t, ok)
	require.True(t, info.Live)

	c.conn.Close()

	require.Eventually(t, func() bool {
		info, _ := relay.hub.GetStationInfo("jazz")
		return !info.Live && relay.socket.GetStatistics().ActiveConnections == 0
	}, waitFor, 5*time.Millisecond)
}

func TestSocketSlowClientLosesFrames(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{SendQueueSize: 1})
	c := relay.dial(t, protocol.JSON)

	client := &client{
		id:     "slow",
		server: relay.socket,
		send:   make(chan *protocol.Frame, 1),
		done:   make(chan struct{}),
	}
	frame := &protocol.Frame{Event: protocol.EventHeartbeat}
	require.NoError(t, client.Deliver(frame))
	assert.ErrorIs(t, client.Deliver(frame), errSendQueueFull)
	assert.Equal(t, uint64(1), relay.socket.GetStatistics().FramesDropped)

	close(client.done)
	assert.ErrorIs(t, client.Deliver(frame), errClientClosed)

	// Real connections are unaffected
	reply := c.request(&protocol.Frame{Event: protocol.EventHeartbeat, Ref: "1"})
	assert.Equal(t, protocol.StatusOK, reply.Status)
}

func TestSocketStopClosesClients(t *testing.T) {
	relay := newTestRelay(t, SocketConfig{})
	c := relay.dial(t, protocol.JSON)

	reply := c.request(&protocol.Frame{Event: protocol.EventHeartbeat, Ref: "1"})
	require.Equal(t, protocol.StatusOK, reply.Status)

	relay.socket.Stop()

	c.conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	resp, _ := relay.get(t, "/socket")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
