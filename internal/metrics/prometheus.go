package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the radio relay and its clients.
// All Record helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Relay connection metrics
	ActiveConnections prometheus.Gauge
	FramesReceived    prometheus.Counter
	FrameErrors       *prometheus.CounterVec

	// Station metrics
	ActiveStations   prometheus.Gauge
	StationsCreated  prometheus.Counter
	StationsRemoved  prometheus.Counter
	ActiveListeners  prometheus.Gauge
	StreamInstances  prometheus.Counter
	StationLifetime  prometheus.Histogram

	// Relay chunk metrics
	ChunksRelayed    prometheus.Counter
	ChunksDelivered  prometheus.Counter
	DeliveryFailures prometheus.Counter
	CatchupChunks    prometheus.Counter
	ChunkSize        prometheus.Histogram

	// Broadcaster metrics
	ChunksCaptured   prometheus.Counter
	ChunksPublished  prometheus.Counter
	SendFailures     prometheus.Counter
	PublishDuration  prometheus.Histogram
	StationListeners prometheus.Gauge

	// Listener metrics
	ChunksReceived   prometheus.Counter
	ChunksPlayed     prometheus.Counter
	ChunksDropped    *prometheus.CounterVec
	MissingSequences prometheus.Counter
	StreamRestarts   prometheus.Counter
	Reconnects       prometheus.Counter
	PipelineRebuilds prometheus.Counter
	Underruns        prometheus.Counter
	PlaybackLatency  prometheus.Gauge
	SessionPhase     *prometheus.GaugeVec

	// Directory client metrics
	DirectoryRequests  prometheus.Counter
	DirectoryFailures  prometheus.Counter
	DirectoryRetries   prometheus.Counter
	DirectoryDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Relay connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otp_active_connections",
			Help: "Current number of relay client connections",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_frames_received_total",
			Help: "Total number of frames received by the relay",
		}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_frame_errors_total",
			Help: "Total number of frames rejected by the relay",
		}, []string{"reason"}),

		// Station metrics
		ActiveStations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otp_active_stations",
			Help: "Current number of stations known to the relay",
		}),
		StationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_stations_created_total",
			Help: "Total number of stations created",
		}),
		StationsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_stations_removed_total",
			Help: "Total number of idle stations removed",
		}),
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otp_active_listeners",
			Help: "Current number of listeners across all stations",
		}),
		StreamInstances: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_stream_instances_total",
			Help: "Total number of stream instances started",
		}),
		StationLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otp_station_lifetime_seconds",
			Help:    "Lifetime of stations removed by the cleanup routine",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),

		// Relay chunk metrics
		ChunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_chunks_relayed_total",
			Help: "Total number of chunks accepted from broadcasters",
		}),
		ChunksDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_chunks_delivered_total",
			Help: "Total number of chunks delivered to listeners",
		}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_delivery_failures_total",
			Help: "Total number of chunks that could not be queued for a listener",
		}),
		CatchupChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_catchup_chunks_total",
			Help: "Total number of backlog chunks replayed to joining listeners",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otp_chunk_size_bytes",
			Help:    "Size of relayed chunk payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10), // 256B to ~128KB
		}),

		// Broadcaster metrics
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_broadcast_chunks_captured_total",
			Help: "Total number of chunks produced by the segmenter",
		}),
		ChunksPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_broadcast_chunks_published_total",
			Help: "Total number of chunks acknowledged by the transport",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_broadcast_send_failures_total",
			Help: "Total number of chunks rejected or dropped before sending",
		}),
		PublishDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otp_broadcast_publish_duration_seconds",
			Help:    "Time from publish to transport acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		StationListeners: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otp_broadcast_listeners",
			Help: "Listener count last reported to the broadcaster",
		}),

		// Listener metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_chunks_received_total",
			Help: "Total number of chunks received by listeners",
		}),
		ChunksPlayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_chunks_played_total",
			Help: "Total number of chunks decoded and played",
		}),
		ChunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_listen_chunks_dropped_total",
			Help: "Total number of chunks dropped by listeners",
		}, []string{"reason"}),
		MissingSequences: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_missing_sequences_total",
			Help: "Total number of sequence numbers skipped by the stream",
		}),
		StreamRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_stream_restarts_total",
			Help: "Total number of stream restarts detected",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_reconnects_total",
			Help: "Total number of transport reconnects",
		}),
		PipelineRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_pipeline_rebuilds_total",
			Help: "Total number of playback pipeline rebuilds",
		}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_listen_underruns_total",
			Help: "Total number of playback underruns",
		}),
		PlaybackLatency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "otp_listen_latency_seconds",
			Help: "Estimated audio buffered ahead of playback",
		}),
		SessionPhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otp_session_phase",
			Help: "Current session phase, 1 for the active phase",
		}, []string{"role", "phase"}),

		// Directory client metrics
		DirectoryRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_directory_requests_total",
			Help: "Total number of station directory requests",
		}),
		DirectoryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_directory_failures_total",
			Help: "Total number of failed station directory requests",
		}),
		DirectoryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_directory_retries_total",
			Help: "Total number of station directory request retries",
		}),
		DirectoryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "otp_directory_duration_seconds",
			Help:    "Duration of station directory requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otp_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveConnections sets the current number of relay connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordFrameError increments the frame errors counter for reason
func (m *Metrics) RecordFrameError(reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// SetActiveStations sets the current number of stations
func (m *Metrics) SetActiveStations(count int) {
	if m == nil {
		return
	}
	m.ActiveStations.Set(float64(count))
}

// RecordStationCreated increments the stations created counter
func (m *Metrics) RecordStationCreated() {
	if m == nil {
		return
	}
	m.StationsCreated.Inc()
}

// RecordStationRemoved increments the stations removed counter and records lifetime
func (m *Metrics) RecordStationRemoved(lifetimeSeconds float64) {
	if m == nil {
		return
	}
	m.StationsRemoved.Inc()
	m.StationLifetime.Observe(lifetimeSeconds)
}

// SetActiveListeners sets the current number of listeners
func (m *Metrics) SetActiveListeners(count int) {
	if m == nil {
		return
	}
	m.ActiveListeners.Set(float64(count))
}

// RecordStreamInstance increments the stream instances counter
func (m *Metrics) RecordStreamInstance() {
	if m == nil {
		return
	}
	m.StreamInstances.Inc()
}

// RecordChunkRelayed records a chunk accepted from a broadcaster and its fan-out
func (m *Metrics) RecordChunkRelayed(sizeBytes, delivered, failed int) {
	if m == nil {
		return
	}
	m.ChunksRelayed.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
	m.ChunksDelivered.Add(float64(delivered))
	m.DeliveryFailures.Add(float64(failed))
}

// RecordCatchup records backlog chunks replayed to a joining listener
func (m *Metrics) RecordCatchup(chunks int) {
	if m == nil {
		return
	}
	m.CatchupChunks.Add(float64(chunks))
}

// RecordChunkCaptured increments the captured chunks counter
func (m *Metrics) RecordChunkCaptured() {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
}

// RecordChunkPublished records an acknowledged chunk
func (m *Metrics) RecordChunkPublished(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksPublished.Inc()
	m.PublishDuration.Observe(durationSeconds)
}

// RecordSendFailure increments the send failures counter
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// SetStationListeners sets the listener count seen by the broadcaster
func (m *Metrics) SetStationListeners(count int) {
	if m == nil {
		return
	}
	m.StationListeners.Set(float64(count))
}

// RecordChunkReceived increments the received chunks counter
func (m *Metrics) RecordChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// RecordChunkPlayed increments the played chunks counter
func (m *Metrics) RecordChunkPlayed() {
	if m == nil {
		return
	}
	m.ChunksPlayed.Inc()
}

// RecordChunksDropped adds n dropped chunks for reason (stale, evicted, corrupt)
func (m *Metrics) RecordChunksDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordMissingSequences adds n skipped sequences
func (m *Metrics) RecordMissingSequences(n uint64) {
	if m == nil {
		return
	}
	m.MissingSequences.Add(float64(n))
}

// RecordStreamRestart increments the stream restarts counter
func (m *Metrics) RecordStreamRestart() {
	if m == nil {
		return
	}
	m.StreamRestarts.Inc()
}

// RecordReconnect increments the reconnects counter
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordPipelineRebuild increments the pipeline rebuilds counter
func (m *Metrics) RecordPipelineRebuild() {
	if m == nil {
		return
	}
	m.PipelineRebuilds.Inc()
}

// RecordUnderruns adds n playback underruns
func (m *Metrics) RecordUnderruns(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.Underruns.Add(float64(n))
}

// SetPlaybackLatency sets the estimated playback latency
func (m *Metrics) SetPlaybackLatency(seconds float64) {
	if m == nil {
		return
	}
	m.PlaybackLatency.Set(seconds)
}

// SetSessionPhase marks phase as the active phase for role
func (m *Metrics) SetSessionPhase(role string, phases []string, phase string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.SessionPhase.WithLabelValues(role, p).Set(value)
	}
}

// RecordDirectoryRequest increments the directory requests counter
func (m *Metrics) RecordDirectoryRequest() {
	if m == nil {
		return
	}
	m.DirectoryRequests.Inc()
}

// RecordDirectoryResult records the outcome and duration of a directory request
func (m *Metrics) RecordDirectoryResult(success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	if !success {
		m.DirectoryFailures.Inc()
	}
	m.DirectoryDuration.Observe(durationSeconds)
}

// RecordDirectoryRetry increments the directory retries counter
func (m *Metrics) RecordDirectoryRetry() {
	if m == nil {
		return
	}
	m.DirectoryRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
