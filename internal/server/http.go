package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/protocol"
	"github.com/acardillo/otp-radio/internal/stream"
)

const (
	serviceName    = "otp-radio"
	serviceVersion = "1.0.0"
)

// StationList is the /api/stations response body
type StationList struct {
	TotalStations int                  `json:"total_stations"`
	Timestamp     time.Time            `json:"timestamp"`
	Stations      []stream.StationInfo `json:"stations"`
}

// HTTPServer serves the relay: the /socket endpoint plus monitoring and
// directory endpoints
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	hub      *stream.Hub
	socket   *SocketServer
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
	listener  net.Listener
}

// NewHTTPServer creates the relay HTTP server. gatherer backs /metrics and
// may be nil for the default registry.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, hub *stream.Hub, socket *SocketServer,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		hub:       hub,
		socket:    socket,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:        appConfig.HTTP.Addr(),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: it would cut off hijacked WebSocket connections
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, e.g. for httptest
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Relay endpoint; counted by frame metrics instead of request metrics
	mux.Handle("/socket", h.socket)

	// Station directory
	mux.HandleFunc("/api/stations", h.withMetrics("/api/stations", h.handleStations))
	mux.HandleFunc("/api/stations/", h.withMetrics("/api/stations/{id}", h.handleStationDetail))

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting relay HTTP server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections are
// not tracked by Shutdown and are closed by the SocketServer.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping relay HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleStations implements the /api/stations endpoint
func (h *HTTPServer) handleStations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stations := h.hub.GetAllStations()
	if r.URL.Query().Get("live") == "true" {
		live := stations[:0]
		for _, s := range stations {
			if s.Live {
				live = append(live, s)
			}
		}
		stations = live
	}

	writeJSON(w, http.StatusOK, StationList{
		TotalStations: len(stations),
		Timestamp:     time.Now().UTC(),
		Stations:      stations,
	})
}

// handleStationDetail implements the /api/stations/{id} endpoint
func (h *HTTPServer) handleStationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/stations/")
	if id == "" {
		http.Error(w, "Station ID required", http.StatusBadRequest)
		return
	}
	if err := protocol.ValidateStationID(id); err != nil {
		http.Error(w, "Invalid station ID", http.StatusBadRequest)
		return
	}

	info, exists := h.hub.GetStationInfo(id)
	if !exists {
		http.Error(w, "Station not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	socketStats := h.socket.GetStatistics()
	hubStats := h.hub.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"socket": map[string]interface{}{
				"status":             "running",
				"active_connections": socketStats.ActiveConnections,
				"frame_errors":       socketStats.FrameErrors,
			},
			"hub": map[string]interface{}{
				"status":        "running",
				"stations":      hubStats.Stations,
				"live_stations": hubStats.LiveStations,
				"listeners":     hubStats.Listeners,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Only the relay-side sections; client settings do not apply here
	relayConfig := map[string]interface{}{
		"relay": map[string]interface{}{
			"stations":         h.config.Relay.Stations,
			"backlog_size":     h.config.Relay.BacklogSize,
			"idle_timeout":     h.config.Relay.IdleTimeout,
			"cleanup_interval": h.config.Relay.CleanupInterval,
			"send_queue_size":  h.config.Relay.SendQueueSize,
			"max_message_size": h.config.Relay.MaxMessageSize,
			"ping_interval":    h.config.Relay.PingInterval,
		},
		"http": map[string]interface{}{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, relayConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"socket":    h.socket.GetStatistics(),
		"hub":       h.hub.GetStats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "OTP Radio Relay",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                  "API documentation",
			"GET /socket":            "Relay WebSocket endpoint (?codec=json|msgpack)",
			"GET /api/stations":      "List stations (?live=true for live ones only)",
			"GET /api/stations/{id}": "Get detailed station information",
			"GET /health":            "Service health check",
			"GET /config":            "Get relay configuration",
			"GET /stats":             "Get relay statistics",
			"GET /metrics":           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
