package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	HTTP      HTTPConfig      `yaml:"http"`
	Transport TransportConfig `yaml:"transport"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Listen    ListenConfig    `yaml:"listen"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RelayConfig contains relay hub configuration
type RelayConfig struct {
	Stations        []string `yaml:"stations"` // empty allows any station id
	BacklogSize     int      `yaml:"backlog_size"`
	IdleTimeout     int      `yaml:"idle_timeout"`     // seconds
	CleanupInterval int      `yaml:"cleanup_interval"` // seconds
	SendQueueSize   int      `yaml:"send_queue_size"`
	MaxMessageSize  int      `yaml:"max_message_size"` // bytes
	PingInterval    int      `yaml:"ping_interval"`    // seconds
}

// HTTPConfig contains the relay's HTTP listener configuration.
// The WebSocket endpoint and the monitoring API share it.
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// TransportConfig contains client-side transport configuration
type TransportConfig struct {
	Backend              string  `yaml:"backend"` // websocket or redis
	URL                  string  `yaml:"url"`
	Codec                string  `yaml:"codec"`           // json or msgpack
	RequestTimeout       float64 `yaml:"request_timeout"` // seconds
	ReconnectInterval    float64 `yaml:"reconnect_interval"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    float64 `yaml:"heartbeat_interval"`
	RedisPrefix          string  `yaml:"redis_prefix"`
	RedisBacklog         int     `yaml:"redis_backlog"`
}

// BroadcastConfig contains producer configuration
type BroadcastConfig struct {
	Station               string  `yaml:"station"`
	Source                string  `yaml:"source"` // e.g. tone:440, file:music.wav, stdin:
	Codec                 string  `yaml:"codec"`
	SampleRate            int     `yaml:"sample_rate"`
	Channels              int     `yaml:"channels"`
	BitDepth              int     `yaml:"bit_depth"`
	ChunkDuration         float64 `yaml:"chunk_duration"` // seconds
	QueueSize             int     `yaml:"queue_size"`
	ListenerCountInterval float64 `yaml:"listener_count_interval"` // seconds
}

// ListenConfig contains consumer configuration
type ListenConfig struct {
	Station        string  `yaml:"station"`
	Codec          string  `yaml:"codec"`
	Output         string  `yaml:"output"` // "-" for stdout or a file path
	BufferCapacity int     `yaml:"buffer_capacity"`
	StartBuffer    float64 `yaml:"start_buffer"` // seconds
	StatsInterval  float64 `yaml:"stats_interval"`
	Paced          bool    `yaml:"paced"`
	DirectoryURL   string  `yaml:"directory_url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for fields a file leaves out
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			BacklogSize:     16,
			IdleTimeout:     300,
			CleanupInterval: 30,
			SendQueueSize:   256,
			MaxMessageSize:  1 << 20,
			PingInterval:    20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
		},
		Transport: TransportConfig{
			Backend:              "websocket",
			URL:                  "ws://127.0.0.1:8080/socket",
			Codec:                "msgpack",
			RequestTimeout:       5,
			ReconnectInterval:    2,
			MaxReconnectAttempts: 0,
			HeartbeatInterval:    15,
			RedisPrefix:          "otp",
			RedisBacklog:         16,
		},
		Broadcast: BroadcastConfig{
			Source:                "tone:440",
			Codec:                 "wav",
			SampleRate:            16000,
			Channels:              1,
			BitDepth:              16,
			ChunkDuration:         0.25,
			QueueSize:             8,
			ListenerCountInterval: 2,
		},
		Listen: ListenConfig{
			Codec:          "wav",
			Output:         "-",
			BufferCapacity: 30,
			StartBuffer:    0.2,
			StatsInterval:  0.5,
			Paced:          true,
			DirectoryURL:   "http://127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration.
// Station ids are checked by the commands that need them.
func (c *Config) Validate() error {
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.Listen.Validate(); err != nil {
		return fmt.Errorf("listen config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.BacklogSize < 1 {
		return fmt.Errorf("backlog_size must be at least 1, got %d", r.BacklogSize)
	}

	if r.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", r.IdleTimeout)
	}

	if r.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", r.CleanupInterval)
	}

	if r.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1, got %d", r.SendQueueSize)
	}

	if r.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", r.MaxMessageSize)
	}

	if r.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", r.PingInterval)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid url '%s': %w", t.URL, err)
	}

	switch t.Backend {
	case "websocket":
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("websocket url must use ws or wss, got '%s'", t.URL)
		}
	case "redis":
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis url must use redis or rediss, got '%s'", t.URL)
		}
		if t.RedisPrefix == "" {
			return fmt.Errorf("redis_prefix cannot be empty")
		}
		if t.RedisBacklog < 1 {
			return fmt.Errorf("redis_backlog must be at least 1, got %d", t.RedisBacklog)
		}
	default:
		return fmt.Errorf("backend must be 'websocket' or 'redis', got '%s'", t.Backend)
	}

	validCodecs := map[string]bool{"json": true, "msgpack": true}
	if !validCodecs[t.Codec] {
		return fmt.Errorf("codec must be 'json' or 'msgpack', got '%s'", t.Codec)
	}

	if t.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %f", t.RequestTimeout)
	}

	if t.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be positive, got %f", t.ReconnectInterval)
	}

	if t.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts cannot be negative, got %d", t.MaxReconnectAttempts)
	}

	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %f", t.HeartbeatInterval)
	}

	return nil
}

// Validate validates broadcast configuration
func (b *BroadcastConfig) Validate() error {
	if b.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}

	if b.Codec == "" {
		return fmt.Errorf("codec cannot be empty")
	}

	if b.SampleRate < 8000 || b.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", b.SampleRate)
	}

	if b.Channels < 1 || b.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", b.Channels)
	}

	if b.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", b.BitDepth)
	}

	if b.ChunkDuration <= 0 || b.ChunkDuration > 5 {
		return fmt.Errorf("chunk_duration must be in (0, 5] seconds, got %f", b.ChunkDuration)
	}

	if b.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", b.QueueSize)
	}

	if b.ListenerCountInterval <= 0 {
		return fmt.Errorf("listener_count_interval must be positive, got %f", b.ListenerCountInterval)
	}

	return nil
}

// Validate validates listen configuration
func (l *ListenConfig) Validate() error {
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	if l.BufferCapacity < 1 {
		return fmt.Errorf("buffer_capacity must be at least 1, got %d", l.BufferCapacity)
	}

	if l.StartBuffer < 0 {
		return fmt.Errorf("start_buffer cannot be negative, got %f", l.StartBuffer)
	}

	if l.StatsInterval <= 0 {
		return fmt.Errorf("stats_interval must be positive, got %f", l.StatsInterval)
	}

	if l.DirectoryURL != "" {
		u, err := url.Parse(l.DirectoryURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("directory_url must be an http or https url, got '%s'", l.DirectoryURL)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// GetIdleTimeoutDuration returns the station idle timeout as a time.Duration
func (r *RelayConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (r *RelayConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// GetPingIntervalDuration returns the WebSocket ping interval as a time.Duration
func (r *RelayConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(r.PingInterval) * time.Second
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// GetRequestTimeoutDuration returns the request timeout as a time.Duration
func (t *TransportConfig) GetRequestTimeoutDuration() time.Duration {
	return seconds(t.RequestTimeout)
}

// GetReconnectIntervalDuration returns the reconnect interval as a time.Duration
func (t *TransportConfig) GetReconnectIntervalDuration() time.Duration {
	return seconds(t.ReconnectInterval)
}

// GetHeartbeatIntervalDuration returns the heartbeat interval as a time.Duration
func (t *TransportConfig) GetHeartbeatIntervalDuration() time.Duration {
	return seconds(t.HeartbeatInterval)
}

// GetChunkDuration returns the chunk duration as a time.Duration
func (b *BroadcastConfig) GetChunkDuration() time.Duration {
	return seconds(b.ChunkDuration)
}

// GetListenerCountInterval returns the listener count poll interval as a time.Duration
func (b *BroadcastConfig) GetListenerCountInterval() time.Duration {
	return seconds(b.ListenerCountInterval)
}

// GetStartBufferDuration returns the start buffer as a time.Duration
func (l *ListenConfig) GetStartBufferDuration() time.Duration {
	return seconds(l.StartBuffer)
}

// GetStatsIntervalDuration returns the stats interval as a time.Duration
func (l *ListenConfig) GetStatsIntervalDuration() time.Duration {
	return seconds(l.StatsInterval)
}
