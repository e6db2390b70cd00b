package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			modify: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			modify:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "zero backlog",
			modify:      func(c *Config) { c.Relay.BacklogSize = 0 },
			expectError: true,
			errorMsg:    "relay config: backlog_size",
		},
		{
			name:        "unknown backend",
			modify:      func(c *Config) { c.Transport.Backend = "carrier-pigeon" },
			expectError: true,
			errorMsg:    "backend must be 'websocket' or 'redis'",
		},
		{
			name:        "websocket backend with redis url",
			modify:      func(c *Config) { c.Transport.URL = "redis://localhost:6379/0" },
			expectError: true,
			errorMsg:    "websocket url must use ws or wss",
		},
		{
			name: "redis backend",
			modify: func(c *Config) {
				c.Transport.Backend = "redis"
				c.Transport.URL = "redis://localhost:6379/0"
			},
		},
		{
			name: "redis backend without prefix",
			modify: func(c *Config) {
				c.Transport.Backend = "redis"
				c.Transport.URL = "redis://localhost:6379/0"
				c.Transport.RedisPrefix = ""
			},
			expectError: true,
			errorMsg:    "redis_prefix cannot be empty",
		},
		{
			name:        "unknown wire codec",
			modify:      func(c *Config) { c.Transport.Codec = "xml" },
			expectError: true,
			errorMsg:    "codec must be 'json' or 'msgpack'",
		},
		{
			name:        "chunk duration too long",
			modify:      func(c *Config) { c.Broadcast.ChunkDuration = 10 },
			expectError: true,
			errorMsg:    "chunk_duration",
		},
		{
			name:        "24 bit capture",
			modify:      func(c *Config) { c.Broadcast.BitDepth = 24 },
			expectError: true,
			errorMsg:    "bit_depth must be 16",
		},
		{
			name:        "negative start buffer",
			modify:      func(c *Config) { c.Listen.StartBuffer = -1 },
			expectError: true,
			errorMsg:    "start_buffer cannot be negative",
		},
		{
			name:        "directory url without scheme",
			modify:      func(c *Config) { c.Listen.DirectoryURL = "localhost:8080" },
			expectError: true,
			errorMsg:    "directory_url",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "logging config: level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "partial file keeps defaults",
			configYAML: `
relay:
  stations: ["jazz", "talk"]
  backlog_size: 32
transport:
  backend: redis
  url: "redis://127.0.0.1:6379/2"
listen:
  station: jazz
  start_buffer: 1.5
logging:
  level: debug
`,
			check: func(t *testing.T, c *Config) {
				if len(c.Relay.Stations) != 2 || c.Relay.BacklogSize != 32 {
					t.Errorf("Relay section not loaded: %+v", c.Relay)
				}
				if c.Relay.PingInterval != Default().Relay.PingInterval {
					t.Errorf("Expected default ping interval, got %d", c.Relay.PingInterval)
				}
				if c.Transport.Backend != "redis" || c.Transport.Codec != "msgpack" {
					t.Errorf("Transport section not merged: %+v", c.Transport)
				}
				if c.Listen.GetStartBufferDuration() != 1500*time.Millisecond {
					t.Errorf("Expected 1.5s start buffer, got %v", c.Listen.GetStartBufferDuration())
				}
				if c.Broadcast.Codec != "wav" {
					t.Errorf("Expected default broadcast codec, got %s", c.Broadcast.Codec)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
relay:
  backlog_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value",
			configYAML: `
http:
  address: ""
`,
			expectError: true,
			errorMsg:    "http address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	relay := RelayConfig{IdleTimeout: 300, CleanupInterval: 30, PingInterval: 20}

	if relay.GetIdleTimeoutDuration() != 5*time.Minute {
		t.Errorf("Expected 5 minutes, got %v", relay.GetIdleTimeoutDuration())
	}

	if relay.GetCleanupIntervalDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", relay.GetCleanupIntervalDuration())
	}

	if relay.GetPingIntervalDuration() != 20*time.Second {
		t.Errorf("Expected 20 seconds, got %v", relay.GetPingIntervalDuration())
	}

	transport := TransportConfig{RequestTimeout: 2.5, ReconnectInterval: 0.5, HeartbeatInterval: 15}

	if transport.GetRequestTimeoutDuration() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", transport.GetRequestTimeoutDuration())
	}

	if transport.GetReconnectIntervalDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", transport.GetReconnectIntervalDuration())
	}

	if transport.GetHeartbeatIntervalDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", transport.GetHeartbeatIntervalDuration())
	}

	broadcast := BroadcastConfig{ChunkDuration: 0.25, ListenerCountInterval: 2}

	if broadcast.GetChunkDuration() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", broadcast.GetChunkDuration())
	}

	if broadcast.GetListenerCountInterval() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", broadcast.GetListenerCountInterval())
	}

	listen := ListenConfig{StatsInterval: 0.5}

	if listen.GetStatsIntervalDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", listen.GetStatsIntervalDuration())
	}

	http := HTTPConfig{Address: "127.0.0.1", Port: 9000}
	if http.Addr() != "127.0.0.1:9000" {
		t.Errorf("Expected 127.0.0.1:9000, got %s", http.Addr())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to file",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/otp-radio.log"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "empty output",
			config: LoggingConfig{Level: "info", Format: "text"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	c, err := Load("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("Shipped config failed to load: %v", err)
	}

	def := Default()
	if c.HTTP.Addr() != def.HTTP.Addr() || c.Listen.StartBuffer != def.Listen.StartBuffer {
		t.Errorf("Shipped config drifted from defaults: %+v", c)
	}
}
