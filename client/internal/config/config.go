package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportWebSocket   = "websocket"
	TransportDataChannel = "datachannel"
)

// Config holds the client configuration
type Config struct {
	Client struct {
		APIBindAddress  string `yaml:"api_bind_address"`
		Debug           bool   `yaml:"debug"`
		LogFormat       string `yaml:"log_format"` // "json" or "console"
		DebugLogPath    string `yaml:"debug_log_path"`
		DebugLogMaxSize int    `yaml:"debug_log_max_size"`
		Speaker         string `yaml:"speaker"`
	} `yaml:"client"`

	Server struct {
		URL        string   `yaml:"url"`      // Streaming base, e.g. ws://localhost:8000
		HTTPURL    string   `yaml:"http_url"` // Scoring base, e.g. http://localhost:8000
		Transport  string   `yaml:"transport"`
		ClientID   string   `yaml:"client_id"`   // Empty = random per run
		ICEServers []string `yaml:"ice_servers"` // DataChannel transport only
	} `yaml:"server"`

	Transport struct {
		ReconnectIntervalMs  *int  `yaml:"reconnect_interval_ms"`  // 0 = reconnect immediately
		MaxReconnectAttempts *int  `yaml:"max_reconnect_attempts"` // 0 = never reconnect
		HeartbeatIntervalMs  int   `yaml:"heartbeat_interval_ms"`
		AutoReconnect        *bool `yaml:"auto_reconnect"`
		SendQueueSize        int   `yaml:"send_queue_size"`
	} `yaml:"transport"`

	Audio struct {
		DeviceName      string `yaml:"device_name"` // Empty = default device
		ChunkSamples    int    `yaml:"chunk_samples"`
		LevelIntervalMs int    `yaml:"level_interval_ms"`
	} `yaml:"audio"`

	Scoring struct {
		Enabled    *bool `yaml:"enabled"`
		TimeoutMs  int   `yaml:"timeout_ms"`
		MaxRetries *int  `yaml:"max_retries"`
	} `yaml:"scoring"`

	Transcription struct {
		VAD struct {
			EnergyThreshold    float64 `yaml:"energy_threshold"`
			SilenceThresholdMs int     `yaml:"silence_threshold_ms"`
		} `yaml:"vad"`
	} `yaml:"transcription"`

	// Internal field to track config file path for reloading
	filePath string
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.filePath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Client.APIBindAddress == "" {
		c.Client.APIBindAddress = "localhost:8081"
	}
	if c.Client.LogFormat == "" {
		c.Client.LogFormat = "console"
	}
	if c.Client.DebugLogMaxSize == 0 {
		c.Client.DebugLogMaxSize = 8388608 // 8MB
	}
	if c.Client.Speaker == "" {
		c.Client.Speaker = "user"
	}

	if c.Server.URL == "" {
		c.Server.URL = "ws://localhost:8000"
	}
	if c.Server.HTTPURL == "" {
		c.Server.HTTPURL = httpFromWS(c.Server.URL)
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportWebSocket
	}
	if len(c.Server.ICEServers) == 0 {
		c.Server.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	// Transport defaults mirror the reconnect policy of the dashboard
	if c.Transport.ReconnectIntervalMs == nil {
		c.Transport.ReconnectIntervalMs = intPtr(3000)
	}
	if c.Transport.MaxReconnectAttempts == nil {
		c.Transport.MaxReconnectAttempts = intPtr(5)
	}
	if c.Transport.HeartbeatIntervalMs == 0 {
		c.Transport.HeartbeatIntervalMs = 15000
	}
	if c.Transport.AutoReconnect == nil {
		c.Transport.AutoReconnect = boolPtr(true)
	}
	if c.Transport.SendQueueSize == 0 {
		c.Transport.SendQueueSize = 64
	}

	if c.Audio.ChunkSamples == 0 {
		c.Audio.ChunkSamples = 32000 // 2s at 16kHz
	}
	if c.Audio.LevelIntervalMs == 0 {
		c.Audio.LevelIntervalMs = 50
	}

	if c.Scoring.Enabled == nil {
		c.Scoring.Enabled = boolPtr(true)
	}
	if c.Scoring.TimeoutMs == 0 {
		c.Scoring.TimeoutMs = 15000
	}
	if c.Scoring.MaxRetries == nil {
		c.Scoring.MaxRetries = intPtr(2)
	}

	if c.Transcription.VAD.EnergyThreshold == 0 {
		c.Transcription.VAD.EnergyThreshold = 500.0
	}
	if c.Transcription.VAD.SilenceThresholdMs == 0 {
		c.Transcription.VAD.SilenceThresholdMs = 1000 // 1 second
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportWebSocket, TransportDataChannel:
	default:
		return fmt.Errorf("invalid server.transport %q (want %s or %s)",
			c.Server.Transport, TransportWebSocket, TransportDataChannel)
	}
	if c.Audio.ChunkSamples < 0 {
		return fmt.Errorf("audio.chunk_samples must be positive, got %d", c.Audio.ChunkSamples)
	}
	if *c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must not be negative")
	}
	if *c.Transport.ReconnectIntervalMs < 0 {
		return fmt.Errorf("transport.reconnect_interval_ms must not be negative")
	}
	return nil
}

// Reload reloads the configuration from disk and updates the current config in-place.
// Components holding a reference to this config see the new values.
func (c *Config) Reload() error {
	if c.filePath == "" {
		return fmt.Errorf("config file path not set, cannot reload")
	}

	newCfg, err := Load(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.Client = newCfg.Client
	c.Server = newCfg.Server
	c.Transport = newCfg.Transport
	c.Audio = newCfg.Audio
	c.Scoring = newCfg.Scoring
	c.Transcription = newCfg.Transcription
	return nil
}

// Default returns a default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Client.Debug = true
	cfg.applyDefaults()
	return cfg
}

// Path returns the file the config was loaded from, if any
func (c *Config) Path() string {
	return c.filePath
}

// StreamURL returns the streaming endpoint for clientID. The VAD settings
// ride along as query parameters so the server segments turns the way this
// client was calibrated.
func (c *Config) StreamURL(clientID string) string {
	base := strings.TrimRight(c.Server.URL, "/")
	if c.Server.Transport == TransportDataChannel {
		return base + "/api/v1/stream/signal?" + c.vadQuery().Encode()
	}
	return base + "/ws/" + url.PathEscape(clientID) + "?" + c.vadQuery().Encode()
}

func (c *Config) vadQuery() url.Values {
	q := url.Values{}
	q.Set("vad_threshold", strconv.FormatFloat(c.Transcription.VAD.EnergyThreshold, 'f', -1, 64))
	q.Set("silence_ms", strconv.Itoa(c.Transcription.VAD.SilenceThresholdMs))
	return q
}

// Duration helpers

func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(*c.Transport.ReconnectIntervalMs) * time.Millisecond
}

func (c *Config) MaxReconnectAttempts() int {
	return *c.Transport.MaxReconnectAttempts
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Transport.HeartbeatIntervalMs) * time.Millisecond
}

func (c *Config) LevelInterval() time.Duration {
	return time.Duration(c.Audio.LevelIntervalMs) * time.Millisecond
}

func (c *Config) ScoringTimeout() time.Duration {
	return time.Duration(c.Scoring.TimeoutMs) * time.Millisecond
}

func httpFromWS(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }
