package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transcriber backends
const (
	BackendOpenAI  = "openai"
	BackendWhisper = "whisper"
)

// Config holds the server configuration
type Config struct {
	Server struct {
		BindAddress    string   `yaml:"bind_address"`
		Debug          bool     `yaml:"debug"`
		LogFormat      string   `yaml:"log_format"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Transcription struct {
		Backend         string  `yaml:"backend"`    // "openai" or "whisper"
		ModelPath       string  `yaml:"model_path"` // whisper.cpp model
		Language        string  `yaml:"language"`
		Threads         int     `yaml:"threads"`
		MinAudioSeconds float64 `yaml:"min_audio_seconds"`
		OpenAIModel     string  `yaml:"openai_model"`
	} `yaml:"transcription"`

	VAD struct {
		EnergyThreshold    float64 `yaml:"energy_threshold"`
		SilenceThresholdMs int     `yaml:"silence_threshold_ms"`
	} `yaml:"vad"`

	NoiseSuppression struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"noise_suppression"`

	Analysis struct {
		Model                string  `yaml:"model"`
		SentimentTemperature float64 `yaml:"sentiment_temperature"`
		CoachingTemperature  float64 `yaml:"coaching_temperature"`
		TimeoutMs            int     `yaml:"timeout_ms"`
	} `yaml:"analysis"`

	// From the environment or .env, never from yaml
	OpenAIAPIKey string `yaml:"-"`
}

// ICEServer represents a WebRTC ICE server configuration
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Load reads the configuration file, then .env and the process environment.
// A missing yaml file falls back to defaults; a missing .env is ignored.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the environment override yaml values
func (c *Config) applyEnv() {
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		c.Server.BindAddress = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TRANSCRIPTION_BACKEND"); v != "" {
		c.Transcription.Backend = v
	}
	if v := os.Getenv("WHISPER_MODEL_PATH"); v != "" {
		c.Transcription.ModelPath = v
	}
	if v, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil {
		c.Server.Debug = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = "0.0.0.0:8000"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "console"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{
			"http://localhost:8080",
			"http://localhost:5173",
			"https://real-time-call-intelligence.vercel.app",
		}
	}

	if len(c.WebRTC.ICEServers) == 0 {
		c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	if c.Transcription.Backend == "" {
		c.Transcription.Backend = BackendOpenAI
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "en"
	}
	if c.Transcription.Threads == 0 {
		c.Transcription.Threads = 4
	}
	if c.Transcription.MinAudioSeconds == 0 {
		c.Transcription.MinAudioSeconds = 1.0
	}
	if c.Transcription.OpenAIModel == "" {
		c.Transcription.OpenAIModel = "whisper-1"
	}

	if c.VAD.EnergyThreshold == 0 {
		c.VAD.EnergyThreshold = 500.0
	}
	if c.VAD.SilenceThresholdMs == 0 {
		c.VAD.SilenceThresholdMs = 1000
	}

	if c.Analysis.Model == "" {
		c.Analysis.Model = "gpt-4o-mini"
	}
	if c.Analysis.SentimentTemperature == 0 {
		c.Analysis.SentimentTemperature = 0.3
	}
	if c.Analysis.CoachingTemperature == 0 {
		c.Analysis.CoachingTemperature = 0.7
	}
	if c.Analysis.TimeoutMs == 0 {
		c.Analysis.TimeoutMs = 30000
	}
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.Transcription.Backend {
	case BackendOpenAI:
	case BackendWhisper:
		if c.Transcription.ModelPath == "" {
			return fmt.Errorf("transcription.model_path is required for the %s backend", BackendWhisper)
		}
	default:
		return fmt.Errorf("invalid transcription.backend %q (want %s or %s)",
			c.Transcription.Backend, BackendOpenAI, BackendWhisper)
	}
	if c.Transcription.MinAudioSeconds < 0 {
		return fmt.Errorf("transcription.min_audio_seconds must not be negative")
	}
	return nil
}

// Default returns a default configuration without reading files
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Debug = true
	cfg.applyDefaults()
	return cfg
}

// Duration helpers

func (c *Config) SilenceThreshold() time.Duration {
	return time.Duration(c.VAD.SilenceThresholdMs) * time.Millisecond
}

func (c *Config) MinAudio() time.Duration {
	return time.Duration(c.Transcription.MinAudioSeconds * float64(time.Second))
}

func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Analysis.TimeoutMs) * time.Millisecond
}
