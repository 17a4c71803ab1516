// Package config loads recorder settings from a YAML file, a .env file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Stream  StreamConfig  `yaml:"stream"`
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// AudioConfig contains capture parameters. SampleRate is shared by capture,
// the streaming header and the final artifact.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	FrameSize  int    `yaml:"frame_size"`
	Device     string `yaml:"device"`
	RawFormat  string `yaml:"raw_format"` // flac or wav
}

// StreamConfig contains the streaming channel settings
type StreamConfig struct {
	URL               string        `yaml:"url"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	AutoConnect       bool          `yaml:"auto_connect"`
}

// BackendConfig contains the record/inference service settings
type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	UploadDir    string        `yaml:"upload_dir"`
	UploadFormat string        `yaml:"upload_format"`
}

// StoreConfig selects where persist_update writes. "http" goes through the
// backend service, "postgres" writes the record table directly.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Path string `yaml:"path"`
}

var supportedRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

func Default() Config {
	return Config{
		Audio: AudioConfig{
			SampleRate: 48000,
			FrameSize:  4096,
			RawFormat:  "flac",
		},
		Stream: StreamConfig{
			URL:               "ws://localhost:8888/stream",
			FlushInterval:     3 * time.Second,
			ReconnectAttempts: 5,
			ConnectTimeout:    60 * time.Second,
			ReconnectDelay:    time.Second,
			AutoConnect:       true,
		},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:8080",
			Timeout:      2 * time.Minute,
			UploadDir:    "wav",
			UploadFormat: "wav",
		},
		Store: StoreConfig{
			Driver: "http",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadDotenv loads the given .env files (default ".env") into the process
// environment. Missing files are not an error.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides endpoints from WHISPERDECK_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("WHISPERDECK_STREAM_URL"); v != "" {
		c.Stream.URL = v
	}
	if v := os.Getenv("WHISPERDECK_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("WHISPERDECK_DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("WHISPERDECK_LOG_PATH"); v != "" && c.Log.Path == "" {
		c.Log.Path = v
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	ok := false
	for _, r := range supportedRates {
		if a.SampleRate == r {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("sample_rate %d not supported, use one of %v", a.SampleRate, supportedRates)
	}
	if a.FrameSize < 256 || a.FrameSize > 65536 {
		return fmt.Errorf("frame_size must be between 256 and 65536 samples, got %d", a.FrameSize)
	}
	if a.RawFormat != "flac" && a.RawFormat != "wav" {
		return fmt.Errorf("raw_format must be flac or wav, got %q", a.RawFormat)
	}
	return nil
}

func (s *StreamConfig) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil || s.URL == "" {
		return fmt.Errorf("url %q is not valid", s.URL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.FlushInterval < 100*time.Millisecond {
		return fmt.Errorf("flush_interval must be at least 100ms, got %s", s.FlushInterval)
	}
	if s.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts cannot be negative, got %d", s.ReconnectAttempts)
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", s.ConnectTimeout)
	}
	if s.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect_delay cannot be negative, got %s", s.ReconnectDelay)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	u, err := url.Parse(b.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an http(s) URL", b.BaseURL)
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", b.Timeout)
	}
	if strings.TrimSpace(b.UploadDir) == "" {
		return fmt.Errorf("upload_dir cannot be empty")
	}
	if b.UploadFormat != "wav" {
		return fmt.Errorf("upload_format must be wav, got %q", b.UploadFormat)
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "http":
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("driver must be http or postgres, got %q", s.Driver)
	}
	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Addr == "" {
		return fmt.Errorf("addr cannot be empty when metrics are enabled")
	}
	return nil
}
