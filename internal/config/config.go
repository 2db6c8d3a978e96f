// Package config loads relay configuration from an optional YAML file layered
// over defaults, followed by RELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML ("60s").
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins for the notifications upgrade; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AdminToken is the bearer token for /admin and /debug routes. Empty
	// disables those routes.
	AdminToken string `yaml:"admin_token"`
}

type UpstreamConfig struct {
	URL             string   `yaml:"url"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	ReconnectWindow Duration `yaml:"reconnect_window"`
}

type RelayConfig struct {
	ForwardRate     float64 `yaml:"forward_rate"`
	ForwardBurst    int     `yaml:"forward_burst"`
	SendBufferSize  int     `yaml:"send_buffer_size"`
	MaxMessageBytes int64   `yaml:"max_message_bytes"`
}

type AdmissionConfig struct {
	ConcurrencyLimit int      `yaml:"concurrency_limit"`
	MaxQueueLength   int      `yaml:"max_queue_length"`
	ItemTimeout      Duration `yaml:"item_timeout"`
	IdleEviction     Duration `yaml:"idle_eviction"`
	EvictionSchedule string   `yaml:"eviction_schedule"`
}

type BackendConfig struct {
	BaseURL        string   `yaml:"base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type SessionConfig struct {
	DBPath        string   `yaml:"db_path"`
	TTL           Duration `yaml:"ttl"`
	CookieName    string   `yaml:"cookie_name"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Relay     RelayConfig     `yaml:"relay"`
	Admission AdmissionConfig `yaml:"admission"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file or override sets a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Upstream: UpstreamConfig{
			URL:             "ws://localhost:8000/notifications",
			BaseDelay:       Duration(time.Second),
			MaxDelay:        Duration(30 * time.Second),
			ReconnectWindow: Duration(120 * time.Second),
		},
		Relay: RelayConfig{
			ForwardRate:     20,
			ForwardBurst:    40,
			SendBufferSize:  256,
			MaxMessageBytes: 8192,
		},
		Admission: AdmissionConfig{
			ConcurrencyLimit: 2,
			MaxQueueLength:   0,
			ItemTimeout:      Duration(60 * time.Second),
			IdleEviction:     Duration(30 * time.Minute),
			EvictionSchedule: "@every 5m",
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			RequestTimeout: Duration(90 * time.Second),
		},
		Session: SessionConfig{
			DBPath:        "data/sessions.db",
			TTL:           Duration(24 * time.Hour),
			CookieName:    "relay_session",
			SweepSchedule: "@every 1h",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "relay",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("RELAY_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("RELAY_UPSTREAM_URL"); v != "" {
		cfg.Upstream.URL = v
	}
	if v := os.Getenv("RELAY_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.Session.DBPath = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_CONCURRENCY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_CONCURRENCY_LIMIT: %w", err)
		}
		cfg.Admission.ConcurrencyLimit = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Admission.ConcurrencyLimit <= 0 {
		return errors.New("admission.concurrency_limit must be positive")
	}
	if c.Admission.MaxQueueLength < 0 {
		return errors.New("admission.max_queue_length must not be negative")
	}
	if c.Admission.ItemTimeout <= 0 {
		return errors.New("admission.item_timeout must be positive")
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required")
	}
	if c.Upstream.BaseDelay <= 0 || c.Upstream.MaxDelay < c.Upstream.BaseDelay {
		return errors.New("upstream delays must satisfy 0 < base_delay <= max_delay")
	}
	return nil
}
