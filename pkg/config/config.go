package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds coordinator configuration
type Server struct {
	// ListenAddr serves the REST API and the device channel endpoint.
	ListenAddr string
	// MetricsAddr serves /metrics and /healthz separately from the API.
	MetricsAddr string
	DataDir     string

	TokenTTL         time.Duration
	PresenceTick     time.Duration
	OfflineThreshold time.Duration
	StaleTaskTimeout time.Duration

	DefaultMaxRetries int

	LogLevel string
	LogJSON  bool
}

// DefaultServer returns the built-in coordinator defaults
func DefaultServer() Server {
	return Server{
		ListenAddr:        "127.0.0.1:8080",
		MetricsAddr:       "127.0.0.1:9090",
		DataDir:           "./herd-data",
		TokenTTL:          24 * time.Hour,
		PresenceTick:      30 * time.Second,
		OfflineThreshold:  5 * time.Minute,
		StaleTaskTimeout:  30 * time.Minute,
		DefaultMaxRetries: 3,
		LogLevel:          "info",
	}
}

// serverYAML is the on-disk shape. Durations are strings in Go duration
// syntax ("30s", "5m") and parsed on load.
type serverYAML struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`

	TokenTTL         string `yaml:"token_ttl"`
	PresenceTick     string `yaml:"presence_tick"`
	OfflineThreshold string `yaml:"offline_threshold"`
	StaleTaskTimeout string `yaml:"stale_task_timeout"`

	DefaultMaxRetries *int `yaml:"default_max_retries"`

	LogLevel string `yaml:"log_level"`
	LogJSON  *bool  `yaml:"log_json"`
}

// LoadServer reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw serverYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.MetricsAddr != "" {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	if raw.DataDir != "" {
		cfg.DataDir = raw.DataDir
	}
	if err := applyDuration(&cfg.TokenTTL, raw.TokenTTL, "token_ttl"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.PresenceTick, raw.PresenceTick, "presence_tick"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.OfflineThreshold, raw.OfflineThreshold, "offline_threshold"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.StaleTaskTimeout, raw.StaleTaskTimeout, "stale_task_timeout"); err != nil {
		return cfg, err
	}
	if raw.DefaultMaxRetries != nil {
		cfg.DefaultMaxRetries = *raw.DefaultMaxRetries
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.LogJSON != nil {
		cfg.LogJSON = *raw.LogJSON
	}
	return cfg, nil
}

// Agent holds device-side agent configuration
type Agent struct {
	ServerURL string
	DeviceID  string
	Name      string

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int

	LogLevel string
	LogJSON  bool
}

// DefaultAgent returns the built-in agent defaults. Heartbeat and backoff
// values are the channel contract defaults.
func DefaultAgent() Agent {
	return Agent{
		ServerURL:         "http://127.0.0.1:8080",
		HeartbeatInterval: 60 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectCap:      30 * time.Second,
		MaxReconnects:     5,
		LogLevel:          "info",
	}
}

type agentYAML struct {
	ServerURL string `yaml:"server_url"`
	DeviceID  string `yaml:"device_id"`
	Name      string `yaml:"device_name"`

	HeartbeatInterval string `yaml:"heartbeat_interval"`
	ReconnectBase     string `yaml:"reconnect_base"`
	ReconnectCap      string `yaml:"reconnect_cap"`
	MaxReconnects     *int   `yaml:"max_reconnects"`

	LogLevel string `yaml:"log_level"`
	LogJSON  *bool  `yaml:"log_json"`
}

// LoadAgent reads a YAML agent config over the defaults
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw agentYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if raw.ServerURL != "" {
		cfg.ServerURL = raw.ServerURL
	}
	if raw.DeviceID != "" {
		cfg.DeviceID = raw.DeviceID
	}
	if raw.Name != "" {
		cfg.Name = raw.Name
	}
	if err := applyDuration(&cfg.HeartbeatInterval, raw.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.ReconnectBase, raw.ReconnectBase, "reconnect_base"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.ReconnectCap, raw.ReconnectCap, "reconnect_cap"); err != nil {
		return cfg, err
	}
	if raw.MaxReconnects != nil {
		cfg.MaxReconnects = *raw.MaxReconnects
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if raw.LogJSON != nil {
		cfg.LogJSON = *raw.LogJSON
	}
	return cfg, nil
}

func applyDuration(dst *time.Duration, raw, key string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", key, err)
	}
	*dst = d
	return nil
}
