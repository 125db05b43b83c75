// Package config loads the hub configuration from YAML with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the hub.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Providers ProvidersConfig `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string    `yaml:"host"`
	Port        int       `yaml:"port"`
	StreamPort  int       `yaml:"stream_port"`
	MetricsPort int       `yaml:"metrics_port"`
	HubName     string    `yaml:"hub_name"`
	HTTPAPIURL  string    `yaml:"http_api_url"`
	TLS         TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type AuthConfig struct {
	// Token is compared in constant time against client auth frames.
	Token string `yaml:"token"`
	// LocalhostBypass lets loopback clients skip token auth.
	LocalhostBypass bool `yaml:"localhost_bypass"`
	// SigningSecret keys signed file URLs and stream tokens.
	SigningSecret string `yaml:"signing_secret"`
}

type SandboxConfig struct {
	// Path is the root for agent workspaces and served files.
	Path string `yaml:"path"`
	// Timeout bounds one sandboxed invocation.
	Timeout time.Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	// Shared lists provider names whose API keys the hub supplies.
	Shared []string `yaml:"shared"`
}

type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MessagesPerWindow int           `yaml:"messages_per_window"`
	Window            time.Duration `yaml:"window"`
}

type ScheduleConfig struct {
	MaxPerAgent int `yaml:"max_per_agent"`
}

type StreamConfig struct {
	FrameQuality     int           `yaml:"frame_quality"`
	AckHighWaterMark int           `yaml:"ack_high_water_mark"`
	AckGrace         time.Duration `yaml:"ack_grace"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	ViewportWidth    int           `yaml:"viewport_width"`
	ViewportHeight   int           `yaml:"viewport_height"`
	// BrowserDebugURL attaches to a running browser instead of launching one.
	BrowserDebugURL string `yaml:"browser_debug_url"`
}

type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// SQLitePath is the session database path for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads, expands, and parses a config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4520
	}
	if cfg.Server.StreamPort == 0 {
		cfg.Server.StreamPort = 4521
	}
	if cfg.Server.HubName == "" {
		cfg.Server.HubName = "flo-hub"
	}
	if cfg.Sandbox.Path == "" {
		cfg.Sandbox.Path = "./agents"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 5 * time.Minute
	}
	if cfg.RateLimit.MessagesPerWindow == 0 {
		cfg.RateLimit.MessagesPerWindow = 100
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Second
	}
	if cfg.Schedule.MaxPerAgent == 0 {
		cfg.Schedule.MaxPerAgent = 10
	}
	if cfg.Stream.FrameQuality == 0 {
		cfg.Stream.FrameQuality = 40
	}
	if cfg.Stream.AckHighWaterMark == 0 {
		cfg.Stream.AckHighWaterMark = 5
	}
	if cfg.Stream.AckGrace == 0 {
		cfg.Stream.AckGrace = 30 * time.Second
	}
	if cfg.Stream.TokenTTL == 0 {
		cfg.Stream.TokenTTL = 5 * time.Minute
	}
	if cfg.Stream.ViewportWidth == 0 {
		cfg.Stream.ViewportWidth = 1280
	}
	if cfg.Stream.ViewportHeight == 0 {
		cfg.Stream.ViewportHeight = 800
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port == c.Server.StreamPort {
		return fmt.Errorf("server port and stream port must differ")
	}
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path required for sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Stream.FrameQuality < 0 || c.Stream.FrameQuality > 100 {
		return fmt.Errorf("stream.frame_quality must be 0-100")
	}
	return nil
}
