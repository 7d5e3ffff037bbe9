// Package config loads and validates the relay configuration from a
// YAML file, with environment variables filling unset connection
// strings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queues    QueueConfig     `yaml:"queues"`
	Workers   WorkerConfig    `yaml:"workers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Forward   ForwardConfig   `yaml:"forward"`
	Reprocess ReprocessConfig `yaml:"reprocess"`
	Observe   ObserveConfig   `yaml:"observability"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // Default: ":8080"
}

type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend       string `yaml:"backend"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"` // optional event archive
}

type QueueConfig struct {
	IngressCapacity  int `yaml:"ingress_capacity"`  // Default: 256
	ApprovedCapacity int `yaml:"approved_capacity"` // Default: 256
}

type WorkerConfig struct {
	Decision   int `yaml:"decision"`   // Default: 2
	Forwarding int `yaml:"forwarding"` // Default: 2
}

type RateLimitConfig struct {
	Capacity int           `yaml:"capacity"` // Default: 30
	Enabled  *bool         `yaml:"enabled"`  // Default: true
	Window   time.Duration `yaml:"window"`   // Default: 60s
}

type ForwardConfig struct {
	SinkURL string        `yaml:"sink_url"`
	Timeout time.Duration `yaml:"timeout"` // Default: 10s
}

type ReprocessConfig struct {
	CandidateLimit          int `yaml:"candidate_limit"`           // Default: 200
	ChronologyWindowSeconds int `yaml:"chronology_window_seconds"` // Default: 0 (disabled)
	DefaultWindowSeconds    int `yaml:"default_window_seconds"`    // Default: 86400
}

type ObserveConfig struct {
	SnapshotInterval string        `yaml:"snapshot_interval"` // cron spec, Default: "@every 15s"
	ProviderTTL      time.Duration `yaml:"provider_ttl"`      // Default: 30s
}

// Load reads the YAML file at path, applies defaults and validates.
// An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.fillFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Queues.IngressCapacity <= 0 {
		c.Queues.IngressCapacity = 256
	}
	if c.Queues.ApprovedCapacity <= 0 {
		c.Queues.ApprovedCapacity = 256
	}
	if c.Workers.Decision <= 0 {
		c.Workers.Decision = 2
	}
	if c.Workers.Forwarding <= 0 {
		c.Workers.Forwarding = 2
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 30
	}
	if c.RateLimit.Enabled == nil {
		enabled := true
		c.RateLimit.Enabled = &enabled
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.Forward.Timeout <= 0 {
		c.Forward.Timeout = 10 * time.Second
	}
	if c.Reprocess.CandidateLimit <= 0 {
		c.Reprocess.CandidateLimit = 200
	}
	if c.Reprocess.DefaultWindowSeconds < 0 {
		c.Reprocess.DefaultWindowSeconds = 0
	} else if c.Reprocess.DefaultWindowSeconds == 0 {
		c.Reprocess.DefaultWindowSeconds = 86400
	}
	if c.Observe.SnapshotInterval == "" {
		c.Observe.SnapshotInterval = "@every 15s"
	}
	if c.Observe.ProviderTTL <= 0 {
		c.Observe.ProviderTTL = 30 * time.Second
	}
}

func (c *Config) fillFromEnv() {
	if c.Storage.PostgresDSN == "" {
		c.Storage.PostgresDSN = os.Getenv("POSTGRES_DSN")
	}
	if c.Storage.ClickhouseDSN == "" {
		c.Storage.ClickhouseDSN = os.Getenv("CLICKHOUSE_DSN")
	}
	if c.Forward.SinkURL == "" {
		c.Forward.SinkURL = os.Getenv("FORWARD_SINK_URL")
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires postgres_dsn")
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate limit capacity must be >= 1, got %d", c.RateLimit.Capacity)
	}
	if c.Forward.SinkURL == "" {
		return fmt.Errorf("forward sink_url is required")
	}
	if c.Reprocess.ChronologyWindowSeconds < 0 {
		return fmt.Errorf("chronology window must be >= 0")
	}
	return nil
}
