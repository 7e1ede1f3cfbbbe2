package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	storeDriverRedis  = "redis"
	storeDriverMemory = "memory"
)

// Config is the complete tracker configuration. It is built once at startup
// and treated as read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Announce  AnnounceConfig  `yaml:"announce"`
	Store     StoreConfig     `yaml:"store"`
	Blacklist BlacklistConfig `yaml:"blacklist"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP listener configuration.
type ServerConfig struct {
	Bind            string        `yaml:"bind"`
	Secret          string        `yaml:"secret"`
	Port            int           `yaml:"port"`
	Workers         int           `yaml:"workers"` // 0 means store.pool_size
	ConnectionIDTTL time.Duration `yaml:"connection_id_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AnnounceConfig struct {
	MaxNumWant int `yaml:"max_numwant"`
	WaitTime   int `yaml:"wait_time"` // seconds
}

// Interval is the announce interval sent to clients.
func (a AnnounceConfig) Interval() int32 {
	//nolint:gosec // bounded by Validate
	return int32(a.WaitTime)
}

// StoreConfig selects and tunes the swarm store.
type StoreConfig struct {
	Driver         string        `yaml:"driver"`
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	KeyPrefix      string        `yaml:"key_prefix"`
	BlacklistKey   string        `yaml:"blacklist_key"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	Timeout        time.Duration `yaml:"timeout"`         // per request
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // startup retries
	PeerTTL        time.Duration `yaml:"peer_ttl"`
	ReapInterval   time.Duration `yaml:"reap_interval"` // 0 disables the reaper
}

type BlacklistConfig struct {
	Path    string        `yaml:"path"`
	Refresh time.Duration `yaml:"refresh"`
}

type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            "0.0.0.0",
			Port:            1337,
			ConnectionIDTTL: 2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Announce: AnnounceConfig{
			MaxNumWant: 50,
			WaitTime:   600,
		},
		Store: StoreConfig{
			Driver:         storeDriverRedis,
			Addr:           "127.0.0.1:6379",
			PoolSize:       64,
			Timeout:        2 * time.Second,
			ConnectTimeout: 30 * time.Second,
			KeyPrefix:      "torrent",
			BlacklistKey:   "blacklist",
			PeerTTL:        30 * time.Minute,
			ReapInterval:   5 * time.Minute,
		},
		Blacklist: BlacklistConfig{
			Refresh: time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current value.
func LoadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Announce.Validate(); err != nil {
		return fmt.Errorf("announce config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := c.Blacklist.Validate(); err != nil {
		return fmt.Errorf("blacklist config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Bind == "" {
		return fmt.Errorf("bind cannot be empty")
	}
	if s.Secret == "" {
		return fmt.Errorf("secret cannot be empty")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", s.Workers)
	}
	if s.ConnectionIDTTL < time.Second {
		return fmt.Errorf("connection_id_ttl must be at least 1s, got %s", s.ConnectionIDTTL)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", s.ShutdownTimeout)
	}
	return nil
}

func (a *AnnounceConfig) Validate() error {
	if a.MaxNumWant < 1 || a.MaxNumWant > maxPeersPerPacket {
		return fmt.Errorf("max_numwant must be between 1 and %d, got %d", maxPeersPerPacket, a.MaxNumWant)
	}
	if a.WaitTime < 1 || a.WaitTime > 86400 {
		return fmt.Errorf("wait_time must be between 1 and 86400 seconds, got %d", a.WaitTime)
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case storeDriverRedis:
		if s.Addr == "" {
			return fmt.Errorf("addr cannot be empty for the redis driver")
		}
		if s.KeyPrefix == "" {
			return fmt.Errorf("key_prefix cannot be empty")
		}
		if s.BlacklistKey == "" {
			return fmt.Errorf("blacklist_key cannot be empty")
		}
	case storeDriverMemory:
	default:
		return fmt.Errorf("driver must be %q or %q, got %q", storeDriverRedis, storeDriverMemory, s.Driver)
	}

	if s.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", s.PoolSize)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	if s.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", s.ConnectTimeout)
	}
	if s.ReapInterval < 0 {
		return fmt.Errorf("reap_interval cannot be negative, got %s", s.ReapInterval)
	}
	if s.ReapInterval > 0 && s.PeerTTL <= 0 {
		return fmt.Errorf("peer_ttl must be positive when reap_interval is set, got %s", s.PeerTTL)
	}
	return nil
}

func (b *BlacklistConfig) Validate() error {
	if b.Path != "" && b.Refresh <= 0 {
		return fmt.Errorf("refresh must be positive, got %s", b.Refresh)
	}
	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Addr == "" {
		return fmt.Errorf("addr cannot be empty when metrics are enabled")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error, got %q", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be json or text, got %q", l.Format)
	}
	return nil
}

// workers is the number of datagrams handled concurrently.
func (c *Config) workers() int {
	if c.Server.Workers > 0 {
		return c.Server.Workers
	}
	return c.Store.PoolSize
}
