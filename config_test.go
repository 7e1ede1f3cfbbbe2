package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Secret = "test-secret"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "defaults with secret", mutate: func(*Config) {}},
		{
			name:     "port out of range",
			mutate:   func(c *Config) { c.Server.Port = 70000 },
			errorMsg: "server config: port must be between 1 and 65535",
		},
		{
			name:     "missing secret",
			mutate:   func(c *Config) { c.Server.Secret = "" },
			errorMsg: "server config: secret cannot be empty",
		},
		{
			name:     "short connection id ttl",
			mutate:   func(c *Config) { c.Server.ConnectionIDTTL = 10 * time.Millisecond },
			errorMsg: "server config: connection_id_ttl",
		},
		{
			name:     "max_numwant above packet bound",
			mutate:   func(c *Config) { c.Announce.MaxNumWant = maxPeersPerPacket + 1 },
			errorMsg: "announce config: max_numwant",
		},
		{
			name:     "zero wait_time",
			mutate:   func(c *Config) { c.Announce.WaitTime = 0 },
			errorMsg: "announce config: wait_time",
		},
		{
			name:     "unknown driver",
			mutate:   func(c *Config) { c.Store.Driver = "etcd" },
			errorMsg: "store config: driver must be",
		},
		{
			name:     "redis without addr",
			mutate:   func(c *Config) { c.Store.Addr = "" },
			errorMsg: "store config: addr cannot be empty",
		},
		{
			name: "memory without addr",
			mutate: func(c *Config) {
				c.Store.Driver = storeDriverMemory
				c.Store.Addr = ""
			},
		},
		{
			name:     "reaper without peer ttl",
			mutate:   func(c *Config) { c.Store.PeerTTL = 0 },
			errorMsg: "store config: peer_ttl",
		},
		{
			name: "reaper disabled without peer ttl",
			mutate: func(c *Config) {
				c.Store.PeerTTL = 0
				c.Store.ReapInterval = 0
			},
		},
		{
			name: "blacklist without refresh",
			mutate: func(c *Config) {
				c.Blacklist.Path = "/tmp/blacklist"
				c.Blacklist.Refresh = 0
			},
			errorMsg: "blacklist config: refresh",
		},
		{
			name: "metrics without addr",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			errorMsg: "metrics config: addr",
		},
		{
			name:     "unknown log level",
			mutate:   func(c *Config) { c.Logging.Level = "trace" },
			errorMsg: "logging config: level",
		},
		{
			name:     "unknown log format",
			mutate:   func(c *Config) { c.Logging.Format = "xml" },
			errorMsg: "logging config: format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 6969
  secret: from-file
  connection_id_ttl: 90s
announce:
  max_numwant: 80
store:
  driver: memory
  timeout: 500ms
logging:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, LoadConfig(path, cfg))

	assert.Equal(t, 6969, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Server.Secret)
	assert.Equal(t, 90*time.Second, cfg.Server.ConnectionIDTTL)
	assert.Equal(t, 80, cfg.Announce.MaxNumWant)
	assert.Equal(t, storeDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Store.Timeout)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Bind)
	assert.Equal(t, 600, cfg.Announce.WaitTime)
	assert.Equal(t, "torrent", cfg.Store.KeyPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		err := LoadConfig(filepath.Join(dir, "nope.yaml"), DefaultConfig())
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(dir, "unknown.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: 1\n"), 0o600))
		assert.ErrorContains(t, LoadConfig(path, DefaultConfig()), "failed to parse config file")
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.yaml")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		cfg := DefaultConfig()
		require.NoError(t, LoadConfig(path, cfg))
		assert.Equal(t, DefaultConfig(), cfg)
	})
}

func TestConfigWorkers(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, cfg.Store.PoolSize, cfg.workers(), "defaults to the store pool size")

	cfg.Server.Workers = 8
	assert.Equal(t, 8, cfg.workers())
}

func TestAnnounceInterval(t *testing.T) {
	a := AnnounceConfig{WaitTime: 1800}
	assert.Equal(t, int32(1800), a.Interval())
}
