// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawitdb/sawitdb/internal/storage/pager"
)

// WAL holds the write-ahead-log settings.
type WAL struct {
	Enabled            bool   `yaml:"enabled"`
	SyncMode           string `yaml:"syncMode"`           // always | commit | off
	CheckpointInterval string `yaml:"checkpointInterval"` // cron spec, e.g. "@every 1m"
}

// Cache sizes the pager and parser caches.
type Cache struct {
	BufferPages int `yaml:"bufferPages"`
	ObjectPages int `yaml:"objectPages"`
	QueryCache  int `yaml:"queryCache"`
}

// Config is the full server configuration.
type Config struct {
	Port           int               `yaml:"port"`
	Host           string            `yaml:"host"`
	DataDir        string            `yaml:"dataDir"`
	Auth           map[string]string `yaml:"auth"`
	MaxConnections int               `yaml:"maxConnections"`
	QueryTimeoutMs int               `yaml:"queryTimeoutMs"`
	LogLevel       string            `yaml:"logLevel"`
	Checksums      bool              `yaml:"checksums"`
	Audit          bool              `yaml:"audit"`
	Cache          Cache             `yaml:"cache"`
	WAL            WAL               `yaml:"wal"`
	WorkerCount    int               `yaml:"workerCount"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           7878,
		Host:           "127.0.0.1",
		DataDir:        "./data",
		MaxConnections: 128,
		QueryTimeoutMs: 30000,
		LogLevel:       "info",
		Cache:          Cache{BufferPages: 256, ObjectPages: 128, QueryCache: 256},
		WAL:            WAL{Enabled: true, SyncMode: "commit", CheckpointInterval: "@every 1m"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.QueryTimeoutMs <= 0 {
		return fmt.Errorf("queryTimeoutMs must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("maxConnections must be positive")
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("workerCount must not be negative")
	}
	if _, err := pager.ParseSyncMode(c.WAL.SyncMode); err != nil {
		return err
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	return nil
}

// QueryTimeout returns the timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// SyncMode returns the parsed WAL sync mode.
func (c *Config) SyncMode() pager.SyncMode {
	m, _ := pager.ParseSyncMode(c.WAL.SyncMode)
	return m
}
