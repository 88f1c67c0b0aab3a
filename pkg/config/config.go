package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quillstore/quill/pkg/engine"
	"github.com/quillstore/quill/pkg/hub"
)

// Config is the full server configuration, loadable from YAML. Zero
// values mean "use the default"; Normalize fills them in.
type Config struct {
	NodeID     string `yaml:"node_id"`
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	// DebugAddr optionally serves a second, read-only listener.
	DebugAddr string `yaml:"debug_addr,omitempty"`
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`

	Engine EngineConfig `yaml:"engine"`
	Sync   SyncConfig   `yaml:"sync"`
}

// EngineConfig tunes the write engine. Durations are milliseconds.
type EngineConfig struct {
	ShardCount      int   `yaml:"shard_count"`
	BufferSize      int   `yaml:"buffer_size"`
	BatchSize       int   `yaml:"batch_size"`
	FlushIntervalMs int   `yaml:"flush_interval_ms"`
	SafeMode        *bool `yaml:"safe_mode"`
	CacheTTLMs      int   `yaml:"cache_ttl_ms"`
	CacheSize       int   `yaml:"cache_size"`
	MaxRetries      int   `yaml:"max_retries"`
}

// SyncConfig tunes the sync hub and compaction.
type SyncConfig struct {
	AppliedOpHistory     int   `yaml:"applied_op_history"`
	PresenceTTLMs        int   `yaml:"presence_ttl_ms"`
	QueueLimit           int   `yaml:"queue_limit"`
	SyncLimit            int   `yaml:"sync_limit"`
	TombstoneRetentionMs int64 `yaml:"tombstone_retention_ms"`
}

// Default returns the configuration a bare "quill serve" runs with.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills every unset field with its default.
func (c *Config) Normalize() {
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "quill-1"
		}
		c.NodeID = host
	}
	if c.DataDir == "" {
		c.DataDir = "./quill-data"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	e := &c.Engine
	if e.ShardCount <= 0 {
		e.ShardCount = 8
	}
	if e.BufferSize <= 0 {
		e.BufferSize = 10000
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 1000
	}
	if e.FlushIntervalMs <= 0 {
		e.FlushIntervalMs = 100
	}
	if e.SafeMode == nil {
		on := true
		e.SafeMode = &on
	}
	if e.CacheTTLMs <= 0 {
		e.CacheTTLMs = 60000
	}
	if e.CacheSize <= 0 {
		e.CacheSize = 4096
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = 5
	}

	s := &c.Sync
	if s.AppliedOpHistory <= 0 {
		s.AppliedOpHistory = 1000
	}
	if s.PresenceTTLMs <= 0 {
		s.PresenceTTLMs = 30000
	}
	if s.QueueLimit <= 0 {
		s.QueueLimit = 256
	}
	if s.SyncLimit <= 0 {
		s.SyncLimit = 500
	}
	if s.TombstoneRetentionMs <= 0 {
		s.TombstoneRetentionMs = 86400000
	}
}

// Validate rejects configurations that would misbehave at runtime
// rather than fail fast.
func (c *Config) Validate() error {
	if c.Engine.ShardCount > 1024 {
		return fmt.Errorf("engine.shard_count %d exceeds the 1024 shard limit", c.Engine.ShardCount)
	}
	if n := c.Engine.ShardCount; n&(n-1) != 0 {
		return fmt.Errorf("engine.shard_count %d is not a power of two", n)
	}
	if c.Engine.BatchSize > c.Engine.BufferSize {
		return fmt.Errorf("engine.batch_size %d exceeds engine.buffer_size %d",
			c.Engine.BatchSize, c.Engine.BufferSize)
	}
	if c.Sync.PresenceTTLMs < 1000 {
		return fmt.Errorf("sync.presence_ttl_ms %d is below the 1s minimum", c.Sync.PresenceTTLMs)
	}
	return nil
}

// EngineOptions converts to the engine's option struct.
func (c *Config) EngineOptions() engine.Options {
	e := c.Engine
	return engine.Options{
		ShardCount:    e.ShardCount,
		BufferSize:    e.BufferSize,
		BatchSize:     e.BatchSize,
		FlushInterval: time.Duration(e.FlushIntervalMs) * time.Millisecond,
		SafeMode:      *e.SafeMode,
		CacheTTL:      time.Duration(e.CacheTTLMs) * time.Millisecond,
		CacheSize:     e.CacheSize,
		MaxRetries:    e.MaxRetries,
	}
}

// HubOptions converts to the hub's option struct.
func (c *Config) HubOptions() hub.Options {
	s := c.Sync
	return hub.Options{
		HistoryLimit: s.AppliedOpHistory,
		QueueLimit:   s.QueueLimit,
		PresenceTTL:  time.Duration(s.PresenceTTLMs) * time.Millisecond,
		SyncLimit:    s.SyncLimit,
	}
}

// TombstoneRetention returns the compaction cutoff as a duration.
func (c *Config) TombstoneRetention() time.Duration {
	return time.Duration(c.Sync.TombstoneRetentionMs) * time.Millisecond
}
