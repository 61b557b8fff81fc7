// Package config loads taskmem configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up in the standard locations.
const FileName = "taskmem.toml"

// Backend names.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendBleve  = "bleve"
)

// Config is the full taskmem configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Passages  PassagesConfig  `toml:"passages"`
	Archive   ArchiveConfig   `toml:"archive"`
	Bus       BusConfig       `toml:"bus"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StoreConfig selects the block store backend.
type StoreConfig struct {
	// Backend is memory, nats or redis.
	Backend string      `toml:"backend"`
	NATS    NATSConfig  `toml:"nats"`
	Redis   RedisConfig `toml:"redis"`
}

// NATSConfig configures the NATS connection shared by the JetStream
// store and the NATS bus.
type NATSConfig struct {
	URL    string `toml:"url"`
	Bucket string `toml:"bucket"`
	Token  string `toml:"token"`
	User   string `toml:"user"`
	// Password is only read from the file; prefer a token.
	Password string `toml:"password"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	DB        int    `toml:"db"`
	Password  string `toml:"password"`
	KeyPrefix string `toml:"key_prefix"`
}

// PassagesConfig selects the passage index.
type PassagesConfig struct {
	// Backend is memory or bleve. Both use Bleve; memory keeps the
	// index in process only.
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// ArchiveConfig configures the bounded archive list.
type ArchiveConfig struct {
	Capacity int `toml:"capacity"`
	// LockTTL enables a distributed per-agent lock on the block store.
	// Zero keeps the lock in process.
	LockTTL Duration `toml:"lock_ttl"`
}

// BusConfig selects the executor event bus.
type BusConfig struct {
	// Backend is memory or nats.
	Backend    string `toml:"backend"`
	Prefix     string `toml:"prefix"`
	BufferSize int    `toml:"buffer_size"`
	// RetryAttempts bounds how often the driver tries a retryable event.
	RetryAttempts int      `toml:"retry_attempts"`
	RetryBackoff  Duration `toml:"retry_backoff"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures tracing and lifecycle event export.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
	// Events is an exporter sink: "", "noop", "file:<path>" or
	// "http:<url>".
	Events string `toml:"events"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a configuration that keeps everything in memory.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendMemory,
			NATS: NATSConfig{
				URL:    "nats://127.0.0.1:4222",
				Bucket: "taskmem",
			},
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "taskmem:",
			},
		},
		Passages: PassagesConfig{
			Backend: BackendMemory,
		},
		Archive: ArchiveConfig{
			Capacity: 50,
		},
		Bus: BusConfig{
			Backend:       BackendMemory,
			Prefix:        "taskmem.events",
			BufferSize:    256,
			RetryAttempts: 3,
			RetryBackoff:  Duration{200 * time.Millisecond},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "taskmem",
		},
	}
}

// StandardPaths returns the configuration file locations in order of
// priority.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskmem", FileName))
	}
	return paths
}

// Load reads path, or the first existing standard location when path is
// empty, over the defaults and then applies environment overrides. It
// returns the file used, empty when none was found.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, path, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, path, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// applyEnv applies TASKMEM_* environment overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("TASKMEM_NATS_URL"); v != "" {
		c.Store.NATS.URL = v
	}
	if v := os.Getenv("TASKMEM_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("TASKMEM_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("TASKMEM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TASKMEM_ARCHIVE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TASKMEM_ARCHIVE_CAPACITY: %w", err)
		}
		c.Archive.Capacity = n
	}
	return nil
}

// Validate checks backend names and numeric bounds.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendNATS, BackendRedis:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	switch c.Passages.Backend {
	case BackendMemory:
	case BackendBleve:
		if c.Passages.Path == "" {
			return fmt.Errorf("passages.path: required for the bleve backend")
		}
	default:
		return fmt.Errorf("passages.backend: unknown backend %q", c.Passages.Backend)
	}
	switch c.Bus.Backend {
	case BackendMemory, BackendNATS:
	default:
		return fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend)
	}
	if c.Bus.Prefix == "" || strings.ContainsAny(c.Bus.Prefix, "*> ") {
		return fmt.Errorf("bus.prefix: invalid subject prefix %q", c.Bus.Prefix)
	}
	if c.Archive.Capacity <= 0 {
		return fmt.Errorf("archive.capacity: must be positive, got %d", c.Archive.Capacity)
	}
	if c.Archive.LockTTL.Duration < 0 {
		return fmt.Errorf("archive.lock_ttl: must not be negative")
	}
	if c.Bus.RetryAttempts < 0 {
		return fmt.Errorf("bus.retry_attempts: must not be negative")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol: must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio: must be within [0,1]")
	}
	if _, _, err := ParseEventSink(c.Telemetry.Events); err != nil {
		return err
	}
	return nil
}

// ParseEventSink splits an events sink into exporter protocol and target.
func ParseEventSink(sink string) (protocol, target string, err error) {
	if sink == "" || sink == "noop" {
		return "noop", "", nil
	}
	protocol, target, ok := strings.Cut(sink, ":")
	if !ok || target == "" {
		return "", "", fmt.Errorf("telemetry.events: expected file:<path> or http:<url>, got %q", sink)
	}
	switch protocol {
	case "file", "http":
		return protocol, target, nil
	}
	return "", "", fmt.Errorf("telemetry.events: unknown sink %q", protocol)
}
