package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds durable-store configurations.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	// Compression selects the value codec for stored records: "none",
	// "snappy", "lz4", or "zstd". Stored values are self-describing, so this
	// only governs writes.
	Compression      string `yaml:"compression"`
	MaxPendingWrites int64  `yaml:"max_pending_writes"`
}

// CacheConfig holds in-memory cache configurations.
type CacheConfig struct {
	TickCapacity       int `yaml:"tick_capacity"`
	CheckpointCapacity int `yaml:"checkpoint_capacity"`
}

// TimelineConfig holds controller and playback configurations.
type TimelineConfig struct {
	// CheckpointInterval is in ticks, not wall time.
	CheckpointInterval uint64 `yaml:"checkpoint_interval"`
	BaseTickInterval   string `yaml:"base_tick_interval"`
	BurstMaxTicks      int    `yaml:"burst_max_ticks"`
	BurstBudget        string `yaml:"burst_budget"`
	SeekBatchSize      uint64 `yaml:"seek_batch_size"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds the debug HTTP server configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
}

// SelfMonitoringConfig holds the system metrics collector configurations.
type SelfMonitoringConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Store          StoreConfig          `yaml:"store"`
	Cache          CacheConfig          `yaml:"cache"`
	Timeline       TimelineConfig       `yaml:"timeline"`
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Store: StoreConfig{
			DataDir:          "./data",
			Compression:      "snappy",
			MaxPendingWrites: 256,
		},
		Cache: CacheConfig{
			TickCapacity:       4096,
			CheckpointCapacity: 50,
		},
		Timeline: TimelineConfig{
			CheckpointInterval: 300,
			BaseTickInterval:   "50ms",
			BurstMaxTicks:      10,
			BurstBudget:        "8ms",
			SeekBatchSize:      256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusreplay.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:  true,
			Interval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with. Unknown compression
// names fail here rather than at the first write.
func (c *Config) Validate() error {
	switch c.Store.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", c.Store.Compression)
	}
	if c.Cache.TickCapacity <= 0 {
		return fmt.Errorf("cache.tick_capacity must be positive, got %d", c.Cache.TickCapacity)
	}
	if c.Cache.CheckpointCapacity <= 0 {
		return fmt.Errorf("cache.checkpoint_capacity must be positive, got %d", c.Cache.CheckpointCapacity)
	}
	if c.Timeline.CheckpointInterval == 0 {
		return fmt.Errorf("timeline.checkpoint_interval must be positive")
	}
	return nil
}

// LoadFromFile reads configuration from a YAML file by path.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
