// Package config provides configuration types, defaults, and persistence
// for the chamber orchestrator. Values are loaded through viper from
// .chamber/config.yaml in the working directory or
// ~/.config/chamber/config.yaml, with flags taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the orchestrator daemon.
type Config struct {
	// StateDir is the per-user directory holding registry.json, the
	// messages/ directory, consolidations.json, and the debug log.
	// Defaults to ~/.config/chamber.
	StateDir string `mapstructure:"state_dir"`

	// Host and Port for the transport surface.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Limits  Limits        `mapstructure:"limits"`
	Tracing TracingConfig `mapstructure:"tracing"`

	// Debug enables file logging.
	Debug bool `mapstructure:"debug"`
}

// Limits holds the engine's resource and concurrency caps.
type Limits struct {
	// MaxActiveWorkers is the host-wide cap on concurrently active workers.
	MaxActiveWorkers int `mapstructure:"max_active_workers"`

	// WorkerWallClock is the per-worker execution deadline.
	WorkerWallClock time.Duration `mapstructure:"worker_wall_clock"`

	// TerminateGrace is the delay between SIGTERM and SIGKILL.
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`

	// QueueCapacity bounds each per-worker message queue.
	QueueCapacity int `mapstructure:"queue_capacity"`

	// MaxRetries bounds message delivery attempts beyond the first.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBaseDelay is doubled per retry attempt.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`

	// SampleInterval is the resource monitor cadence.
	SampleInterval time.Duration `mapstructure:"sample_interval"`

	// SampleWindow is the rolling sample ring size.
	SampleWindow int `mapstructure:"sample_window"`

	// MemoryLimitBytes terminates a worker whose resident memory exceeds it.
	MemoryLimitBytes int64 `mapstructure:"memory_limit_bytes"`

	// RegistryCeiling triggers pruning of old terminal records.
	RegistryCeiling int `mapstructure:"registry_ceiling"`

	// RegistryPruneAge is the minimum age of terminal records pruned.
	RegistryPruneAge time.Duration `mapstructure:"registry_prune_age"`

	// LogRingCapacity bounds buffered stdout/stderr lines per worker.
	LogRingCapacity int `mapstructure:"log_ring_capacity"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // none, file, stdout, otlp
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		StateDir: DefaultStateDir(),
		Host:     "127.0.0.1",
		Port:     7433,
		Limits: Limits{
			MaxActiveWorkers: 10,
			WorkerWallClock:  30 * time.Minute,
			TerminateGrace:   5 * time.Second,
			QueueCapacity:    1000,
			MaxRetries:       3,
			RetryBaseDelay:   time.Second,
			SampleInterval:   5 * time.Second,
			SampleWindow:     60,
			MemoryLimitBytes: 512 * 1024 * 1024,
			RegistryCeiling:  1000,
			RegistryPruneAge: 24 * time.Hour,
			LogRingCapacity:  2000,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "chamber-orchestrator",
		},
	}
}

// DefaultStateDir returns ~/.config/chamber, or a relative fallback when
// the home directory cannot be resolved.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chamber"
	}
	return filepath.Join(home, ".config", "chamber")
}

// RegistryPath returns the registry mirror file path.
func (c Config) RegistryPath() string {
	return filepath.Join(c.StateDir, "registry.json")
}

// MessagesDir returns the per-message persistence directory.
func (c Config) MessagesDir() string {
	return filepath.Join(c.StateDir, "messages")
}

// ConsolidationsPath returns the consolidation store file path.
func (c Config) ConsolidationsPath() string {
	return filepath.Join(c.StateDir, "consolidations.json")
}

// LogPath returns the debug log file path.
func (c Config) LogPath() string {
	return filepath.Join(c.StateDir, "chamber.log")
}

// Validate checks that all limits are usable.
func (c Config) Validate() error {
	l := c.Limits
	if l.MaxActiveWorkers < 1 {
		return fmt.Errorf("limits.max_active_workers must be at least 1")
	}
	if l.QueueCapacity < 1 {
		return fmt.Errorf("limits.queue_capacity must be at least 1")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("limits.max_retries must not be negative")
	}
	if l.SampleInterval <= 0 {
		return fmt.Errorf("limits.sample_interval must be positive")
	}
	if l.SampleWindow < 1 {
		return fmt.Errorf("limits.sample_window must be at least 1")
	}
	if l.MemoryLimitBytes <= 0 {
		return fmt.Errorf("limits.memory_limit_bytes must be positive")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// EnsureStateDir creates the state directory tree.
func (c Config) EnsureStateDir() error {
	for _, dir := range []string{c.StateDir, c.MessagesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating state directory %s: %w", dir, err)
		}
	}
	return nil
}
