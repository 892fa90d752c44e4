package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with yaml tags for writing the default file.
type fileConfig struct {
	StateDir string `yaml:"state_dir,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Limits   struct {
		MaxActiveWorkers int    `yaml:"max_active_workers"`
		WorkerWallClock  string `yaml:"worker_wall_clock"`
		QueueCapacity    int    `yaml:"queue_capacity"`
		MemoryLimitBytes int64  `yaml:"memory_limit_bytes"`
	} `yaml:"limits"`
	Tracing struct {
		Enabled  bool   `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"tracing"`
}

// WriteDefaultConfig writes the default configuration to path, creating
// parent directories. The write is atomic (temp file plus rename) so a
// concurrent reader never observes a partial file.
func WriteDefaultConfig(path string) error {
	defaults := Defaults()

	var fc fileConfig
	fc.Host = defaults.Host
	fc.Port = defaults.Port
	fc.Limits.MaxActiveWorkers = defaults.Limits.MaxActiveWorkers
	fc.Limits.WorkerWallClock = defaults.Limits.WorkerWallClock.String()
	fc.Limits.QueueCapacity = defaults.Limits.QueueCapacity
	fc.Limits.MemoryLimitBytes = defaults.Limits.MemoryLimitBytes
	fc.Tracing.Enabled = defaults.Tracing.Enabled
	fc.Tracing.Exporter = defaults.Tracing.Exporter

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
