package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Limits.MaxActiveWorkers)
	assert.Equal(t, 30*time.Minute, cfg.Limits.WorkerWallClock)
	assert.Equal(t, 1000, cfg.Limits.QueueCapacity)
	assert.Equal(t, int64(512*1024*1024), cfg.Limits.MemoryLimitBytes)
	assert.Equal(t, 3, cfg.Limits.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Limits.SampleInterval)
}

func TestValidateRejectsBadLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Limits.MaxActiveWorkers = 0 }},
		{"zero queue", func(c *Config) { c.Limits.QueueCapacity = 0 }},
		{"negative retries", func(c *Config) { c.Limits.MaxRetries = -1 }},
		{"zero interval", func(c *Config) { c.Limits.SampleInterval = 0 }},
		{"zero memory", func(c *Config) { c.Limits.MemoryLimitBytes = 0 }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStatePaths(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = "/tmp/chamber-test"
	assert.Equal(t, "/tmp/chamber-test/registry.json", cfg.RegistryPath())
	assert.Equal(t, "/tmp/chamber-test/messages", cfg.MessagesDir())
	assert.Equal(t, "/tmp/chamber-test/consolidations.json", cfg.ConsolidationsPath())
}

func TestWriteDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var fc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &fc))
	assert.Contains(t, fc, "limits")
	assert.Contains(t, fc, "tracing")
}

func TestEnsureStateDir(t *testing.T) {
	cfg := Defaults()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	require.NoError(t, cfg.EnsureStateDir())

	info, err := os.Stat(cfg.MessagesDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
