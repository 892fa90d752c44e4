// Package cmd defines the chamber CLI: the serve daemon plus worker
// subcommands that talk to a running daemon over its HTTP API.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/chamber/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	addrFlag  string
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chamber",
	Short: "Parallel agent orchestrator",
	Long: `Chamber orchestrates parallel coding agents: each worker runs in an
isolated git worktree on its own branch, coordinated through barriers,
elections, and a durable message bus. When workers finish, the
consolidation engine scores their diffs, detects conflicts, and exports
a merged branch.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/chamber/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging to the state directory")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "",
		"daemon address (overrides config host/port)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("state_dir", defaults.StateDir)
	viper.SetDefault("host", defaults.Host)
	viper.SetDefault("port", defaults.Port)
	viper.SetDefault("limits.max_active_workers", defaults.Limits.MaxActiveWorkers)
	viper.SetDefault("limits.worker_wall_clock", defaults.Limits.WorkerWallClock)
	viper.SetDefault("limits.terminate_grace", defaults.Limits.TerminateGrace)
	viper.SetDefault("limits.queue_capacity", defaults.Limits.QueueCapacity)
	viper.SetDefault("limits.max_retries", defaults.Limits.MaxRetries)
	viper.SetDefault("limits.retry_base_delay", defaults.Limits.RetryBaseDelay)
	viper.SetDefault("limits.sample_interval", defaults.Limits.SampleInterval)
	viper.SetDefault("limits.sample_window", defaults.Limits.SampleWindow)
	viper.SetDefault("limits.memory_limit_bytes", defaults.Limits.MemoryLimitBytes)
	viper.SetDefault("limits.registry_ceiling", defaults.Limits.RegistryCeiling)
	viper.SetDefault("limits.registry_prune_age", defaults.Limits.RegistryPruneAge)
	viper.SetDefault("limits.log_ring_capacity", defaults.Limits.LogRingCapacity)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .chamber/config.yaml (current directory)
		// 2. ~/.config/chamber/config.yaml (user config)
		if _, err := os.Stat(".chamber/config.yaml"); err == nil {
			viper.SetConfigFile(".chamber/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "chamber"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config anywhere: write the defaults next to the state dir
		// and carry on. A failed write just means running on defaults.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(config.DefaultStateDir(), "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// apiBase returns the daemon base URL client subcommands talk to.
func apiBase() string {
	if addrFlag != "" {
		return "http://" + addrFlag
	}
	return fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
