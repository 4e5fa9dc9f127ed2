// Package config loads coordinator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds everything the driver needs to boot the coordinator.
type Config struct {
	// SubstrateURL is the connection URL for the queue/KV substrate.
	// The env var is named REDIS
	// even though the concrete substrate backing it is NATS JetStream.
	SubstrateURL string

	// ContainerPruneTimeout is the age threshold passed to the container
	// engine's prune primitive. Empty means pruning is disabled.
	ContainerPruneTimeout string

	// Debug enables verbose logging.
	Debug bool

	SystemWorkflowsDir  string
	UserWorkflowsDir    string
	ExampleWorkflowsDir string

	// PollInterval is how often the driver re-scans UserWorkflowsDir.
	PollInterval int // seconds
}

// Load reads configuration from the environment, applying the standard
// workflow directory layout rooted at workDir (defaults to cwd).
func Load(workDir string) (*Config, error) {
	if workDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		workDir = cwd
	}

	viper.AutomaticEnv()
	viper.BindEnv("substrate_url", "REDIS")
	viper.BindEnv("container_prune_timeout", "CONTAINER_PRUNE_TIMEOUT")
	viper.BindEnv("debug", "PYPELINES_DEBUG")
	viper.SetDefault("poll_interval", 60)
	viper.BindEnv("poll_interval", "PYPELINES_POLL_INTERVAL")

	cfg := &Config{
		SubstrateURL:          viper.GetString("substrate_url"),
		ContainerPruneTimeout: viper.GetString("container_prune_timeout"),
		Debug:                 viper.GetBool("debug"),
		SystemWorkflowsDir:    filepath.Join(workDir, "workflows", "system"),
		UserWorkflowsDir:      filepath.Join(workDir, "workflows", "user"),
		ExampleWorkflowsDir:   filepath.Join(workDir, "workflows", "example"),
		PollInterval:          viper.GetInt("poll_interval"),
	}

	if cfg.SubstrateURL == "" {
		return nil, fmt.Errorf("REDIS environment variable is required")
	}

	return cfg, nil
}
