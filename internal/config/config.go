package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all janus bridge configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Script repository
	Scripts ScriptsConfig `yaml:"scripts"`

	// Script engines
	Engines EnginesConfig `yaml:"engines"`

	// Agent kernel scheduling
	Kernel KernelConfig `yaml:"kernel"`

	// Failure channel sinks
	Failures FailuresConfig `yaml:"failures"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ScriptsConfig configures where named scripts are looked up.
type ScriptsConfig struct {
	// Search directories, first match wins
	Paths []string `yaml:"paths"`

	// Watch the directories and drop cached definitions on change
	Watch         bool   `yaml:"watch"`
	WatchDebounce string `yaml:"watch_debounce"`
}

// KernelConfig configures the in-process agent kernel.
type KernelConfig struct {
	// Pause between two live cycles of one agent ("0s" = back to back)
	LiveInterval string `yaml:"live_interval"`

	// Upper bound for Shutdown to wait for agents to end
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// Failure policy
	TerminateOnFailure     bool `yaml:"terminate_on_failure"`     // any hook failure ends the agent
	MaxConsecutiveFailures int  `yaml:"max_consecutive_failures"` // 0 = unlimited
}

// FailuresConfig configures where reported failures go.
type FailuresConfig struct {
	// SQLite database for failure history ("" = disabled)
	DatabasePath string `yaml:"database_path"`

	// Failures queued for the database writer; overflow is dropped and counted
	BufferSize int `yaml:"buffer_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "janus",

		Scripts: ScriptsConfig{
			Paths:         []string{"scripts"},
			Watch:         false,
			WatchDebounce: "200ms",
		},

		Engines: DefaultEnginesConfig(),

		Kernel: KernelConfig{
			LiveInterval:           "10ms",
			ShutdownTimeout:        "5s",
			TerminateOnFailure:     false,
			MaxConsecutiveFailures: 0,
		},

		Failures: FailuresConfig{
			DatabasePath: "",
			BufferSize:   256,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Extra script directories take precedence over configured ones
	if paths := os.Getenv("JANUS_SCRIPT_PATH"); paths != "" {
		var extra []string
		for _, p := range filepath.SplitList(paths) {
			if p = strings.TrimSpace(p); p != "" {
				extra = append(extra, p)
			}
		}
		c.Scripts.Paths = append(extra, c.Scripts.Paths...)
	}

	if level := os.Getenv("JANUS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if path := os.Getenv("JANUS_FAILURE_DB"); path != "" {
		c.Failures.DatabasePath = path
	}
}

// GetLiveInterval returns the pause between live cycles.
func (c *Config) GetLiveInterval() time.Duration {
	d, err := time.ParseDuration(c.Kernel.LiveInterval)
	if err != nil || d < 0 {
		return 10 * time.Millisecond
	}
	return d
}

// GetShutdownTimeout returns how long Shutdown waits for agents.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Kernel.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetWatchDebounce returns the repository watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Scripts.WatchDebounce)
	if err != nil || d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Engines.Validate(); err != nil {
		return err
	}

	durations := map[string]string{
		"kernel.live_interval":    c.Kernel.LiveInterval,
		"kernel.shutdown_timeout": c.Kernel.ShutdownTimeout,
		"scripts.watch_debounce":  c.Scripts.WatchDebounce,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, value, err)
		}
	}

	if c.Kernel.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("kernel.max_consecutive_failures must be >= 0, got %d", c.Kernel.MaxConsecutiveFailures)
	}
	if c.Failures.BufferSize < 0 {
		return fmt.Errorf("failures.buffer_size must be >= 0, got %d", c.Failures.BufferSize)
	}
	return nil
}
