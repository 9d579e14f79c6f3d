package config

import (
	"fmt"
	"strings"

	"github.com/sarl/janus-version-1/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level       string          `yaml:"level"`       // debug, info, warn, error
	Format      string          `yaml:"format"`      // json, console
	File        string          `yaml:"file"`        // extra output path besides stderr
	Development bool            `yaml:"development"` // zap development mode
	Categories  map[string]bool `yaml:"categories"`  // Per-category toggles
}

var validLevels = []string{"debug", "info", "warn", "error"}

// Validate checks level and format.
func (c *LoggingConfig) Validate() error {
	level := strings.ToLower(c.Level)
	valid := level == ""
	for _, l := range validLevels {
		if level == l {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.Level, validLevels)
	}

	switch strings.ToLower(c.Format) {
	case "", "json", "console", "text":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Format)
	}
	return nil
}

// Options converts the config for logging.Initialize.
func (c *LoggingConfig) Options() logging.Options {
	opts := logging.Options{
		Level:       c.Level,
		Format:      c.Format,
		Development: c.Development,
		Categories:  c.Categories,
	}
	if c.File != "" {
		opts.OutputPaths = []string{"stderr", c.File}
	}
	return opts
}
