package config

import "fmt"

// EnginesConfig selects the script engines to register.
type EnginesConfig struct {
	Go         GoEngineConfig `yaml:"go"`
	Lua        EngineToggle   `yaml:"lua"`
	JavaScript JSEngineConfig `yaml:"javascript"`
}

// EngineToggle enables or disables one engine.
type EngineToggle struct {
	Enabled bool `yaml:"enabled"`
}

// JSEngineConfig configures the goja engine.
type JSEngineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Deepest JavaScript call stack before a RangeError (0 = engine default)
	MaxCallStackSize int `yaml:"max_call_stack_size"`
}

// GoEngineConfig configures the yaegi engine.
type GoEngineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Standard packages scripts may import (empty = engine default)
	AllowedPackages []string `yaml:"allowed_packages"`
}

// DefaultEnginesConfig enables every engine.
func DefaultEnginesConfig() EnginesConfig {
	return EnginesConfig{
		Go:         GoEngineConfig{Enabled: true},
		Lua:        EngineToggle{Enabled: true},
		JavaScript: JSEngineConfig{Enabled: true},
	}
}

// Validate requires at least one engine.
func (c *EnginesConfig) Validate() error {
	if !c.Go.Enabled && !c.Lua.Enabled && !c.JavaScript.Enabled {
		return fmt.Errorf("no script engine enabled (engines.go, engines.lua, engines.javascript)")
	}
	if c.JavaScript.MaxCallStackSize < 0 {
		return fmt.Errorf("engines.javascript.max_call_stack_size must be >= 0, got %d", c.JavaScript.MaxCallStackSize)
	}
	for _, pkg := range c.Go.AllowedPackages {
		switch pkg {
		case "os", "os/exec", "net", "net/http", "syscall", "unsafe", "reflect":
			return fmt.Errorf("engines.go.allowed_packages: %q cannot be exposed to scripts", pkg)
		}
	}
	return nil
}
