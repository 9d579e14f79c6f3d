// Package engines assembles the script engine registry from configuration.
package engines

import (
	"github.com/sarl/janus-version-1/internal/config"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"
	"github.com/sarl/janus-version-1/internal/script/goengine"
	"github.com/sarl/janus-version-1/internal/script/jsengine"
	"github.com/sarl/janus-version-1/internal/script/luaengine"
)

// NewRegistry registers every engine enabled in cfg.
func NewRegistry(cfg config.EnginesConfig) *script.Registry {
	registry := script.NewRegistry()
	if cfg.Go.Enabled {
		registry.Register(goengine.New(cfg.Go.AllowedPackages...))
	}
	if cfg.Lua.Enabled {
		registry.Register(luaengine.New())
	}
	if cfg.JavaScript.Enabled {
		registry.Register(jsengine.New(jsengine.WithMaxCallStackSize(cfg.JavaScript.MaxCallStackSize)))
	}
	logging.Get(logging.CategoryEngines).Info("Registered script engines: %v", registry.Languages())
	return registry
}

// Default registers all engines with their default settings.
func Default() *script.Registry {
	return NewRegistry(config.DefaultEnginesConfig())
}
