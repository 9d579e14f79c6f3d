package agent

import (
	"context"

	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/google/uuid"
)

// Factory loads and binds scripts into agents. A failed load or bind is
// reported and returned; no agent is produced.
type Factory struct {
	loader   *script.Loader
	registry *script.Registry
	reporter failure.Reporter
	observer Observer
	newID    func() string
}

// Option configures a Factory.
type Option func(*Factory)

// WithReporter sets the failure channel. Default: failure.Discard.
func WithReporter(r failure.Reporter) Option {
	return func(f *Factory) { f.reporter = r }
}

// WithObserver sets the hook observer, typically a ledger.
func WithObserver(o Observer) Option {
	return func(f *Factory) { f.observer = o }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(gen func() string) Option {
	return func(f *Factory) { f.newID = gen }
}

// NewFactory creates a factory.
func NewFactory(loader *script.Loader, registry *script.Registry, opts ...Option) *Factory {
	f := &Factory{
		loader:   loader,
		registry: registry,
		reporter: failure.Discard,
		observer: nopObserver{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// New loads src, binds a fresh execution context and returns the agent in
// the Bound phase.
func (f *Factory) New(ctx context.Context, src script.Source) (*ScriptedAgent, error) {
	id := f.newID()

	def, err := f.loader.Load(ctx, src)
	if err != nil {
		f.reporter.Report(failure.FromError(id, src.Identity(), err))
		return nil, err
	}

	bound, err := f.registry.Bind(def)
	if err != nil {
		f.reporter.Report(failure.FromError(id, def.Identity(), err))
		return nil, err
	}

	if def.Inert() {
		logging.AgentsWarn("Script %s defines no hooks; agent %s will do nothing", def.Identity(), id)
	}
	logging.Agents("Created agent %s for %s", id, def.Identity())
	logging.AgentsDebug("Bound agent %s to %s", id, def)
	return newScriptedAgent(id, def, bound, f.reporter, f.observer), nil
}
