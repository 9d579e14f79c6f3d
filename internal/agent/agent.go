// Package agent couples one bound script to one kernel-managed agent and
// forwards each lifecycle transition into the matching hook.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/sarl/janus-version-1/internal/control"
	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"
)

var (
	// ErrNotActivated is returned by Live before Activate has run.
	ErrNotActivated = errors.New("agent not activated")
	// ErrEnded is returned by Activate and Live once the agent has ended.
	ErrEnded = errors.New("agent ended")
)

// Observer is told about every hook the adapter delivers. The lifecycle
// ledger implements it.
type Observer interface {
	HookInvoked(agentID string, hook script.Hook)
	HookFailed(agentID string, hook script.Hook, err error)
	TerminateRequested(agentID string)
}

type nopObserver struct{}

func (nopObserver) HookInvoked(string, script.Hook)       {}
func (nopObserver) HookFailed(string, script.Hook, error) {}
func (nopObserver) TerminateRequested(string)             {}

// ScriptedAgent is the adapter between the kernel lifecycle and a script.
// Activate, Live and End are serialized per agent; different agents share
// nothing but their read-only definition.
type ScriptedAgent struct {
	id       string
	def      *script.Definition
	bound    script.Context
	reporter failure.Reporter
	observer Observer
	logger   *logging.Logger

	lifecycle control.Lifecycle
	surface   *control.Surface

	mu        sync.Mutex
	activated bool
}

func newScriptedAgent(id string, def *script.Definition, bound script.Context, reporter failure.Reporter, observer Observer) *ScriptedAgent {
	a := &ScriptedAgent{
		id:       id,
		def:      def,
		bound:    bound,
		reporter: reporter,
		observer: observer,
		logger:   logging.Get(logging.CategoryAgents).With("agent", id, "source", def.Identity()),
	}
	a.surface = control.NewSurface(&a.lifecycle, func() {
		a.logger.Debug("Termination requested")
		a.observer.TerminateRequested(a.id)
	})
	a.lifecycle.Advance(control.Bound)
	return a
}

// ID returns the kernel-visible identifier.
func (a *ScriptedAgent) ID() string { return a.id }

// Definition returns the behavior the agent runs.
func (a *ScriptedAgent) Definition() *script.Definition { return a.def }

// Phase returns the current lifecycle phase.
func (a *ScriptedAgent) Phase() control.Phase { return a.lifecycle.Phase() }

// State returns a copy of the agent's private script state.
func (a *ScriptedAgent) State() map[string]any { return a.surface.Snapshot() }

// Activate runs the activate hook exactly once. A failing hook is reported
// and the agent is activated anyway; the hook error is also returned.
// Calls after the first are no-ops.
func (a *ScriptedAgent) Activate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle.Phase() == control.Ended {
		return ErrEnded
	}
	if a.activated {
		return nil
	}
	a.activated = true
	err := a.invoke(ctx, script.HookActivate)
	a.lifecycle.Advance(control.Activated)
	a.logger.Debug("Activated")
	return err
}

// Live runs the live hook once. It is a no-op once termination has been
// requested.
func (a *ScriptedAgent) Live(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.lifecycle.Phase() == control.Ended:
		return ErrEnded
	case !a.activated:
		return ErrNotActivated
	case a.lifecycle.TerminationRequested():
		return nil
	}
	a.lifecycle.Advance(control.Live)
	return a.invoke(ctx, script.HookLive)
}

// End runs the end hook at most once and releases the interpreter. Later
// calls are no-ops. An agent that was never activated ends without running
// the hook.
func (a *ScriptedAgent) End(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lifecycle.Advance(control.Ended) {
		a.logger.Debug("Duplicate end ignored")
		return nil
	}

	var err error
	if a.activated {
		err = a.invoke(ctx, script.HookEnd)
	}
	if closeErr := a.bound.Close(); closeErr != nil {
		logging.AgentsError("Agent %s: closing interpreter: %v", a.id, closeErr)
	}
	a.logger.Debug("Ended")
	return err
}

// RequestTerminate is the kernel-side terminate request (kill, shutdown).
// It has the same effect as the script calling it on its handle.
func (a *ScriptedAgent) RequestTerminate() {
	a.surface.RequestTerminate()
}

// TerminationRequested reports whether the agent is EndRequested or Ended.
func (a *ScriptedAgent) TerminationRequested() bool {
	return a.lifecycle.TerminationRequested()
}

func (a *ScriptedAgent) invoke(ctx context.Context, hook script.Hook) error {
	a.observer.HookInvoked(a.id, hook)
	err := a.bound.Invoke(ctx, hook, a.surface)
	if err != nil {
		a.observer.HookFailed(a.id, hook, err)
		a.reporter.Report(failure.FromError(a.id, a.def.Identity(), err))
		a.logger.Debug("Hook %s failed: %v", hook, err)
	}
	return err
}
