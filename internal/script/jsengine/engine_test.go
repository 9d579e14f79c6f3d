package jsengine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sarl/janus-version-1/internal/control"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analyze(t *testing.T, text string) *script.Definition {
	t.Helper()
	hooks, err := New().Analyze("test.js", text)
	require.NoError(t, err)
	return script.NewDefinition("test.js", script.LanguageJavaScript, text, hooks)
}

func bind(t *testing.T, text string) script.Context {
	t.Helper()
	ctx, err := New().Bind(analyze(t, text))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func newSurface() (*control.Surface, *control.Lifecycle) {
	l := &control.Lifecycle{}
	l.Advance(control.Activated)
	return control.NewSurface(l, nil), l
}

func TestAnalyzeFindsHooks(t *testing.T) {
	hooks, err := New().Analyze("a.js", `
function activateAgent(a) {}
var liveAgent = function (a, b) {};
endAgent = pickHandler();
function helper() { function liveAgent() {} }
`)
	require.NoError(t, err)
	want := script.HookSet{
		script.HookActivate: {Present: true, Arity: 1},
		script.HookLive:     {Present: true, Arity: 2},
		script.HookEnd:      {Present: true, Arity: script.ArityUnknown},
	}
	if diff := cmp.Diff(want, hooks); diff != "" {
		t.Errorf("hooks mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeSyntaxError(t *testing.T) {
	_, err := New().Analyze("broken.js", "function liveAgent(a) {\n  if (\n}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.js")
}

func TestFlagScenario(t *testing.T) {
	text, err := os.ReadFile("testdata/flags.js")
	require.NoError(t, err)
	bound := bind(t, string(text))
	surface, lifecycle := newSurface()
	ctx := context.Background()

	require.NoError(t, bound.Invoke(ctx, script.HookActivate, surface))
	require.NoError(t, bound.Invoke(ctx, script.HookLive, surface))
	assert.False(t, lifecycle.TerminationRequested())
	require.NoError(t, bound.Invoke(ctx, script.HookLive, surface))
	assert.True(t, lifecycle.TerminationRequested())
	require.NoError(t, bound.Invoke(ctx, script.HookEnd, surface))

	want := map[string]any{
		"scriptedActivateExecuted": true,
		"scriptedLiveExecuted":     true,
		"scriptedKilledExecuted":   true,
		"scriptedEndExecuted":      true,
	}
	if diff := cmp.Diff(want, surface.Snapshot()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestBindErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind error
		hook script.Hook
	}{
		{"two params", "function liveAgent(a, b) {}", script.ErrArityMismatch, script.HookLive},
		{"no params", "var endAgent = () => {};", script.ErrArityMismatch, script.HookEnd},
		{"rest only", "function liveAgent(...args) {}", script.ErrArityMismatch, script.HookLive},
		{"not a function", "var activateAgent = 'hello';", script.ErrMissingEntryPoint, script.HookActivate},
		{"assigned undefined", "var liveAgent = undefined;", script.ErrMissingEntryPoint, script.HookLive},
		{"top level throws", "throw new Error('no config');", script.ErrInit, ""},
		{"no require", "const fs = require('fs');", script.ErrInit, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Bind(analyze(t, tt.text))
			require.Error(t, err)
			var be *script.BindError
			require.ErrorAs(t, err, &be)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.hook, be.Hook)
		})
	}
}

func TestRuntimeErrorDoesNotPoisonContext(t *testing.T) {
	bound := bind(t, `
let calls = 0;
function liveAgent(a) {
  calls++;
  if (calls === 1) throw new Error("first call fails");
  a.writeOwnState("calls", calls);
}
`)
	surface, _ := newSurface()
	ctx := context.Background()

	err := bound.Invoke(ctx, script.HookLive, surface)
	var rte *script.RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Contains(t, rte.Message, "first call fails")

	require.NoError(t, bound.Invoke(ctx, script.HookLive, surface))
	assert.Equal(t, int64(2), surface.ReadOwnState("calls"))
}

func TestTrailingRestParameterIsAllowed(t *testing.T) {
	bound := bind(t, `function liveAgent(a, ...rest) { a.writeOwnState("ran", true); }`)
	surface, _ := newSurface()
	require.NoError(t, bound.Invoke(context.Background(), script.HookLive, surface))
	assert.Equal(t, true, surface.Snapshot()["ran"])
}

func TestRunawayRecursionIsARuntimeError(t *testing.T) {
	def := analyze(t, `
function deeper(n) { return deeper(n + 1) + 1; }
function liveAgent(a) {
  if (a.readOwnState("recurse")) { deeper(0); }
  a.writeOwnState("ok", true);
}
`)
	bound, err := New(WithMaxCallStackSize(64)).Bind(def)
	require.NoError(t, err)
	defer bound.Close()

	surface, _ := newSurface()
	surface.WriteOwnState("recurse", true)
	err = bound.Invoke(context.Background(), script.HookLive, surface)
	require.ErrorIs(t, err, script.ErrRuntime)
	assert.Contains(t, err.Error(), "call stack")

	surface.WriteOwnState("recurse", nil)
	require.NoError(t, bound.Invoke(context.Background(), script.HookLive, surface))
	assert.Equal(t, true, surface.ReadOwnState("ok"))
}

func TestWriteOwnStateRejectsFunctions(t *testing.T) {
	bound := bind(t, `function liveAgent(a) { a.writeOwnState("f", function () {}); }`)
	surface, _ := newSurface()

	err := bound.Invoke(context.Background(), script.HookLive, surface)
	assert.ErrorIs(t, err, script.ErrRuntime)
	assert.Empty(t, surface.Snapshot())
}

func TestContextsDoNotShareGlobals(t *testing.T) {
	def := analyze(t, `
var calls = 0;
function liveAgent(a) { a.writeOwnState("calls", ++calls); }
`)
	first, err := New().Bind(def)
	require.NoError(t, err)
	defer first.Close()
	second, err := New().Bind(def)
	require.NoError(t, err)
	defer second.Close()

	a, _ := newSurface()
	b, _ := newSurface()
	ctx := context.Background()
	require.NoError(t, first.Invoke(ctx, script.HookLive, a))
	require.NoError(t, first.Invoke(ctx, script.HookLive, a))
	require.NoError(t, second.Invoke(ctx, script.HookLive, b))

	assert.Equal(t, int64(2), a.ReadOwnState("calls"))
	assert.Equal(t, int64(1), b.ReadOwnState("calls"))
}

func TestInvokeHonoursCancellation(t *testing.T) {
	bound := bind(t, `
function liveAgent(a) {
  if (a.readOwnState("spin")) { for (;;) {} }
  a.writeOwnState("ok", true);
}
`)
	surface, _ := newSurface()
	surface.WriteOwnState("spin", true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bound.Invoke(ctx, script.HookLive, surface)
	assert.ErrorIs(t, err, script.ErrRuntime)

	// the same runtime keeps working once the interrupt is cleared
	surface.WriteOwnState("spin", nil)
	require.NoError(t, bound.Invoke(context.Background(), script.HookLive, surface))
	assert.Equal(t, true, surface.ReadOwnState("ok"))
}
