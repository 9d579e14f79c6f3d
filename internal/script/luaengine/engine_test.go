package luaengine

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
	hooks, err := New().Analyze("test.lua", text)
	require.NoError(t, err)
	return script.NewDefinition("test.lua", script.LanguageLua, text, hooks)
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
	hooks, err := New().Analyze("a.lua", `
function activateAgent(a) end
liveAgent = function(a, b) end
local function endAgent(a) end
function util.liveAgent(a) end
`)
	require.NoError(t, err)
	want := script.HookSet{
		script.HookActivate: {Present: true, Arity: 1},
		script.HookLive:     {Present: true, Arity: 2},
	}
	if diff := cmp.Diff(want, hooks); diff != "" {
		t.Errorf("hooks mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeSyntaxError(t *testing.T) {
	_, err := New().Analyze("broken.lua", "function liveAgent(a)\n  if then\nend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.lua")
}

func TestFlagScenario(t *testing.T) {
	text, err := os.ReadFile("testdata/flags.lua")
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
		{"two params", "function liveAgent(a, b) end", script.ErrArityMismatch, script.HookLive},
		{"no params", "function endAgent() end", script.ErrArityMismatch, script.HookEnd},
		{"varargs only", "function liveAgent(...) end", script.ErrArityMismatch, script.HookLive},
		{"not a function", "activateAgent = 42", script.ErrMissingEntryPoint, script.HookActivate},
		{"declared then cleared", "function liveAgent(a) end\nliveAgent = nil", script.ErrMissingEntryPoint, script.HookLive},
		{"top level error", "error('no config')", script.ErrInit, ""},
		{"sandbox", "local f = io.open('/etc/passwd')", script.ErrInit, ""},
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

func TestTrailingVarargsAreAllowed(t *testing.T) {
	bound := bind(t, `function liveAgent(a, ...) a:writeOwnState("ran", true) end`)
	surface, _ := newSurface()
	require.NoError(t, bound.Invoke(context.Background(), script.HookLive, surface))
	assert.Equal(t, true, surface.Snapshot()["ran"])
}

func TestRuntimeDefinedHookIsBound(t *testing.T) {
	bound := bind(t, `_G["live" .. "Agent"] = function(a) a:writeOwnState("ran", true) end`)
	surface, _ := newSurface()

	require.NoError(t, bound.Invoke(context.Background(), script.HookLive, surface))
	assert.Equal(t, true, surface.ReadOwnState("ran"))
}

func TestRuntimeErrorDoesNotPoisonContext(t *testing.T) {
	bound := bind(t, `
calls = 0
function liveAgent(a)
  calls = calls + 1
  if calls == 1 then error("first call fails") end
  a:writeOwnState("calls", calls)
end
`)
	surface, _ := newSurface()
	ctx := context.Background()

	err := bound.Invoke(ctx, script.HookLive, surface)
	var rte *script.RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, script.HookLive, rte.Hook)
	assert.Contains(t, rte.Message, "first call fails")

	require.NoError(t, bound.Invoke(ctx, script.HookLive, surface))
	assert.Equal(t, int64(2), surface.ReadOwnState("calls"))
}

func TestStateValuesRoundTrip(t *testing.T) {
	bound := bind(t, `
function activateAgent(a)
  a:writeOwnState("n", 1.5)
  a:writeOwnState("list", {"x", "y"})
  a:writeOwnState("rec", {k = "v"})
end
function liveAgent(a)
  local list = a:readOwnState("list")
  a:writeOwnState("second", list[2])
  a:writeOwnState("k", a:readOwnState("rec").k)
end
`)
	surface, _ := newSurface()
	ctx := context.Background()
	require.NoError(t, bound.Invoke(ctx, script.HookActivate, surface))
	require.NoError(t, bound.Invoke(ctx, script.HookLive, surface))

	snap := surface.Snapshot()
	assert.Equal(t, 1.5, snap["n"])
	assert.Equal(t, []any{"x", "y"}, snap["list"])
	assert.Equal(t, map[string]any{"k": "v"}, snap["rec"])
	assert.Equal(t, "y", snap["second"])
	assert.Equal(t, "v", snap["k"])
}

func TestWriteOwnStateRejectsFunctions(t *testing.T) {
	bound := bind(t, `function liveAgent(a) a:writeOwnState("f", function() end) end`)
	surface, _ := newSurface()

	err := bound.Invoke(context.Background(), script.HookLive, surface)
	assert.ErrorIs(t, err, script.ErrRuntime)
	assert.Empty(t, surface.Snapshot())
}

func TestWriteOwnStateRejectsCyclicTables(t *testing.T) {
	bound := bind(t, `
function liveAgent(a)
  local shared = {1, 2}
  a:writeOwnState("dag", {left = shared, right = shared})
  local t = {}
  t.self = t
  a:writeOwnState("cycle", t)
end
`)
	surface, _ := newSurface()

	err := bound.Invoke(context.Background(), script.HookLive, surface)
	require.ErrorIs(t, err, script.ErrRuntime)
	assert.Contains(t, err.Error(), "cyclic")

	snap := surface.Snapshot()
	assert.Equal(t, map[string]any{"left": []any{int64(1), int64(2)}, "right": []any{int64(1), int64(2)}}, snap["dag"])
	assert.NotContains(t, snap, "cycle")
}

func TestContextsDoNotShareGlobals(t *testing.T) {
	def := analyze(t, `
calls = 0
function liveAgent(a)
  calls = calls + 1
  a:writeOwnState("calls", calls)
end
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
	bound := bind(t, `function liveAgent(a) while true do end end`)
	surface, _ := newSurface()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := bound.Invoke(ctx, script.HookLive, surface)
	assert.ErrorIs(t, err, script.ErrRuntime)
}
