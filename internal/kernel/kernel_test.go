package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sarl/janus-version-1/internal/agent"
	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/ledger"
	"github.com/sarl/janus-version-1/internal/script"
	"github.com/sarl/janus-version-1/internal/script/engines"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAgent counts calls and terminates itself after liveLimit cycles
// (0 = never).
type fakeAgent struct {
	id        string
	liveLimit int64
	liveErr   error

	activations atomic.Int64
	lives       atomic.Int64
	ends        atomic.Int64
	terminated  atomic.Bool
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Activate(context.Context) error {
	a.activations.Add(1)
	return nil
}

func (a *fakeAgent) Live(context.Context) error {
	n := a.lives.Add(1)
	if a.liveLimit > 0 && n >= a.liveLimit {
		a.terminated.Store(true)
	}
	return a.liveErr
}

func (a *fakeAgent) End(context.Context) error {
	a.ends.Add(1)
	return nil
}

func (a *fakeAgent) RequestTerminate()          { a.terminated.Store(true) }
func (a *fakeAgent) TerminationRequested() bool { return a.terminated.Load() }

func TestDeferredLaunch(t *testing.T) {
	k := New()
	a := &fakeAgent{id: "a", liveLimit: 3}
	require.NoError(t, k.Submit(a))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, a.activations.Load(), "agent must wait for Launch")

	require.NoError(t, k.Launch(context.Background()))
	require.NoError(t, k.Wait())

	assert.Equal(t, int64(1), a.activations.Load())
	assert.Equal(t, int64(3), a.lives.Load())
	assert.Equal(t, int64(1), a.ends.Load())
	assert.ErrorIs(t, k.Launch(context.Background()), ErrAlreadyLaunched)
}

func TestSubmitAfterLaunchStartsImmediately(t *testing.T) {
	k := New()
	require.NoError(t, k.Launch(context.Background()))

	a := &fakeAgent{id: "late", liveLimit: 1}
	require.NoError(t, k.Submit(a))
	done, ok := k.Done("late")
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never ended")
	}
	require.NoError(t, k.Wait())
	assert.Equal(t, int64(1), a.ends.Load())
}

func TestSubmitRejections(t *testing.T) {
	k := New()
	require.NoError(t, k.Submit(&fakeAgent{id: "x"}))
	assert.ErrorIs(t, k.Submit(&fakeAgent{id: "x"}), ErrDuplicateAgent)

	k.Shutdown()
	assert.ErrorIs(t, k.Submit(&fakeAgent{id: "y"}), ErrShutdown)
	assert.ErrorIs(t, k.Launch(context.Background()), ErrShutdown)
	assert.ErrorIs(t, k.Kill("nobody"), ErrUnknownAgent)
	require.NoError(t, k.Wait())
}

func TestShutdownBeforeLaunchEndsPendingAgents(t *testing.T) {
	k := New()
	a := &fakeAgent{id: "pending"}
	require.NoError(t, k.Submit(a))
	k.Shutdown()
	k.Shutdown()

	done, _ := k.Done("pending")
	<-done
	assert.Zero(t, a.activations.Load())
	assert.Equal(t, int64(1), a.ends.Load())
}

func TestKillEndsOneAgent(t *testing.T) {
	k := New(WithLiveInterval(time.Millisecond))
	victim := &fakeAgent{id: "victim"}
	other := &fakeAgent{id: "other"}
	require.NoError(t, k.Submit(victim))
	require.NoError(t, k.Submit(other))
	require.NoError(t, k.Launch(context.Background()))

	require.Eventually(t, func() bool { return victim.lives.Load() > 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, k.Kill("victim"))

	done, _ := k.Done("victim")
	<-done
	assert.Equal(t, int64(1), victim.ends.Load())
	assert.False(t, other.TerminationRequested())

	k.Shutdown()
	require.NoError(t, k.Wait())
	assert.Equal(t, int64(1), other.ends.Load())
	assert.Equal(t, []string{"other", "victim"}, k.Agents())
}

func TestCancelledContextStillEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k := New(WithLiveInterval(time.Hour))
	a := &fakeAgent{id: "a"}
	require.NoError(t, k.Submit(a))
	require.NoError(t, k.Launch(ctx))

	require.Eventually(t, func() bool { return a.lives.Load() > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, k.Wait())
	assert.Equal(t, int64(1), a.ends.Load())
}

func TestStopCancelsStuckAgents(t *testing.T) {
	k := New()
	stuck := &blockingAgent{fakeAgent: fakeAgent{id: "stuck"}}
	require.NoError(t, k.Submit(stuck))
	require.NoError(t, k.Launch(context.Background()))
	require.Eventually(t, func() bool { return stuck.lives.Load() > 0 }, 5*time.Second, time.Millisecond)

	err := k.Stop(20 * time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, int64(1), stuck.ends.Load())
}

// blockingAgent's live cycle only returns when its context is cancelled.
type blockingAgent struct {
	fakeAgent
}

func (a *blockingAgent) Live(ctx context.Context) error {
	a.lives.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestLoopStopsWhenAgentEndedElsewhere(t *testing.T) {
	k := New()
	a := &fakeAgent{id: "a", liveErr: fmt.Errorf("wrapped: %w", agent.ErrEnded)}
	require.NoError(t, k.Submit(a))
	require.NoError(t, k.Launch(context.Background()))
	require.NoError(t, k.Wait())
	assert.Equal(t, int64(1), a.lives.Load())
}

func TestFailurePolicies(t *testing.T) {
	hookFailure := func(id string) failure.Failure {
		return failure.Failure{AgentID: id, Stage: failure.StageHook, Hook: script.HookLive, Kind: failure.KindRuntime}
	}

	t.Run("never fatal", func(t *testing.T) {
		k := New()
		a := &fakeAgent{id: "a"}
		require.NoError(t, k.Submit(a))
		for i := 0; i < 5; i++ {
			k.Report(hookFailure("a"))
		}
		assert.False(t, a.TerminationRequested())
		k.Shutdown()
		require.NoError(t, k.Wait())
	})

	t.Run("terminate on failure", func(t *testing.T) {
		k := New(WithFailurePolicy(TerminateOnFailure))
		a := &fakeAgent{id: "a"}
		require.NoError(t, k.Submit(a))
		k.Report(failure.Failure{AgentID: "a", Stage: failure.StageBind})
		assert.False(t, a.TerminationRequested(), "only hook failures count")
		k.Report(hookFailure("a"))
		assert.True(t, a.TerminationRequested())
		k.Shutdown()
		require.NoError(t, k.Wait())
	})

	t.Run("consecutive", func(t *testing.T) {
		k := New(WithFailurePolicy(MaxConsecutiveFailures(3)))
		a := &fakeAgent{id: "a"}
		require.NoError(t, k.Submit(a))
		k.Report(hookFailure("a"))
		k.Report(hookFailure("a"))
		k.clearFailures("a")
		k.Report(hookFailure("a"))
		k.Report(hookFailure("a"))
		assert.False(t, a.TerminationRequested())
		k.Report(hookFailure("a"))
		assert.True(t, a.TerminationRequested())
		k.Report(hookFailure("unknown"))
		k.Shutdown()
		require.NoError(t, k.Wait())
	})

	assert.False(t, MaxConsecutiveFailures(0)(failure.Failure{}, 100))
}

func TestReportForwardsToSinks(t *testing.T) {
	rec := &failure.Recorder{}
	k := New(WithReporters(rec, nil))
	k.Report(failure.Failure{AgentID: "", Stage: failure.StageLoad, Kind: failure.KindNotFound})
	assert.Equal(t, 1, rec.Len())
}

// --- integration with scripted agents ---

const flagsLua = `
function activateAgent(agent)
  agent:writeOwnState("scriptedLiveExecuted", false)
end

function liveAgent(agent)
  if agent:readOwnState("scriptedLiveExecuted") then
    agent:requestTerminate()
    agent:writeOwnState("scriptedKilledExecuted", true)
    return
  end
  agent:writeOwnState("scriptedLiveExecuted", true)
end

function endAgent(agent)
  agent:writeOwnState("scriptedEndExecuted", true)
end
`

const flakyLua = `
function liveAgent(a)
  local n = (a:readOwnState("n") or 0) + 1
  a:writeOwnState("n", n)
  if n == 1 then error("first cycle fails") end
  if n >= 3 then a:requestTerminate() end
end
`

const foreverLua = `
function liveAgent(a) a:writeOwnState("n", (a:readOwnState("n") or 0) + 1) end
function endAgent(a) a:writeOwnState("ended", true) end
`

const alwaysFailsLua = `
function liveAgent(a)
  a:writeOwnState("n", (a:readOwnState("n") or 0) + 1)
  error("nope")
end
`

type harness struct {
	kernel  *Kernel
	factory *agent.Factory
	ledger  *ledger.Ledger
	rec     *failure.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	led, err := ledger.New()
	require.NoError(t, err)
	rec := &failure.Recorder{}

	k := New(append([]Option{WithReporters(rec, led)}, opts...)...)
	registry := engines.Default()
	factory := agent.NewFactory(script.NewLoader(registry, nil), registry,
		agent.WithReporter(k), agent.WithObserver(led))
	return &harness{kernel: k, factory: factory, ledger: led, rec: rec}
}

func (h *harness) spawn(t *testing.T, name, text string) *agent.ScriptedAgent {
	t.Helper()
	a, err := h.factory.New(context.Background(), script.Inline(script.LanguageLua, name, text))
	require.NoError(t, err)
	require.NoError(t, h.kernel.Submit(a))
	return a
}

func (h *harness) assertCleanLedger(t *testing.T) {
	t.Helper()
	violations, err := h.ledger.Violations()
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestFlagScenario(t *testing.T) {
	h := newHarness(t, WithLiveInterval(time.Millisecond))
	a := h.spawn(t, "flags", flagsLua)

	require.NoError(t, h.kernel.Launch(context.Background()))
	require.NoError(t, h.kernel.Wait())

	state := a.State()
	assert.Equal(t, true, state["scriptedLiveExecuted"])
	assert.Equal(t, true, state["scriptedKilledExecuted"])
	assert.Equal(t, true, state["scriptedEndExecuted"])
	assert.Equal(t, 1, h.ledger.Count(a.ID(), script.HookActivate))
	assert.Equal(t, 2, h.ledger.Count(a.ID(), script.HookLive))
	assert.Equal(t, 1, h.ledger.Count(a.ID(), script.HookEnd))
	assert.Zero(t, h.rec.Len())
	h.assertCleanLedger(t)
}

func TestAgentsOnOneScriptAreIsolated(t *testing.T) {
	h := newHarness(t, WithLiveInterval(time.Millisecond))
	first := h.spawn(t, "forever", foreverLua)
	second := h.spawn(t, "forever", foreverLua)
	require.NoError(t, h.kernel.Launch(context.Background()))

	require.Eventually(t, func() bool {
		n, _ := first.State()["n"].(int64)
		return n >= 5
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, h.kernel.Kill(first.ID()))
	done, _ := h.kernel.Done(first.ID())
	<-done

	assert.Equal(t, true, first.State()["ended"])
	assert.Nil(t, second.State()["ended"])

	require.NoError(t, h.kernel.Stop(5*time.Second))
	assert.Equal(t, true, second.State()["ended"])
	assert.Equal(t, 1, h.ledger.Count(second.ID(), script.HookEnd))
	h.assertCleanLedger(t)
}

func TestFailingLiveHookIsObservableAndRetried(t *testing.T) {
	h := newHarness(t)
	a := h.spawn(t, "flaky", flakyLua)
	require.NoError(t, h.kernel.Launch(context.Background()))
	require.NoError(t, h.kernel.Wait())

	assert.Equal(t, int64(3), a.State()["n"])
	failures := h.rec.ByAgent(a.ID())
	require.Len(t, failures, 1)
	assert.Equal(t, failure.StageHook, failures[0].Stage)
	assert.Equal(t, failure.KindRuntime, failures[0].Kind)
	assert.Equal(t, script.HookLive, failures[0].Hook)
	assert.Contains(t, failures[0].Message, "first cycle fails")
	h.assertCleanLedger(t)
}

func TestConsecutiveFailurePolicyEndsScriptedAgent(t *testing.T) {
	h := newHarness(t, WithFailurePolicy(MaxConsecutiveFailures(2)))
	a := h.spawn(t, "fails", alwaysFailsLua)
	require.NoError(t, h.kernel.Launch(context.Background()))
	require.NoError(t, h.kernel.Wait())

	assert.Equal(t, int64(2), a.State()["n"])
	assert.Len(t, h.rec.ByAgent(a.ID()), 2)
	assert.Equal(t, 1, h.ledger.Count(a.ID(), script.HookEnd))
}

func TestShutdownEndsEveryScriptedAgentOnce(t *testing.T) {
	h := newHarness(t, WithLiveInterval(time.Millisecond))
	var agents []*agent.ScriptedAgent
	for i := 0; i < 4; i++ {
		agents = append(agents, h.spawn(t, "forever", foreverLua))
	}
	require.NoError(t, h.kernel.Launch(context.Background()))
	require.Eventually(t, func() bool {
		for _, a := range agents {
			if a.State()["n"] == nil {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.kernel.Shutdown()
		}()
	}
	wg.Wait()
	require.NoError(t, h.kernel.Wait())

	for _, a := range agents {
		assert.Equal(t, 1, h.ledger.Count(a.ID(), script.HookEnd), a.ID())
		assert.Equal(t, 1, h.ledger.Count(a.ID(), script.HookActivate), a.ID())
		assert.True(t, errors.Is(a.Live(context.Background()), agent.ErrEnded))
	}
	h.assertCleanLedger(t)
}
