// Package kernel is a minimal in-process agent kernel: it accepts agent
// submissions, launches them together, drives each one through
// activate, live cycles and end, and routes reported failures.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sarl/janus-version-1/internal/agent"
	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/logging"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyLaunched = errors.New("kernel already launched")
	ErrShutdown        = errors.New("kernel is shut down")
	ErrDuplicateAgent  = errors.New("agent already submitted")
	ErrUnknownAgent    = errors.New("unknown agent")
)

// Agent is what the kernel schedules. agent.ScriptedAgent implements it.
type Agent interface {
	ID() string
	Activate(ctx context.Context) error
	Live(ctx context.Context) error
	End(ctx context.Context) error
	RequestTerminate()
	TerminationRequested() bool
}

// FailurePolicy decides whether a hook failure is fatal for its agent.
// consecutive counts the agent's hook failures since its last clean live
// cycle, including f.
type FailurePolicy func(f failure.Failure, consecutive int) bool

// NeverFatal keeps agents running whatever their hooks do.
func NeverFatal(failure.Failure, int) bool { return false }

// TerminateOnFailure ends an agent on its first hook failure.
func TerminateOnFailure(failure.Failure, int) bool { return true }

// MaxConsecutiveFailures ends an agent once n hook failures happen in a
// row. n <= 0 never ends it.
func MaxConsecutiveFailures(n int) FailurePolicy {
	return func(_ failure.Failure, consecutive int) bool {
		return n > 0 && consecutive >= n
	}
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLiveInterval pauses between two live cycles of one agent.
func WithLiveInterval(d time.Duration) Option {
	return func(k *Kernel) { k.liveInterval = d }
}

// WithEndTimeout bounds the end hook, which runs even after the launch
// context is cancelled. Default: 5s.
func WithEndTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.endTimeout = d }
}

// WithFailurePolicy sets the policy. Default: NeverFatal.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(k *Kernel) { k.policy = p }
}

// WithReporters adds failure sinks.
func WithReporters(rs ...failure.Reporter) Option {
	return func(k *Kernel) { k.sinks = append(k.sinks, rs...) }
}

type entry struct {
	agent   Agent
	started bool
	done    chan struct{}
}

// Kernel schedules agents. Construct one with New; there is no package
// level instance.
type Kernel struct {
	mu           sync.Mutex
	agents       map[string]*entry
	order        []string
	failures     map[string]int // consecutive hook failures per agent
	launched     bool
	shutdown     bool
	runCtx       context.Context
	cancel       context.CancelFunc
	group        errgroup.Group
	sinks        failure.Fanout
	policy       FailurePolicy
	liveInterval time.Duration
	endTimeout   time.Duration
	logger       *logging.Logger
}

var _ failure.Reporter = (*Kernel)(nil)

// New creates a kernel that has not been launched.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		agents:     make(map[string]*entry),
		failures:   make(map[string]int),
		policy:     NeverFatal,
		endTimeout: 5 * time.Second,
		logger:     logging.Get(logging.CategoryKernel),
	}
	for _, opt := range opts {
		opt(k)
	}
	logging.KernelDebug("Kernel created (live_interval=%v, sinks=%d)", k.liveInterval, len(k.sinks))
	return k
}

// Submit hands an agent to the kernel. Before Launch the agent waits;
// after Launch it starts immediately.
func (k *Kernel) Submit(a Agent) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shutdown {
		return ErrShutdown
	}
	id := a.ID()
	if _, exists := k.agents[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	e := &entry{agent: a, done: make(chan struct{})}
	k.agents[id] = e
	k.order = append(k.order, id)
	logging.KernelDebug("Submitted agent %s (launched=%v)", id, k.launched)

	if k.launched {
		k.startLocked(e)
	}
	return nil
}

// Launch starts every pending agent. The agents stop at the latest when
// ctx is cancelled; their end hooks still run.
func (k *Kernel) Launch(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.launched {
		return ErrAlreadyLaunched
	}
	if k.shutdown {
		return ErrShutdown
	}
	k.launched = true
	k.runCtx, k.cancel = context.WithCancel(ctx)

	for _, id := range k.order {
		k.startLocked(k.agents[id])
	}
	logging.Kernel("Launched %d agents", len(k.order))
	return nil
}

func (k *Kernel) startLocked(e *entry) {
	if e.started {
		return
	}
	e.started = true
	ctx := k.runCtx
	k.group.Go(func() error {
		defer close(e.done)
		k.run(ctx, e.agent)
		return nil
	})
}

func (k *Kernel) run(ctx context.Context, a Agent) {
	id := a.ID()
	logger := k.logger.With("agent", id)
	timer := logging.StartTimer(logging.CategoryKernel, "agent "+id)
	defer timer.Stop()

	if err := a.Activate(ctx); err != nil {
		logger.Debug("Activate returned: %v", err)
	}

	cycles := 0
	for !a.TerminationRequested() && ctx.Err() == nil {
		err := a.Live(ctx)
		cycles++
		if err == nil {
			k.clearFailures(id)
		} else if stopsLoop(err) {
			logger.Warn("Live cycle stopped the loop: %v", err)
			break
		}

		if k.liveInterval > 0 {
			t := time.NewTimer(k.liveInterval)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.endTimeout)
	defer cancel()
	if err := a.End(endCtx); err != nil {
		logger.Debug("End returned: %v", err)
	}
	logger.Debug("Agent finished after %d live cycles", cycles)
}

// Kill requests termination of one agent. The agent finishes its current
// cycle and ends.
func (k *Kernel) Kill(id string) error {
	k.mu.Lock()
	e, ok := k.agents[id]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	logging.KernelDebug("Kill requested for %s", id)
	e.agent.RequestTerminate()
	return nil
}

// Shutdown requests termination of every agent and refuses further
// submissions. Agents never launched are ended directly.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.shutdown = true
	launched := k.launched
	entries := make([]*entry, 0, len(k.order))
	for _, id := range k.order {
		entries = append(entries, k.agents[id])
	}
	k.mu.Unlock()

	logging.Kernel("Shutting down %d agents", len(entries))
	for _, e := range entries {
		e.agent.RequestTerminate()
		if !launched {
			ctx, cancel := context.WithTimeout(context.Background(), k.endTimeout)
			_ = e.agent.End(ctx)
			cancel()
			close(e.done)
		}
	}
}

// Wait blocks until every started agent has ended.
func (k *Kernel) Wait() error {
	err := k.group.Wait()
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.mu.Unlock()
	return err
}

// Stop shuts the kernel down and waits up to timeout for agents to end
// gracefully, then cancels their context and waits for the rest.
func (k *Kernel) Stop(timeout time.Duration) error {
	k.Shutdown()

	waited := make(chan error, 1)
	go func() { waited <- k.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-time.After(timeout):
	}

	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.mu.Unlock()
	logging.KernelWarn("Agents did not end within %v; cancelled their hooks", timeout)
	<-waited
	return fmt.Errorf("shutdown exceeded %v", timeout)
}

// Done returns a channel closed once the agent has ended.
func (k *Kernel) Done(id string) (<-chan struct{}, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.agents[id]
	if !ok {
		return nil, false
	}
	return e.done, true
}

// Agents lists submitted agent IDs in sorted order.
func (k *Kernel) Agents() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := append([]string(nil), k.order...)
	sort.Strings(ids)
	return ids
}

// Report forwards f to the sinks and applies the failure policy.
func (k *Kernel) Report(f failure.Failure) {
	k.sinks.Report(f)

	if f.Stage != failure.StageHook || f.AgentID == "" {
		return
	}
	k.mu.Lock()
	e, ok := k.agents[f.AgentID]
	if !ok {
		k.mu.Unlock()
		return
	}
	k.failures[f.AgentID]++
	consecutive := k.failures[f.AgentID]
	k.mu.Unlock()

	if k.policy(f, consecutive) {
		k.logger.Warn("Failure policy ends agent %s after %d consecutive failures: %s", f.AgentID, consecutive, f.Message)
		e.agent.RequestTerminate()
	}
}

func (k *Kernel) clearFailures(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.failures, id)
}

// stopsLoop reports whether a Live error means the agent can no longer
// cycle, as opposed to a hook failure that was already reported.
func stopsLoop(err error) bool {
	return errors.Is(err, agent.ErrEnded) || errors.Is(err, agent.ErrNotActivated)
}
