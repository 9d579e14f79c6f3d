package failure

import (
	"sync"
	"sync/atomic"

	"github.com/sarl/janus-version-1/internal/logging"
)

// Reporter receives failures. Implementations must not block the caller
// for long and must be safe for concurrent use.
type Reporter interface {
	Report(Failure)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Failure)

func (f ReporterFunc) Report(fl Failure) { f(fl) }

// Discard drops every failure.
var Discard Reporter = ReporterFunc(func(Failure) {})

// Fanout forwards each failure to every non-nil reporter in order.
type Fanout []Reporter

func (fo Fanout) Report(f Failure) {
	for _, r := range fo {
		if r != nil {
			r.Report(f)
		}
	}
}

// Channel delivers failures on a buffered channel. When the buffer is full
// the failure is dropped and counted rather than blocking the agent.
type Channel struct {
	ch      chan Failure
	dropped atomic.Int64
}

// NewChannel creates a channel reporter with the given capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{ch: make(chan Failure, capacity)}
}

func (c *Channel) Report(f Failure) {
	select {
	case c.ch <- f:
	default:
		c.dropped.Add(1)
	}
}

// C is the receive side.
func (c *Channel) C() <-chan Failure {
	return c.ch
}

// Forward reports buffered failures to r until stop is closed, then reports
// whatever is still buffered and returns.
func (c *Channel) Forward(stop <-chan struct{}, r Reporter) {
	for {
		select {
		case f := <-c.ch:
			r.Report(f)
		case <-stop:
			for {
				select {
				case f := <-c.ch:
					r.Report(f)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns how many failures did not fit in the buffer.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Recorder keeps every failure in memory.
type Recorder struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *Recorder) Report(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

// All returns a copy of the recorded failures in report order.
func (r *Recorder) All() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

// ByAgent returns the failures reported for one agent.
func (r *Recorder) ByAgent(agentID string) []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Failure
	for _, f := range r.failures {
		if f.AgentID == agentID {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of recorded failures.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

// LogReporter writes failures to the failures log category.
type LogReporter struct{}

func (LogReporter) Report(f Failure) {
	logging.Get(logging.CategoryFailures).
		With("agent", f.AgentID, "source", f.Source, "stage", string(f.Stage), "hook", string(f.Hook), "kind", string(f.Kind)).
		Warn("%s", f)
}
