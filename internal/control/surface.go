package control

import (
	"sync"

	"github.com/sarl/janus-version-1/internal/script"
)

var _ script.Handle = (*Surface)(nil)

// Surface is the script.Handle given to every hook of one agent.
type Surface struct {
	lifecycle   *Lifecycle
	onTerminate func()

	mu    sync.RWMutex
	state map[string]any
}

// NewSurface returns a surface over lifecycle. onTerminate, if non-nil, runs
// once when a terminate request first moves the phase to EndRequested.
func NewSurface(lifecycle *Lifecycle, onTerminate func()) *Surface {
	return &Surface{
		lifecycle:   lifecycle,
		onTerminate: onTerminate,
		state:       make(map[string]any),
	}
}

// RequestTerminate marks the agent EndRequested. Repeated calls, and calls
// after the agent ended, do nothing.
func (s *Surface) RequestTerminate() {
	if s.lifecycle.Advance(EndRequested) && s.onTerminate != nil {
		s.onTerminate()
	}
}

// ReadOwnState returns the value stored under key, or nil.
func (s *Surface) ReadOwnState(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state[key]
}

// WriteOwnState stores value under key. A nil value deletes the key.
func (s *Surface) WriteOwnState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.state, key)
		return
	}
	s.state[key] = value
}

// Snapshot copies the state store for host-side inspection.
func (s *Surface) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// Lifecycle returns the phase holder the surface acts on.
func (s *Surface) Lifecycle() *Lifecycle {
	return s.lifecycle
}
