// Package control is the bounded surface a running script can reach: a
// terminate request and a private key/value store, backed by the agent's
// lifecycle phase.
package control

import (
	"fmt"
	"sync/atomic"
)

// Phase is the lifecycle token of one scripted agent. Phases only move
// forward.
type Phase int32

const (
	Unbound Phase = iota
	Bound
	Activated
	Live
	EndRequested
	Ended
)

var phaseNames = [...]string{"unbound", "bound", "activated", "live", "end-requested", "ended"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int32(p))
	}
	return phaseNames[p]
}

// Lifecycle holds a Phase with forward-only atomic transitions. The zero
// value is Unbound.
type Lifecycle struct {
	phase atomic.Int32
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	return Phase(l.phase.Load())
}

// Advance moves to target if target is later than the current phase and
// reports whether it did.
func (l *Lifecycle) Advance(target Phase) bool {
	for {
		cur := l.phase.Load()
		if Phase(cur) >= target {
			return false
		}
		if l.phase.CompareAndSwap(cur, int32(target)) {
			return true
		}
	}
}

// TerminationRequested reports whether the phase is EndRequested or Ended.
func (l *Lifecycle) TerminationRequested() bool {
	return l.Phase() >= EndRequested
}
