// Package failure is the channel through which the bridge surfaces load,
// bind and hook failures to the kernel without unwinding its call stack.
package failure

import (
	"errors"
	"fmt"
	"time"

	"github.com/sarl/janus-version-1/internal/script"
)

// Stage says how far an agent got before failing.
type Stage string

const (
	StageLoad Stage = "load" // the script did not load
	StageBind Stage = "bind" // the script loaded but a hook is malformed
	StageHook Stage = "hook" // the script threw during execution
)

// Kind is the stable, storable name of an error kind.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindSyntax              Kind = "syntax"
	KindForbidden           Kind = "forbidden"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindMissingEntryPoint   Kind = "missing_entry_point"
	KindArityMismatch       Kind = "arity_mismatch"
	KindInit                Kind = "init"
	KindRuntime             Kind = "runtime"
	KindUnknown             Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{script.ErrNotFound, KindNotFound},
	{script.ErrSyntax, KindSyntax},
	{script.ErrForbidden, KindForbidden},
	{script.ErrUnsupportedLanguage, KindUnsupportedLanguage},
	{script.ErrMissingEntryPoint, KindMissingEntryPoint},
	{script.ErrArityMismatch, KindArityMismatch},
	{script.ErrInit, KindInit},
	{script.ErrRuntime, KindRuntime},
}

// Failure is one reported event.
type Failure struct {
	AgentID string
	Source  string
	Stage   Stage
	Hook    script.Hook // set for StageHook and hook-specific bind errors
	Kind    Kind
	Message string
	At      time.Time
}

func (f Failure) String() string {
	where := f.Source
	if f.Hook != "" {
		where += " " + string(f.Hook)
	}
	if f.AgentID != "" {
		return fmt.Sprintf("agent %s: %s failed (%s, %s): %s", f.AgentID, f.Stage, where, f.Kind, f.Message)
	}
	return fmt.Sprintf("%s failed (%s, %s): %s", f.Stage, where, f.Kind, f.Message)
}

// FromError classifies a bridge error. Errors that are not part of the
// bridge taxonomy are reported as KindUnknown at StageHook.
func FromError(agentID, source string, err error) Failure {
	f := Failure{
		AgentID: agentID,
		Source:  source,
		Stage:   StageHook,
		Kind:    KindUnknown,
		Message: err.Error(),
		At:      time.Now(),
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			f.Kind = k.kind
			break
		}
	}

	var (
		le  *script.LoadError
		be  *script.BindError
		rte *script.RuntimeError
	)
	switch {
	case errors.As(err, &le):
		f.Stage = StageLoad
		if le.Err != nil {
			f.Message = le.Err.Error()
		}
		if f.Source == "" {
			f.Source = le.Source
		}
	case errors.As(err, &be):
		f.Stage = StageBind
		f.Hook = be.Hook
		f.Message = be.Message
		if f.Source == "" {
			f.Source = be.Source
		}
	case errors.As(err, &rte):
		f.Stage = StageHook
		f.Hook = rte.Hook
		f.Message = rte.Message
	}
	return f
}
