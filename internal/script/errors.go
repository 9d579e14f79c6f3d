package script

import (
	"errors"
	"fmt"
)

// Error kinds. LoadError, BindError and RuntimeError match these with
// errors.Is, so callers can classify without type switches.
var (
	// ErrNotFound: the source identifier could not be resolved to text.
	ErrNotFound = errors.New("script not found")
	// ErrSyntax: the text is not valid in its declared language.
	ErrSyntax = errors.New("script syntax error")
	// ErrForbidden: the script uses something outside the engine sandbox.
	ErrForbidden = errors.New("script uses a forbidden construct")
	// ErrUnsupportedLanguage: no engine is registered for the language tag.
	ErrUnsupportedLanguage = errors.New("unsupported script language")

	// ErrMissingEntryPoint: a hook name resolves to something that cannot be called.
	ErrMissingEntryPoint = errors.New("hook is not callable")
	// ErrArityMismatch: a hook is callable but does not take exactly one argument.
	ErrArityMismatch = errors.New("hook arity mismatch")
	// ErrInit: the script's top level failed while being bound.
	ErrInit = errors.New("script initialization failed")

	// ErrRuntime: a hook failed while executing.
	ErrRuntime = errors.New("script runtime error")
)

// LoadError reports that a behavior definition could not be produced.
type LoadError struct {
	Kind     error // ErrNotFound, ErrSyntax, ErrForbidden, ErrUnsupportedLanguage
	Source   string
	Language Language
	Err      error // underlying diagnostic
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("load %s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("load %s: %v: %v", e.Source, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// BindError reports that a loaded definition could not be bound to an
// execution context.
type BindError struct {
	Kind    error // ErrMissingEntryPoint, ErrArityMismatch, ErrInit
	Source  string
	Hook    Hook // empty for ErrInit
	Message string
}

func (e *BindError) Error() string {
	if e.Hook == "" {
		return fmt.Sprintf("bind %s: %v: %s", e.Source, e.Kind, e.Message)
	}
	return fmt.Sprintf("bind %s: hook %s: %v: %s", e.Source, e.Hook, e.Kind, e.Message)
}

func (e *BindError) Unwrap() error {
	return e.Kind
}

// RuntimeError is what an engine returns when a hook fails. The script's
// own failure value never crosses the bridge; only its message does.
type RuntimeError struct {
	Hook    Hook
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("hook %s: %v: %s", e.Hook, ErrRuntime, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return ErrRuntime
}

// Guard runs fn and converts a panic into a RuntimeError for hook.
func Guard(hook Hook, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Hook: hook, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		var rte *RuntimeError
		if errors.As(err, &rte) {
			return rte
		}
		return &RuntimeError{Hook: hook, Message: err.Error()}
	}
	return nil
}
