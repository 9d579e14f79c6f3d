package script

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// Handle is the entire surface a running script can reach. It is scoped to
// the one agent the script drives; control.Surface implements it.
type Handle interface {
	// RequestTerminate asks the kernel to end the agent. Idempotent.
	RequestTerminate()
	// ReadOwnState returns the value stored under key, or nil.
	ReadOwnState(key string) any
	// WriteOwnState stores value under key in the agent's private store.
	WriteOwnState(key string, value any)
}

// Engine is implemented once per supported scripting language.
type Engine interface {
	Language() Language
	// Analyze parses text and reports which hooks it declares. It must not
	// execute any script code. Syntax problems are returned as errors
	// wrapping ErrSyntax (or ErrForbidden for sandbox violations).
	Analyze(name, text string) (HookSet, error)
	// Bind creates an independent execution context for one agent.
	Bind(def *Definition) (Context, error)
}

// Context is the bound, per-agent interpreter state for one definition.
// It is not safe for concurrent use; the agent adapter serializes calls.
type Context interface {
	// Invoke runs hook synchronously with h as its only argument. A hook
	// the script does not define is a successful no-op. Failures are
	// returned as *RuntimeError, never as panics.
	Invoke(ctx context.Context, hook Hook, h Handle) error
	// Close releases interpreter resources.
	Close() error
}

// Registry maps languages to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[Language]Engine
}

// NewRegistry returns a registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[Language]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the engine for its language.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Language()] = e
}

// Engine returns the engine for lang.
func (r *Registry) Engine(lang Language) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	return e, nil
}

// Languages lists registered languages in sorted order.
func (r *Registry) Languages() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.engines))
	for l := range r.engines {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// Bind binds def with the engine registered for its language.
func (r *Registry) Bind(def *Definition) (Context, error) {
	e, err := r.Engine(def.Language())
	if err != nil {
		return nil, err
	}
	return e.Bind(def)
}

func contentHash(lang Language, text string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(lang))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
