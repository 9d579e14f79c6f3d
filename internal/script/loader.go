package script

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sarl/janus-version-1/internal/logging"

	"golang.org/x/sync/singleflight"
)

// Loader turns Sources into Definitions. It never executes script code:
// each engine's analyzer only parses the text.
//
// Definitions are cached twice: by source identity (so repeated submissions
// of the same file skip the disk) and by content hash (so identical text
// under different identities shares one definition).
type Loader struct {
	registry *Registry
	resolver Resolver

	mu         sync.RWMutex
	byIdentity map[string]*Definition
	byHash     map[string]*Definition

	group singleflight.Group
}

// NewLoader creates a loader. resolver may be nil when Named sources are
// not used.
func NewLoader(registry *Registry, resolver Resolver) *Loader {
	return &Loader{
		registry:   registry,
		resolver:   resolver,
		byIdentity: make(map[string]*Definition),
		byHash:     make(map[string]*Definition),
	}
}

// Load resolves src and returns its definition, or a *LoadError.
func (l *Loader) Load(ctx context.Context, src Source) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cacheable := src.kind != sourceInline
	key := src.cacheKey()
	if cacheable {
		l.mu.RLock()
		def, ok := l.byIdentity[key]
		l.mu.RUnlock()
		if ok {
			return def, nil
		}
	}

	if !cacheable {
		return l.load(src)
	}

	ch := l.group.DoChan(key, func() (interface{}, error) {
		return l.load(src)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Definition), nil
	}
}

func (l *Loader) load(src Source) (*Definition, error) {
	timer := logging.StartTimer(logging.CategoryScripts, "load "+src.Identity())
	defer timer.Stop()

	identity, lang, text, err := src.read(l.resolver)
	if err != nil {
		kind := ErrNotFound
		if errors.Is(err, ErrUnsupportedLanguage) {
			kind = ErrUnsupportedLanguage
		}
		return nil, &LoadError{Kind: kind, Source: identity, Language: lang, Err: err}
	}
	if lang == "" {
		return nil, &LoadError{Kind: ErrUnsupportedLanguage, Source: identity, Err: errors.New("cannot infer language from source name")}
	}

	engine, err := l.registry.Engine(lang)
	if err != nil {
		return nil, &LoadError{Kind: ErrUnsupportedLanguage, Source: identity, Language: lang, Err: err}
	}

	hash := contentHash(lang, text)
	l.mu.RLock()
	shared, ok := l.byHash[hash]
	l.mu.RUnlock()

	var def *Definition
	if ok && shared.identity == identity {
		def = shared
	} else if ok {
		def = &Definition{identity: identity, language: lang, text: text, hash: hash, hooks: shared.hooks}
	} else {
		hooks, err := engine.Analyze(identity, text)
		if err != nil {
			kind := ErrSyntax
			if errors.Is(err, ErrForbidden) {
				kind = ErrForbidden
			}
			logging.Get(logging.CategoryScripts).Warn("Rejected %s (%s): %v", identity, lang, err)
			return nil, &LoadError{Kind: kind, Source: identity, Language: lang, Err: err}
		}
		def = NewDefinition(identity, lang, text, hooks)
		logging.Scripts("Analyzed %s (%s): %d hooks", identity, lang, len(hooks))
	}

	l.mu.Lock()
	if _, exists := l.byHash[hash]; !exists {
		l.byHash[hash] = def
	}
	if src.kind != sourceInline {
		l.byIdentity[src.cacheKey()] = def
	}
	l.mu.Unlock()

	logging.ScriptsDebug("Loaded %s", def)
	return def, nil
}

// Invalidate drops cached definitions whose source identity or resolved
// path equals identity, in every language. The repository watcher calls
// this on file changes.
func (l *Loader) Invalidate(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, def := range l.byIdentity {
		if def.identity == identity || strings.HasSuffix(key, "\x00"+identity) {
			delete(l.byIdentity, key)
			delete(l.byHash, def.hash)
		}
	}
}

// Cached returns the number of distinct definitions held.
func (l *Loader) Cached() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byHash)
}
