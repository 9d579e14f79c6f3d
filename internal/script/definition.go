package script

import (
	"fmt"
	"strings"
)

// ArityUnknown marks a hook whose parameter count the analyzer could not
// determine statically (for example a hook assigned from an expression).
const ArityUnknown = -1

// HookDecl is what an analyzer found for one hook.
type HookDecl struct {
	Present bool
	Arity   int
}

// HookSet records declared hooks by name.
type HookSet map[Hook]HookDecl

// Declare marks hook as present with the given arity.
func (hs HookSet) Declare(hook Hook, arity int) {
	hs[hook] = HookDecl{Present: true, Arity: arity}
}

// Definition is a parsed, immutable behavior description. It carries the
// script text so that each agent can bind its own execution context, and it
// may be shared read-only between agents.
type Definition struct {
	identity string
	language Language
	text     string
	hash     string
	hooks    HookSet
}

// NewDefinition builds a definition from analyzer output. Loader is the usual
// way to obtain one; engines and tests may call this directly.
func NewDefinition(identity string, lang Language, text string, hooks HookSet) *Definition {
	copied := make(HookSet, len(hooks))
	for h, d := range hooks {
		if h.Valid() {
			copied[h] = d
		}
	}
	return &Definition{
		identity: identity,
		language: lang,
		text:     text,
		hash:     contentHash(lang, text),
		hooks:    copied,
	}
}

func (d *Definition) Identity() string   { return d.identity }
func (d *Definition) Language() Language { return d.language }
func (d *Definition) Text() string       { return d.text }

// Hash is the hex BLAKE3 digest of the language tag and text.
func (d *Definition) Hash() string { return d.hash }

// Hook reports what the analyzer declared for hook.
func (d *Definition) Hook(hook Hook) HookDecl {
	return d.hooks[hook]
}

// Has reports whether hook is declared.
func (d *Definition) Has(hook Hook) bool {
	return d.hooks[hook].Present
}

// Inert reports whether the script declares none of the hooks.
func (d *Definition) Inert() bool {
	for _, h := range Hooks {
		if d.Has(h) {
			return false
		}
	}
	return true
}

func (d *Definition) String() string {
	var declared []string
	for _, h := range Hooks {
		if decl := d.hooks[h]; decl.Present {
			declared = append(declared, fmt.Sprintf("%s/%d", h, decl.Arity))
		}
	}
	return fmt.Sprintf("%s[%s]{%s}", d.identity, d.language, strings.Join(declared, ","))
}
