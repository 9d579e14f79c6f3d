// Package script defines the language-neutral side of the scripting bridge:
// behavior sources and definitions, the engine abstraction every interpreter
// implements, the handle exposed to scripts, and the bridge error taxonomy.
package script

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Hook names one of the three lifecycle entry points a script may define.
type Hook string

const (
	HookActivate Hook = "activate"
	HookLive     Hook = "live"
	HookEnd      Hook = "end"
)

// Hooks lists every hook in lifecycle order.
var Hooks = []Hook{HookActivate, HookLive, HookEnd}

// Symbol returns the entry point name scripts define for the hook
// (activateAgent, liveAgent, endAgent). Engines whose language requires
// exported identifiers adjust the case themselves.
func (h Hook) Symbol() string {
	return string(h) + "Agent"
}

func (h Hook) String() string {
	return string(h)
}

// Valid reports whether h is one of the three lifecycle hooks.
func (h Hook) Valid() bool {
	switch h {
	case HookActivate, HookLive, HookEnd:
		return true
	}
	return false
}

// Language tags the scripting language of a source and selects its engine.
type Language string

const (
	LanguageGo         Language = "go"
	LanguageLua        Language = "lua"
	LanguageJavaScript Language = "javascript"
)

var extensions = map[string]Language{
	".go":  LanguageGo,
	".lua": LanguageLua,
	".js":  LanguageJavaScript,
	".mjs": LanguageJavaScript,
}

// LanguageForPath infers the language from a file extension.
func LanguageForPath(path string) (Language, bool) {
	lang, ok := extensions[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// Extensions returns the file extensions registered for lang.
func Extensions(lang Language) []string {
	var exts []string
	for ext, l := range extensions {
		if l == lang {
			exts = append(exts, ext)
		}
	}
	return exts
}

// ParseLanguage accepts the canonical tags plus common aliases.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "go", "golang", "yaegi":
		return LanguageGo, nil
	case "lua":
		return LanguageLua, nil
	case "js", "javascript", "ecmascript":
		return LanguageJavaScript, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}
