// Package repository resolves script names against an ordered list of
// search directories and watches them for changes.
package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"
)

var _ script.Resolver = (*Repository)(nil)

// Entry is one script found in the repository.
type Entry struct {
	Name     string // basename without extension
	Path     string
	Language script.Language
}

// Repository is an ordered set of script directories. The first directory
// holding a match wins.
type Repository struct {
	dirs       []string
	extensions []string // tried in order for names without an extension
	languages  map[string]script.Language
}

// New creates a repository over dirs that recognises the extensions of
// langs. With no langs every known language is recognised.
func New(dirs []string, langs ...script.Language) *Repository {
	if len(langs) == 0 {
		langs = []script.Language{script.LanguageGo, script.LanguageLua, script.LanguageJavaScript}
	}
	r := &Repository{languages: make(map[string]script.Language)}
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			r.dirs = append(r.dirs, filepath.Clean(d))
		}
	}
	for _, lang := range langs {
		for _, ext := range script.Extensions(lang) {
			r.languages[ext] = lang
			r.extensions = append(r.extensions, ext)
		}
	}
	sort.Strings(r.extensions)
	return r
}

// Dirs returns the search directories in lookup order.
func (r *Repository) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Resolve finds name in the search directories. name may carry an
// extension ("greeter.lua") or not ("greeter"); without one every
// recognised extension is tried.
func (r *Repository) Resolve(name string) (string, script.Language, error) {
	if name == "" || filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", "", fmt.Errorf("%w: invalid script name %q", script.ErrNotFound, name)
	}

	candidates := []string{name}
	if _, known := r.languages[strings.ToLower(filepath.Ext(name))]; !known {
		candidates = candidates[:0]
		for _, ext := range r.extensions {
			candidates = append(candidates, name+ext)
		}
	}

	for _, dir := range r.dirs {
		for _, candidate := range candidates {
			path := filepath.Join(dir, candidate)
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			lang := r.languages[strings.ToLower(filepath.Ext(path))]
			logging.RepositoryDebug("Resolved %s to %s (%s)", name, path, lang)
			return path, lang, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q not in %s", script.ErrNotFound, name, strings.Join(r.dirs, string(os.PathListSeparator)))
}

// List returns every recognised script, shadowed names excluded, sorted by
// name.
func (r *Repository) List() ([]Entry, error) {
	seen := make(map[string]bool)
	var entries []Entry
	for _, dir := range r.dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(f.Name()))
			lang, ok := r.languages[ext]
			if !ok {
				continue
			}
			name := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			if seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, Entry{Name: name, Path: filepath.Join(dir, f.Name()), Language: lang})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Recognises reports whether path has a script extension.
func (r *Repository) Recognises(path string) bool {
	_, ok := r.languages[strings.ToLower(filepath.Ext(path))]
	return ok
}
