package script

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Resolver maps a repository basename to a file path and its language.
// internal/repository provides the directory-backed implementation.
type Resolver interface {
	Resolve(name string) (path string, lang Language, err error)
}

type sourceKind int

const (
	sourceFile sourceKind = iota + 1
	sourceEmbedded
	sourceInline
	sourceNamed
)

// Source identifies the text of a behavior script. Build one with File,
// Embedded, Inline or Named.
type Source struct {
	kind     sourceKind
	Language Language // empty = infer from the path extension
	path     string
	fsys     fs.FS
	name     string
	text     string
}

// File reads the script from a path on disk.
func File(lang Language, path string) Source {
	return Source{kind: sourceFile, Language: lang, path: path}
}

// Embedded reads the script from an fs.FS such as an embed.FS.
func Embedded(lang Language, fsys fs.FS, path string) Source {
	return Source{kind: sourceEmbedded, Language: lang, fsys: fsys, path: path}
}

// Inline uses text directly; name labels diagnostics.
func Inline(lang Language, name, text string) Source {
	return Source{kind: sourceInline, Language: lang, name: name, text: text}
}

// Named looks the script up by basename through the loader's Resolver.
func Named(name string) Source {
	return Source{kind: sourceNamed, name: name}
}

// Identity is a stable label for the source: a path, fs path or name.
func (s Source) Identity() string {
	switch s.kind {
	case sourceFile:
		return s.path
	case sourceEmbedded:
		return "embed:" + s.path
	case sourceInline:
		if s.name == "" {
			return "inline"
		}
		return "inline:" + s.name
	case sourceNamed:
		return "repo:" + s.name
	}
	return "<invalid source>"
}

// cacheKey distinguishes the same location read as different languages.
func (s Source) cacheKey() string {
	return string(s.Language) + "\x00" + s.Identity()
}

func (s Source) String() string {
	return s.Identity()
}

// read resolves the source to (identity, language, text).
func (s Source) read(resolver Resolver) (string, Language, string, error) {
	lang := s.Language
	switch s.kind {
	case sourceInline:
		if lang == "" {
			return s.Identity(), "", "", fmt.Errorf("%w: inline source %q has no language", ErrUnsupportedLanguage, s.name)
		}
		return s.Identity(), lang, s.text, nil

	case sourceFile:
		data, err := os.ReadFile(s.path)
		if err != nil {
			return s.Identity(), lang, "", notFound(err)
		}
		return s.Identity(), inferLanguage(lang, s.path), string(data), nil

	case sourceEmbedded:
		if s.fsys == nil {
			return s.Identity(), lang, "", fmt.Errorf("%w: no filesystem for %s", ErrNotFound, s.path)
		}
		data, err := fs.ReadFile(s.fsys, s.path)
		if err != nil {
			return s.Identity(), lang, "", notFound(err)
		}
		return s.Identity(), inferLanguage(lang, s.path), string(data), nil

	case sourceNamed:
		if resolver == nil {
			return s.Identity(), lang, "", fmt.Errorf("%w: no script repository configured for %q", ErrNotFound, s.name)
		}
		path, resolved, err := resolver.Resolve(s.name)
		if err != nil {
			return s.Identity(), lang, "", notFound(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return path, resolved, "", notFound(err)
		}
		return path, resolved, string(data), nil
	}
	return s.Identity(), lang, "", fmt.Errorf("%w: empty source", ErrNotFound)
}

func inferLanguage(lang Language, path string) Language {
	if lang != "" {
		return lang
	}
	inferred, _ := LanguageForPath(path)
	return inferred
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}
