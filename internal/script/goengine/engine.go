// Package goengine runs behavior scripts written in Go through the yaegi
// interpreter. Scripts define exported hooks and reach their agent through
// the janus/agent package:
//
//	package main
//
//	import "janus/agent"
//
//	func LiveAgent(h agent.Handle) {
//		h.RequestTerminate()
//	}
//
// Only a whitelist of standard library packages can be imported, and
// scripts cannot start goroutines (go statements and time.AfterFunc are
// rejected). Runaway recursion in a Go script is not contained: it ends in
// a fatal stack overflow of the host process, so recursive scripts should
// use the Lua or JavaScript engine.
package goengine

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// HandlePackage is the import path scripts use to name the handle type.
const HandlePackage = "janus/agent"

// DefaultAllowedPackages are the standard library packages a script may import.
var DefaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"path",
	"path/filepath",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
}

// deniedSymbols are members of allowed packages that would run script code
// outside the hook call.
var deniedSymbols = map[string][]string{
	"time": {"AfterFunc"},
}

// Engine is the yaegi-backed script.Engine.
type Engine struct {
	allowed map[string]bool
	symbols interp.Exports
}

// New creates an engine. allowed replaces DefaultAllowedPackages when non-empty.
func New(allowed ...string) *Engine {
	if len(allowed) == 0 {
		allowed = DefaultAllowedPackages
	}
	e := &Engine{
		allowed: make(map[string]bool, len(allowed)+1),
		symbols: interp.Exports{},
	}
	for _, pkg := range allowed {
		e.allowed[pkg] = true
		key := pkg + "/" + path.Base(pkg)
		if syms, ok := stdlib.Symbols[key]; ok {
			e.symbols[key] = withoutDenied(pkg, syms)
		}
	}
	e.allowed[HandlePackage] = true
	e.symbols[HandlePackage+"/"+path.Base(HandlePackage)] = map[string]reflect.Value{
		"Handle": reflect.ValueOf((*script.Handle)(nil)),
	}
	return e
}

func (e *Engine) Language() script.Language {
	return script.LanguageGo
}

func withoutDenied(pkg string, syms map[string]reflect.Value) map[string]reflect.Value {
	denied := deniedSymbols[pkg]
	if len(denied) == 0 {
		return syms
	}
	filtered := make(map[string]reflect.Value, len(syms))
	for name, v := range syms {
		filtered[name] = v
	}
	for _, name := range denied {
		delete(filtered, name)
	}
	return filtered
}

// Analyze parses the script with go/parser and checks its imports. Scripts
// without a package clause are treated as package main.
func (e *Engine) Analyze(name, text string) (script.HookSet, error) {
	file, err := parser.ParseFile(token.NewFileSet(), name, wrap(text), parser.AllErrors|parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	if file.Name.Name != "main" {
		return nil, fmt.Errorf("%s: package %s: scripts must be package main", name, file.Name.Name)
	}

	var forbidden []string
	denied := make(map[string][]string) // local import name -> denied members
	for _, spec := range file.Imports {
		pkg, err := strconv.Unquote(spec.Path.Value)
		if err != nil || !e.allowed[pkg] {
			forbidden = append(forbidden, spec.Path.Value)
			continue
		}
		local := path.Base(pkg)
		if spec.Name != nil {
			local = spec.Name.Name
		}
		if members, ok := deniedSymbols[pkg]; ok {
			denied[local] = members
		}
	}
	if len(forbidden) > 0 {
		return nil, fmt.Errorf("%w: imports %s (allowed: %s)",
			script.ErrForbidden, strings.Join(forbidden, ", "), strings.Join(e.allowedList(), ", "))
	}
	if err := checkConcurrency(file, denied); err != nil {
		return nil, err
	}

	hooks := script.HookSet{}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv != nil {
				continue
			}
			if d.Name.Name == "main" {
				return nil, fmt.Errorf("%w: func main is not allowed in a behavior script", script.ErrForbidden)
			}
			if hook, ok := hookFor(d.Name.Name); ok {
				hooks.Declare(hook, countParams(d.Type))
			}
		case *ast.GenDecl:
			if d.Tok != token.VAR {
				continue
			}
			for _, spec := range d.Specs {
				vs := spec.(*ast.ValueSpec)
				for i, ident := range vs.Names {
					hook, ok := hookFor(ident.Name)
					if !ok {
						continue
					}
					arity := script.ArityUnknown
					if i < len(vs.Values) {
						if lit, ok := vs.Values[i].(*ast.FuncLit); ok {
							arity = countParams(lit.Type)
						}
					}
					hooks.Declare(hook, arity)
				}
			}
		}
	}
	return hooks, nil
}

// Bind evaluates the script in a fresh interpreter and resolves its hooks.
func (e *Engine) Bind(def *script.Definition) (script.Context, error) {
	out := logging.ScriptOutput(def.Identity())
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("failed to load symbols: %w", err)
	}

	if _, err := i.Eval(wrap(def.Text())); err != nil {
		return nil, &script.BindError{Kind: script.ErrInit, Source: def.Identity(), Message: err.Error()}
	}

	ctx := &boundContext{source: def.Identity(), out: out, hooks: make(map[script.Hook]hookFunc)}
	for _, hook := range script.Hooks {
		if !def.Has(hook) {
			continue
		}
		v, err := i.Eval("main." + Symbol(hook))
		if err != nil {
			return nil, &script.BindError{Kind: script.ErrMissingEntryPoint, Source: def.Identity(), Hook: hook, Message: err.Error()}
		}
		fn, bindErr := asHook(v)
		if bindErr != nil {
			bindErr.Source, bindErr.Hook = def.Identity(), hook
			return nil, bindErr
		}
		ctx.hooks[hook] = fn
	}
	logging.EnginesDebug("Bound go script %s (%d hooks)", def.Identity(), len(ctx.hooks))
	return ctx, nil
}

// Symbol is the exported Go identifier for hook, e.g. LiveAgent.
func Symbol(hook script.Hook) string {
	sym := []rune(hook.Symbol())
	sym[0] = unicode.ToUpper(sym[0])
	return string(sym)
}

func (e *Engine) allowedList() []string {
	pkgs := make([]string, 0, len(e.allowed))
	for pkg := range e.allowed {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// checkConcurrency rejects go statements and uses of denied members such as
// time.AfterFunc.
func checkConcurrency(file *ast.File, denied map[string][]string) error {
	var err error
	ast.Inspect(file, func(n ast.Node) bool {
		if err != nil {
			return false
		}
		switch n := n.(type) {
		case *ast.GoStmt:
			err = fmt.Errorf("%w: go statements are not allowed in a behavior script", script.ErrForbidden)
		case *ast.SelectorExpr:
			pkg, ok := n.X.(*ast.Ident)
			if !ok {
				break
			}
			for _, member := range denied[pkg.Name] {
				if n.Sel.Name == member {
					err = fmt.Errorf("%w: %s.%s is not allowed in a behavior script", script.ErrForbidden, pkg.Name, member)
				}
			}
		}
		return err == nil
	})
	return err
}

func hookFor(name string) (script.Hook, bool) {
	for _, h := range script.Hooks {
		if name == Symbol(h) {
			return h, true
		}
	}
	return "", false
}

func countParams(ft *ast.FuncType) int {
	n := 0
	for _, field := range ft.Params.List {
		if len(field.Names) == 0 {
			n++
		} else {
			n += len(field.Names)
		}
	}
	return n
}

// wrap prepends a package clause when the text has none. The clause shares
// the first line so diagnostics keep their line numbers.
func wrap(text string) string {
	if hasPackageClause(text) {
		return text
	}
	return "package main; " + text
}

func hasPackageClause(text string) bool {
	_, err := parser.ParseFile(token.NewFileSet(), "", text, parser.PackageClauseOnly)
	return err == nil
}

type hookFunc func(script.Handle) error

func asHook(v reflect.Value) (hookFunc, *script.BindError) {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, &script.BindError{Kind: script.ErrMissingEntryPoint, Message: fmt.Sprintf("not a function (%s)", describe(v))}
	}
	if v.IsNil() {
		return nil, &script.BindError{Kind: script.ErrMissingEntryPoint, Message: "nil function"}
	}
	if n := v.Type().NumIn(); n != 1 {
		return nil, &script.BindError{Kind: script.ErrArityMismatch, Message: fmt.Sprintf("takes %d parameters, want 1", n)}
	}
	switch fn := v.Interface().(type) {
	case func(script.Handle):
		return func(h script.Handle) error { fn(h); return nil }, nil
	case func(script.Handle) error:
		return fn, nil
	}
	return nil, &script.BindError{
		Kind:    script.ErrMissingEntryPoint,
		Message: fmt.Sprintf("signature %s, want func(agent.Handle) or func(agent.Handle) error", v.Type()),
	}
}

func describe(v reflect.Value) string {
	if !v.IsValid() {
		return "undefined"
	}
	return v.Type().String()
}

type boundContext struct {
	source string
	out    *logging.LineWriter
	hooks  map[script.Hook]hookFunc

	// abandoned is set when a hook outlived its context; the interpreter
	// may still be running it, so the context cannot be reused.
	abandoned bool
}

func (c *boundContext) Invoke(ctx context.Context, hook script.Hook, h script.Handle) error {
	fn, ok := c.hooks[hook]
	if !ok {
		return nil
	}
	if c.abandoned {
		return &script.RuntimeError{Hook: hook, Message: "interpreter abandoned after an earlier hook timed out"}
	}
	defer c.out.Flush()

	if ctx.Done() == nil {
		return script.Guard(hook, func() error { return fn(h) })
	}
	if err := ctx.Err(); err != nil {
		return &script.RuntimeError{Hook: hook, Message: err.Error()}
	}

	done := make(chan error, 1)
	go func() {
		done <- script.Guard(hook, func() error { return fn(h) })
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.abandoned = true
		return &script.RuntimeError{Hook: hook, Message: fmt.Sprintf("hook did not return: %v", ctx.Err())}
	}
}

func (c *boundContext) Close() error {
	c.hooks = nil
	c.out.Flush()
	return nil
}
