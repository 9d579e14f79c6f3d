// Package jsengine runs behavior scripts written in JavaScript with goja.
// Hooks are global functions activateAgent, liveAgent and endAgent taking
// the agent handle object.
package jsengine

import (
	"errors"
	"fmt"

	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
)

// DefaultMaxCallStackSize bounds script recursion. Deeper calls throw a
// RangeError that surfaces as a runtime error of the hook.
const DefaultMaxCallStackSize = 1024

// Engine is the goja backed script.Engine.
type Engine struct {
	maxCallStackSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxCallStackSize sets the call depth limit. n <= 0 keeps the default.
func WithMaxCallStackSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCallStackSize = n
		}
	}
}

// New creates a JavaScript engine.
func New(opts ...Option) *Engine {
	e := &Engine{maxCallStackSize: DefaultMaxCallStackSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Language() script.Language {
	return script.LanguageJavaScript
}

// Analyze parses the program and records top-level function declarations,
// var/let/const bindings and plain assignments whose name is a hook.
func (e *Engine) Analyze(name, text string) (script.HookSet, error) {
	prog, err := goja.Parse(name, text)
	if err != nil {
		return nil, err
	}
	hooks := script.HookSet{}
	declare := func(name string, value ast.Expression) {
		hook, ok := hookFor(name)
		if !ok {
			return
		}
		hooks.Declare(hook, literalArity(value))
	}
	for _, stmt := range prog.Body {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			if s.Function.Name != nil {
				declare(s.Function.Name.Name.String(), s.Function)
			}
		case *ast.VariableStatement:
			for _, b := range s.List {
				if id, ok := b.Target.(*ast.Identifier); ok {
					declare(id.Name.String(), b.Initializer)
				}
			}
		case *ast.LexicalDeclaration:
			for _, b := range s.List {
				if id, ok := b.Target.(*ast.Identifier); ok {
					declare(id.Name.String(), b.Initializer)
				}
			}
		case *ast.ExpressionStatement:
			if assign, ok := s.Expression.(*ast.AssignExpression); ok {
				if id, ok := assign.Left.(*ast.Identifier); ok {
					declare(id.Name.String(), assign.Right)
				}
			}
		}
	}
	return hooks, nil
}

// Bind runs the program in a fresh runtime and resolves the hook globals.
func (e *Engine) Bind(def *script.Definition) (script.Context, error) {
	prog, err := goja.Compile(def.Identity(), def.Text(), false)
	if err != nil {
		return nil, &script.BindError{Kind: script.ErrInit, Source: def.Identity(), Message: err.Error()}
	}

	out := logging.ScriptOutput(def.Identity())
	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxCallStackSize)
	installConsole(vm, out)

	if err := script.Guard("", func() error {
		_, err := vm.RunProgram(prog)
		return err
	}); err != nil {
		return nil, &script.BindError{Kind: script.ErrInit, Source: def.Identity(), Message: initMessage(err)}
	}

	ctx := &boundContext{vm: vm, out: out, hooks: make(map[script.Hook]goja.Callable)}
	for _, hook := range script.Hooks {
		v := vm.Get(hook.Symbol())
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			if def.Has(hook) {
				return nil, &script.BindError{Kind: script.ErrMissingEntryPoint, Source: def.Identity(), Hook: hook, Message: "declared but undefined after the program ran"}
			}
			continue
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, &script.BindError{Kind: script.ErrMissingEntryPoint, Source: def.Identity(), Hook: hook, Message: fmt.Sprintf("is %s, not a function", v.ExportType())}
		}
		if n := v.ToObject(vm).Get("length").ToInteger(); n != 1 {
			return nil, &script.BindError{Kind: script.ErrArityMismatch, Source: def.Identity(), Hook: hook, Message: fmt.Sprintf("takes %d parameters, want 1", n)}
		}
		ctx.hooks[hook] = fn
	}
	logging.EnginesDebug("Bound javascript %s (%d hooks)", def.Identity(), len(ctx.hooks))
	return ctx, nil
}

func hookFor(name string) (script.Hook, bool) {
	for _, h := range script.Hooks {
		if name == h.Symbol() {
			return h, true
		}
	}
	return "", false
}

func literalArity(expr ast.Expression) int {
	var params *ast.ParameterList
	switch fn := expr.(type) {
	case *ast.FunctionLiteral:
		params = fn.ParameterList
	case *ast.ArrowFunctionLiteral:
		params = fn.ParameterList
	default:
		return script.ArityUnknown
	}
	if params == nil {
		return 0
	}
	return len(params.List)
}

// initMessage strips the wrapper Guard adds so BindError carries the
// script's own message.
func initMessage(err error) string {
	var rte *script.RuntimeError
	if errors.As(err, &rte) {
		return rte.Message
	}
	return err.Error()
}
