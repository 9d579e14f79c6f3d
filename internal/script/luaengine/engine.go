// Package luaengine runs behavior scripts written in Lua with gopher-lua.
// Hooks are global functions named activateAgent, liveAgent and endAgent;
// the handle is a table whose functions may be called with either "." or ":".
package luaengine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// Engine is the gopher-lua backed script.Engine.
type Engine struct{}

// New creates a Lua engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Language() script.Language {
	return script.LanguageLua
}

// Analyze parses the chunk and records global function definitions and
// global assignments of function literals to hook names.
func (e *Engine) Analyze(name, text string) (script.HookSet, error) {
	chunk, err := parse.Parse(strings.NewReader(text), name)
	if err != nil {
		return nil, err
	}
	hooks := script.HookSet{}
	for _, stmt := range chunk {
		switch s := stmt.(type) {
		case *ast.FuncDefStmt:
			if s.Name.Receiver != nil {
				continue
			}
			if ident, ok := s.Name.Func.(*ast.IdentExpr); ok {
				if hook, ok := hookFor(ident.Value); ok {
					hooks.Declare(hook, parArity(s.Func.ParList))
				}
			}
		case *ast.AssignStmt:
			for i, lhs := range s.Lhs {
				ident, ok := lhs.(*ast.IdentExpr)
				if !ok {
					continue
				}
				hook, ok := hookFor(ident.Value)
				if !ok {
					continue
				}
				arity := script.ArityUnknown
				if i < len(s.Rhs) {
					if fn, ok := s.Rhs[i].(*ast.FunctionExpr); ok {
						arity = parArity(fn.ParList)
					}
				}
				hooks.Declare(hook, arity)
			}
		}
	}
	return hooks, nil
}

// Bind runs the chunk in a fresh sandboxed state and resolves the hook
// globals. A global the analyzer did not see but the chunk defined at run
// time is bound too.
func (e *Engine) Bind(def *script.Definition) (script.Context, error) {
	out := logging.ScriptOutput(def.Identity())
	L := newState(out)

	fail := func(err error) (script.Context, error) {
		L.Close()
		return nil, err
	}

	fn, err := L.Load(strings.NewReader(def.Text()), def.Identity())
	if err != nil {
		return fail(&script.BindError{Kind: script.ErrInit, Source: def.Identity(), Message: err.Error()})
	}
	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		return fail(&script.BindError{Kind: script.ErrInit, Source: def.Identity(), Message: errorMessage(err)})
	}

	ctx := &boundContext{L: L, out: out, hooks: make(map[script.Hook]*lua.LFunction)}
	for _, hook := range script.Hooks {
		v := L.GetGlobal(hook.Symbol())
		if v == lua.LNil {
			if def.Has(hook) {
				return fail(&script.BindError{Kind: script.ErrMissingEntryPoint, Source: def.Identity(), Hook: hook, Message: "declared but nil after the chunk ran"})
			}
			continue
		}
		f, ok := v.(*lua.LFunction)
		if !ok {
			return fail(&script.BindError{Kind: script.ErrMissingEntryPoint, Source: def.Identity(), Hook: hook, Message: fmt.Sprintf("is a %s, not a function", v.Type())})
		}
		if !f.IsG {
			// trailing varargs are allowed; the handle must be named
			if params := int(f.Proto.NumParameters); params != 1 {
				return fail(&script.BindError{Kind: script.ErrArityMismatch, Source: def.Identity(), Hook: hook, Message: fmt.Sprintf("takes %d parameters, want 1", params)})
			}
		}
		ctx.hooks[hook] = f
	}
	logging.EnginesDebug("Bound lua script %s (%d hooks)", def.Identity(), len(ctx.hooks))
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

func parArity(pl *ast.ParList) int {
	if pl == nil {
		return 0
	}
	return len(pl.Names)
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

type boundContext struct {
	L     *lua.LState
	out   *logging.LineWriter
	hooks map[script.Hook]*lua.LFunction
}

func (c *boundContext) Invoke(ctx context.Context, hook script.Hook, h script.Handle) error {
	fn, ok := c.hooks[hook]
	if !ok {
		return nil
	}
	defer c.out.Flush()

	if ctx.Done() != nil {
		c.L.SetContext(ctx)
		defer c.L.RemoveContext()
	}
	return script.Guard(hook, func() error {
		err := c.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, handleTable(c.L, h))
		if err != nil {
			return &script.RuntimeError{Hook: hook, Message: errorMessage(err)}
		}
		return nil
	})
}

func (c *boundContext) Close() error {
	if c.L != nil {
		c.L.Close()
		c.L = nil
	}
	c.out.Flush()
	return nil
}
