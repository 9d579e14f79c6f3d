package jsengine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	"github.com/dop251/goja"
)

// installConsole routes console.log and friends to out.
func installConsole(vm *goja.Runtime, out io.Writer) {
	console := vm.NewObject()
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		fmt.Fprintln(out, strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, write)
	}
	_ = vm.Set("console", console)
}

// handleObject exposes h to JavaScript.
func handleObject(vm *goja.Runtime, h script.Handle) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("requestTerminate", func(goja.FunctionCall) goja.Value {
		h.RequestTerminate()
		return goja.Undefined()
	})
	_ = obj.Set("readOwnState", func(call goja.FunctionCall) goja.Value {
		v := h.ReadOwnState(call.Argument(0).String())
		if v == nil {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = obj.Set("writeOwnState", func(call goja.FunctionCall) goja.Value {
		key, value := call.Argument(0).String(), call.Argument(1)
		if _, isFunc := goja.AssertFunction(value); isFunc {
			panic(vm.NewTypeError("writeOwnState: cannot store a function under %q", key))
		}
		h.WriteOwnState(key, value.Export())
		return goja.Undefined()
	})
	return obj
}

type boundContext struct {
	vm    *goja.Runtime
	out   *logging.LineWriter
	hooks map[script.Hook]goja.Callable
}

func (c *boundContext) Invoke(ctx context.Context, hook script.Hook, h script.Handle) error {
	fn, ok := c.hooks[hook]
	if !ok {
		return nil
	}
	defer c.out.Flush()

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { c.vm.Interrupt(ctx.Err()) })
		defer func() {
			stop()
			c.vm.ClearInterrupt()
		}()
	}
	return script.Guard(hook, func() error {
		if _, err := fn(goja.Undefined(), handleObject(c.vm, h)); err != nil {
			return &script.RuntimeError{Hook: hook, Message: err.Error()}
		}
		return nil
	})
}

func (c *boundContext) Close() error {
	if c.vm != nil {
		c.vm.ClearInterrupt()
		c.vm = nil
	}
	c.out.Flush()
	return nil
}
