package luaengine

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sarl/janus-version-1/internal/script"

	lua "github.com/yuin/gopher-lua"
)

// Libraries opened in every state. io, os, package, debug, channel and
// coroutine stay closed.
var sandboxLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

var removedGlobals = []string{"dofile", "loadfile", "require", "module"}

func newState(out io.Writer) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range sandboxLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(out, strings.Join(parts, "\t"))
		return 0
	}))
	return L
}

// handleTable exposes h to Lua. Each function ignores a leading self
// argument so both h.fn(x) and h:fn(x) work.
func handleTable(L *lua.LState, h script.Handle) *lua.LTable {
	tbl := L.NewTable()
	args := func(L *lua.LState) int {
		if L.GetTop() > 0 && L.Get(1) == tbl {
			return 1
		}
		return 0
	}
	L.SetField(tbl, "requestTerminate", L.NewFunction(func(L *lua.LState) int {
		h.RequestTerminate()
		return 0
	}))
	L.SetField(tbl, "readOwnState", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(args(L) + 1)
		L.Push(toLua(L, h.ReadOwnState(key)))
		return 1
	}))
	L.SetField(tbl, "writeOwnState", L.NewFunction(func(L *lua.LState) int {
		off := args(L)
		key := L.CheckString(off + 1)
		value, err := fromLua(L.Get(off + 2))
		if err != nil {
			L.ArgError(off+2, err.Error())
			return 0
		}
		h.WriteOwnState(key, value)
		return 0
	}))
	return tbl
}

// fromLua converts a Lua value to a plain Go value for the state store.
// Integral numbers become int64, other numbers float64; sequences become
// []any and other tables map[string]any. Cyclic tables are rejected.
func fromLua(v lua.LValue) (any, error) {
	return convert(v, make(map[*lua.LTable]bool))
}

// convert walks v; open holds the tables on the current path.
func convert(v lua.LValue, open map[*lua.LTable]bool) (any, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		if open[v] {
			return nil, errors.New("cannot store a cyclic table")
		}
		open[v] = true
		defer delete(open, v)

		if n := v.MaxN(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := convert(v.RawGetInt(i), open)
				if err != nil {
					return nil, err
				}
				list = append(list, item)
			}
			return list, nil
		}
		m := make(map[string]any)
		var convErr error
		v.ForEach(func(k, val lua.LValue) {
			if convErr != nil {
				return
			}
			item, err := convert(val, open)
			if err != nil {
				convErr = err
				return
			}
			m[k.String()] = item
		})
		return m, convErr
	case *lua.LUserData:
		return v.Value, nil
	}
	return nil, fmt.Errorf("cannot store a %s", v.Type())
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []any:
		tbl := L.CreateTable(len(v), 0)
		for _, item := range v {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, v[k]))
		}
		return tbl
	}
	ud := L.NewUserData()
	ud.Value = v
	return ud
}
