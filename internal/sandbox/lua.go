package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// luaEngine runs Lua code on a single gopher-lua state.
//
// gopher-lua's LState is not goroutine-safe; the owning Sandbox serializes
// every call. Interruption relies on LState.SetContext, which aborts the VM
// when the run context is cancelled.
type luaEngine struct {
	L      *lua.LState
	bridge *luaBridge

	// resources sits between every execution env and the globals table.
	resources *lua.LTable

	exports *lua.LTable
	state   *runState
}

func newLuaEngine(cfg engineConfig) *luaEngine {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // opened selectively below
	})

	e := &luaEngine{
		L:      L,
		bridge: newLuaBridge(L),
		state:  &runState{},
	}

	openSafeLibraries(L, cfg.policy)
	e.installSafeRequire()

	for name, fn := range cfg.builtins {
		L.SetGlobal(name, L.NewFunction(e.wrap(fn)))
	}
	if logFn, ok := cfg.builtins["log"]; ok {
		L.SetGlobal("print", L.NewFunction(e.wrap(logFn)))
	}

	e.resources = L.NewTable()
	meta := L.NewTable()
	L.SetField(meta, "__index", L.Get(lua.GlobalsIndex))
	L.SetMetatable(e.resources, meta)

	return e
}

// openSafeLibraries opens only the Lua standard libraries the policy allows.
func openSafeLibraries(L *lua.LState, policy SecurityPolicy) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if policy.AllowProcessSpawn {
		lua.OpenOs(L)
	}

	// Never opened: io (file system), debug (can bypass the sandbox),
	// package (arbitrary module loading).
	for _, name := range []string{"dofile", "loadfile", "module", "newproxy"} {
		L.SetGlobal(name, lua.LNil)
	}
	if !policy.AllowEval {
		L.SetGlobal("load", lua.LNil)
		L.SetGlobal("loadstring", lua.LNil)
	}
}

// installSafeRequire replaces require with a version that only returns the
// already-opened standard libraries.
func (e *luaEngine) installSafeRequire() {
	safeModules := map[string]bool{"string": true, "table": true, "math": true, "os": true}

	e.L.SetGlobal("require", e.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if safeModules[name] {
			if mod := L.GetGlobal(name); mod != lua.LNil {
				L.Push(mod)
				return 1
			}
		}
		L.RaiseError("module %q is not available", name)
		return 0
	}))
}

// wrap adapts a builtin to a Lua function.
func (e *luaEngine) wrap(fn builtin) lua.LGFunction {
	return func(L *lua.LState) int {
		n := L.GetTop()
		args := make([]any, n)
		for i := 1; i <= n; i++ {
			args[i-1] = e.bridge.toGo(L.Get(i))
		}

		result, err := fn(e.state.context(), args)
		if err != nil {
			e.state.err = err
			L.RaiseError("%s", err.Error())
			return 0
		}
		if result == nil {
			return 0
		}
		L.Push(e.bridge.toLua(result))
		return 1
	}
}

// newEnv creates an execution-local environment holding vars. Lookups fall
// through to the injected resources and then to the globals.
func (e *luaEngine) newEnv(vars map[string]any) *lua.LTable {
	env := e.L.NewTable()
	for k, v := range vars {
		env.RawSetString(k, e.bridge.toLua(v))
	}
	meta := e.L.NewTable()
	e.L.SetField(meta, "__index", e.resources)
	e.L.SetMetatable(env, meta)
	return env
}

func (e *luaEngine) run(ctx context.Context, code string, vars map[string]any, expr bool) (any, error) {
	if expr {
		code = "return " + code
	}
	fn, err := e.L.LoadString(code)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	e.L.SetFEnv(fn, e.newEnv(vars))

	ret, err := e.pcall(ctx, fn, nil)
	if err != nil {
		return nil, err
	}
	return e.bridge.toGo(ret), nil
}

func (e *luaEngine) load(ctx context.Context, code string) error {
	fn, err := e.L.LoadString(code)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	env := e.newEnv(nil)
	exports := e.L.NewTable()
	module := e.L.NewTable()
	module.RawSetString("exports", exports)
	env.RawSetString("exports", exports)
	env.RawSetString("module", module)
	e.L.SetFEnv(fn, env)

	ret, err := e.pcall(ctx, fn, nil)
	if err != nil {
		return err
	}

	// A returned table wins over module.exports.
	if t, ok := ret.(*lua.LTable); ok {
		e.exports = t
	} else if t, ok := module.RawGetString("exports").(*lua.LTable); ok {
		e.exports = t
	} else {
		e.exports = exports
	}
	return nil
}

func (e *luaEngine) call(ctx context.Context, name string, args []any) (any, error) {
	if e.exports == nil {
		return nil, ErrNoModule
	}
	fn, ok := e.exports.RawGetString(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExport, name)
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = e.bridge.toLua(a)
	}

	ret, err := e.pcall(ctx, fn, largs)
	if err != nil {
		return nil, err
	}
	return e.bridge.toGo(ret), nil
}

// pcall calls fn with args under ctx and returns its first result.
func (e *luaEngine) pcall(ctx context.Context, fn *lua.LFunction, args []lua.LValue) (ret lua.LValue, err error) {
	e.state = &runState{ctx: ctx}
	top := e.L.GetTop()

	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			e.L.SetTop(top)
			ret, err = nil, fmt.Errorf("lua panic: %v", r)
		}
	}()

	e.L.Push(fn)
	for _, a := range args {
		e.L.Push(a)
	}
	if err := e.L.PCall(len(args), 1, nil); err != nil {
		e.L.SetTop(top)
		return nil, e.state.result(err)
	}

	ret = e.L.Get(-1)
	e.L.SetTop(top)
	return ret, nil
}

func (e *luaEngine) hasExport(name string) bool {
	if e.exports == nil {
		return false
	}
	_, ok := e.exports.RawGetString(name).(*lua.LFunction)
	return ok
}

func (e *luaEngine) exportNames() []string {
	if e.exports == nil {
		return nil
	}
	var names []string
	e.exports.ForEach(func(k, v lua.LValue) {
		if _, ok := v.(*lua.LFunction); ok && k.Type() == lua.LTString {
			names = append(names, k.String())
		}
	})
	return names
}

func (e *luaEngine) setResource(name string, value any) {
	e.resources.RawSetString(name, e.bridge.toLua(value))
}

func (e *luaEngine) removeResource(name string) {
	e.resources.RawSetString(name, lua.LNil)
}

func (e *luaEngine) close() {
	e.exports = nil
	e.L.Close()
}
