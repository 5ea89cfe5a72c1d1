package sandbox

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// jsEngine runs JavaScript on a single goja runtime. Execution-local
// variables are bound as globals for the duration of one run; they and any
// global the run creates are removed afterwards. Cancellation interrupts
// the runtime.
type jsEngine struct {
	vm      *goja.Runtime
	exports *goja.Object
	state   *runState
}

func newJSEngine(cfg engineConfig) *jsEngine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	e := &jsEngine{vm: vm, state: &runState{}}

	if !cfg.policy.AllowEval {
		global := vm.GlobalObject()
		_ = global.Delete("eval")
		_ = global.Delete("Function")
	}

	for name, fn := range cfg.builtins {
		_ = vm.Set(name, e.wrap(fn))
	}
	if logFn, ok := cfg.builtins["log"]; ok {
		console := vm.NewObject()
		_ = console.Set("log", e.wrap(logFn))
		_ = vm.Set("console", console)
	}
	return e
}

// wrap adapts a builtin to a JavaScript function.
func (e *jsEngine) wrap(fn builtin) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = exportValue(a)
		}
		result, err := fn(e.state.context(), args)
		if err != nil {
			e.state.err = err
			panic(e.vm.NewGoError(err))
		}
		if result == nil {
			return goja.Undefined()
		}
		return e.vm.ToValue(result)
	}
}

// guard runs fn with the runtime interruptible through ctx.
func (e *jsEngine) guard(ctx context.Context, fn func() (goja.Value, error)) (v goja.Value, err error) {
	e.state = &runState{ctx: ctx}
	e.vm.ClearInterrupt()

	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("javascript panic: %v", r)
		}
	}()

	v, err = fn()
	return v, e.state.result(err)
}

func (e *jsEngine) run(ctx context.Context, code string, vars map[string]any, expr bool) (any, error) {
	if expr {
		code = "(" + code + "\n)"
	}
	// Block scope keeps let, const and class declarations local to the run.
	code = "{\n" + code + "\n}"

	global := e.vm.GlobalObject()
	before := make(map[string]struct{})
	for _, k := range global.Keys() {
		before[k] = struct{}{}
	}

	// Bind vars, remembering what they shadowed.
	type saved struct {
		value   goja.Value
		present bool
	}
	prev := make(map[string]saved, len(vars))
	for k, v := range vars {
		old := global.Get(k)
		prev[k] = saved{value: old, present: old != nil}
		_ = global.Set(k, v)
	}
	defer func() {
		for k, s := range prev {
			if s.present {
				_ = global.Set(k, s.value)
			} else {
				_ = global.Delete(k)
			}
		}
		// Globals created by the run. var bindings cannot be deleted and
		// are reset to undefined instead.
		for _, k := range global.Keys() {
			if _, ok := before[k]; ok {
				continue
			}
			if err := global.Delete(k); err != nil {
				_ = global.Set(k, goja.Undefined())
			}
		}
	}()

	v, err := e.guard(ctx, func() (goja.Value, error) {
		return e.vm.RunString(code)
	})
	if err != nil {
		return nil, err
	}
	return exportValue(v), nil
}

func (e *jsEngine) load(ctx context.Context, code string) error {
	exports := e.vm.NewObject()
	module := e.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = e.vm.Set("module", module)
	_ = e.vm.Set("exports", exports)

	if _, err := e.guard(ctx, func() (goja.Value, error) {
		return e.vm.RunString(code)
	}); err != nil {
		return err
	}

	// module.exports may have been reassigned.
	if me := module.Get("exports"); me != nil && !goja.IsUndefined(me) && !goja.IsNull(me) {
		exports = me.ToObject(e.vm)
	}
	e.exports = exports
	return nil
}

func (e *jsEngine) call(ctx context.Context, name string, args []any) (any, error) {
	if e.exports == nil {
		return nil, ErrNoModule
	}
	fn, ok := goja.AssertFunction(e.exports.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExport, name)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = e.vm.ToValue(a)
	}

	v, err := e.guard(ctx, func() (goja.Value, error) {
		return fn(e.exports, jsArgs...)
	})
	if err != nil {
		return nil, err
	}
	return exportValue(v), nil
}

func (e *jsEngine) hasExport(name string) bool {
	if e.exports == nil {
		return false
	}
	_, ok := goja.AssertFunction(e.exports.Get(name))
	return ok
}

func (e *jsEngine) exportNames() []string {
	if e.exports == nil {
		return nil
	}
	var names []string
	for _, k := range e.exports.Keys() {
		if _, ok := goja.AssertFunction(e.exports.Get(k)); ok {
			names = append(names, k)
		}
	}
	return names
}

func (e *jsEngine) setResource(name string, value any) {
	_ = e.vm.Set(name, value)
}

func (e *jsEngine) removeResource(name string) {
	_ = e.vm.GlobalObject().Delete(name)
}

func (e *jsEngine) close() {
	e.vm.Interrupt("sandbox destroyed")
	e.exports = nil
}

// exportValue converts a goja value to a plain Go value.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
