package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Language selects the script engine backing a sandbox.
type Language string

// Supported languages.
const (
	LanguageLua        Language = "lua"
	LanguageJavaScript Language = "javascript"
)

// LanguageForFile infers the language from a file extension.
func LanguageForFile(path string) (Language, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".lua":
		return LanguageLua, nil
	case ".js", ".mjs", ".cjs":
		return LanguageJavaScript, nil
	default:
		return "", fmt.Errorf("unsupported script type %q", filepath.Ext(path))
	}
}

// builtin is a host function exposed to sandboxed code. Errors returned by
// a builtin surface verbatim from the execution that called it.
type builtin func(ctx context.Context, args []any) (any, error)

// engine runs code for one sandbox. Callers serialize access.
type engine interface {
	// run executes code in an environment holding env on top of the
	// injected resources. expr treats code as a single expression.
	run(ctx context.Context, code string, env map[string]any, expr bool) (any, error)

	// load runs a module body once and keeps its exports.
	load(ctx context.Context, code string) error

	// call invokes an exported module function.
	call(ctx context.Context, name string, args []any) (any, error)

	hasExport(name string) bool
	exportNames() []string

	setResource(name string, value any)
	removeResource(name string)

	close()
}

// engineConfig carries what an engine needs from its sandbox.
type engineConfig struct {
	policy   SecurityPolicy
	builtins map[string]builtin
}

func newEngine(lang Language, cfg engineConfig) (engine, error) {
	switch lang {
	case LanguageLua, "":
		return newLuaEngine(cfg), nil
	case LanguageJavaScript:
		return newJSEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
}

// runState tracks the builtin error raised during one engine call, so the
// typed error can be returned instead of the engine's string wrapper.
type runState struct {
	ctx context.Context
	err error
}

func (r *runState) context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *runState) result(err error) error {
	if err == nil {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return err
}
