package loader

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/sandbox"
)

// Export names a script module may define. All are optional.
const (
	ExportInitialize = "initialize"
	ExportStart      = "start"
	ExportStop       = "stop"
	ExportCleanup    = "cleanup"
	ExportExecute    = "execute"
	ExportConfigure  = "configure"
)

// ScriptLoader builds plugins from manifests whose entry point is a Lua or
// JavaScript source file.
type ScriptLoader struct{}

// LoadPlugin reads the entry point named by m and returns an uninitialized
// plugin. dir overrides the manifest's own directory when non-empty.
func (ScriptLoader) LoadPlugin(m *plugin.Manifest, dir string) (plugin.Plugin, error) {
	if m == nil {
		return nil, fmt.Errorf("load plugin: nil manifest")
	}
	if dir != "" {
		m = m.Clone()
		m.SetPath(dir)
	}
	lang, err := sandbox.LanguageForFile(m.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("load plugin %s: %w", m.Name, err)
	}
	src, err := os.ReadFile(m.EntryPath())
	if err != nil {
		return nil, fmt.Errorf("load plugin %s: %w", m.Name, err)
	}
	return NewScriptPlugin(m, lang, string(src)), nil
}

// ScriptPlugin is a plugin whose lifecycle hooks are functions exported by a
// script module running in the plugin's sandbox.
type ScriptPlugin struct {
	manifest *plugin.Manifest
	language sandbox.Language
	source   string

	mu sync.Mutex
	sb plugin.ModuleSandbox
}

// NewScriptPlugin creates a plugin from already loaded source.
func NewScriptPlugin(m *plugin.Manifest, lang sandbox.Language, source string) *ScriptPlugin {
	return &ScriptPlugin{manifest: m, language: lang, source: source}
}

func (p *ScriptPlugin) Name() string               { return p.manifest.Name }
func (p *ScriptPlugin) Version() string            { return p.manifest.Version }
func (p *ScriptPlugin) Manifest() *plugin.Manifest { return p.manifest }
func (p *ScriptPlugin) Language() sandbox.Language { return p.language }
func (p *ScriptPlugin) Source() string             { return p.source }

// Clone returns a fresh, uninitialized plugin with the same manifest and
// source.
func (p *ScriptPlugin) Clone() plugin.Plugin {
	return NewScriptPlugin(p.manifest.Clone(), p.language, p.source)
}

// Initialize loads the module into the context's sandbox and calls its
// initialize export with the plugin configuration.
func (p *ScriptPlugin) Initialize(ctx context.Context, pctx *plugin.Context) error {
	sb, ok := pctx.Sandbox().(plugin.ModuleSandbox)
	if !ok {
		return fmt.Errorf("plugin %s: sandbox cannot host modules", p.Name())
	}
	if err := sb.LoadModule(ctx, p.source); err != nil {
		return fmt.Errorf("plugin %s: load module: %w", p.Name(), err)
	}

	p.mu.Lock()
	p.sb = sb
	p.mu.Unlock()

	_, err := p.callOptional(ctx, ExportInitialize, pctx.Config())
	return err
}

func (p *ScriptPlugin) Start(ctx context.Context) error {
	_, err := p.callOptional(ctx, ExportStart)
	return err
}

func (p *ScriptPlugin) Stop(ctx context.Context) error {
	_, err := p.callOptional(ctx, ExportStop)
	return err
}

func (p *ScriptPlugin) Cleanup(ctx context.Context) error {
	_, err := p.callOptional(ctx, ExportCleanup)

	p.mu.Lock()
	p.sb = nil
	p.mu.Unlock()
	return err
}

// Configure passes updated configuration to the module's configure export.
func (p *ScriptPlugin) Configure(ctx context.Context, cfg map[string]any) error {
	_, err := p.callOptional(ctx, ExportConfigure, cfg)
	return err
}

// Execute dispatches a request to the module's execute export, or to an
// export named after the action when there is no execute export.
func (p *ScriptPlugin) Execute(ctx context.Context, req plugin.Request) (any, error) {
	sb := p.sandbox()
	if sb == nil {
		return nil, fmt.Errorf("plugin %s: not initialized", p.Name())
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if sb.HasExport(ExportExecute) {
		return sb.CallExport(ctx, ExportExecute, req.Action, params)
	}
	if req.Action != "" && sb.HasExport(req.Action) {
		return sb.CallExport(ctx, req.Action, params)
	}
	return nil, fmt.Errorf("plugin %s: %w", p.Name(), plugin.ErrNotExecutable)
}

// Capabilities reports what the loaded module supports. Before Initialize
// the module is not loaded and nothing is supported. Any export that is not
// a lifecycle hook can serve requests.
func (p *ScriptPlugin) Capabilities() plugin.Capabilities {
	sb := p.sandbox()
	if sb == nil {
		return plugin.Capabilities{}
	}
	caps := plugin.Capabilities{CanConfigure: sb.HasExport(ExportConfigure)}
	for _, name := range sb.Exports() {
		switch name {
		case ExportInitialize, ExportStart, ExportStop, ExportCleanup, ExportConfigure:
		default:
			caps.CanExecute = true
		}
	}
	return caps
}

func (p *ScriptPlugin) sandbox() plugin.ModuleSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sb
}

func (p *ScriptPlugin) callOptional(ctx context.Context, name string, args ...any) (any, error) {
	sb := p.sandbox()
	if sb == nil || !sb.HasExport(name) {
		return nil, nil
	}
	result, err := sb.CallExport(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %s: %w", p.Name(), name, err)
	}
	return result, nil
}
