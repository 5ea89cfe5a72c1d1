// Package plugin defines the contract between the runtime and plugin code:
// the manifest format, the lifecycle interface every plugin implements, the
// status state machine, and the capability bundle handed to a plugin when
// it is initialized.
package plugin

import (
	"context"
	"errors"
	"time"
)

// ErrNotExecutable is returned when Execute is requested from a plugin that
// does not implement Executor.
var ErrNotExecutable = errors.New("plugin does not support execute")

// Plugin is a loaded, executable unit.
//
// The runtime calls Initialize once, then Start/Stop any number of times,
// then Cleanup once. Calls for a single plugin are never concurrent.
type Plugin interface {
	Name() string
	Version() string
	Manifest() *Manifest

	Initialize(ctx context.Context, pctx *Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Request is the input to Executor.Execute.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// Executor is implemented by plugins that accept ad hoc requests.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// Configurable is implemented by plugins that accept configuration changes
// while registered.
type Configurable interface {
	Configure(ctx context.Context, cfg map[string]any) error
}

// Capabilities records which optional interfaces a plugin implements.
// It is computed once when the plugin has been initialized.
type Capabilities struct {
	CanExecute   bool
	CanConfigure bool
}

// CapabilityReporter is implemented by plugins whose capabilities are only
// known once they are initialized, such as script modules.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// CapabilitiesOf inspects p for optional interfaces. A CapabilityReporter
// decides for itself.
func CapabilitiesOf(p Plugin) Capabilities {
	if cr, ok := p.(CapabilityReporter); ok {
		return cr.Capabilities()
	}
	_, canExec := p.(Executor)
	_, canConf := p.(Configurable)
	return Capabilities{CanExecute: canExec, CanConfigure: canConf}
}

// Info is a read-only view of a registered plugin.
type Info struct {
	Name         string
	Version      string
	Status       Status
	Enabled      bool
	RegisteredAt time.Time
}

// Lookup is the read-only registry view given to plugins. It never owns
// the records it returns.
type Lookup interface {
	Lookup(name string) (Info, bool)
	Names() []string
}

// Sandbox is the isolated execution context bound to a plugin.
type Sandbox interface {
	Execute(ctx context.Context, code string, vars map[string]any) (any, error)
	Evaluate(ctx context.Context, expr string, vars map[string]any) (any, error)
	AddResource(name string, value any) error
	RemoveResource(name string) error
	CheckPermission(permission string) bool
}

// ModuleSandbox is a Sandbox that can host a persistent script module whose
// exported functions are called by name.
type ModuleSandbox interface {
	Sandbox
	LoadModule(ctx context.Context, source string) error
	CallExport(ctx context.Context, name string, args ...any) (any, error)
	HasExport(name string) bool
	Exports() []string
}
