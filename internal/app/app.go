// Package app wires the plugin runtime together: configuration, logging,
// the event bus, the compatibility checker, the registry, the hot
// reloader, security auditing and tracing.
package app

import (
	"io"
	"sync/atomic"

	"github.com/dshills/plughost/internal/audit"
	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/registry"
	"github.com/dshills/plughost/internal/reload"
	"github.com/dshills/plughost/internal/telemetry"
)

// Version is the host version reported when the configuration leaves
// runtime.host_version unset. Overridden at link time.
var Version = "1.0.0"

// Application owns every runtime component.
type Application struct {
	config config.Config
	logs   *logging.Logger
	bus    *event.Bus

	checker   *compat.Checker
	registry  *registry.Registry
	discovery *loader.Loader
	scripts   loader.ScriptLoader
	reloader  *reload.Reloader
	auditor   *audit.Auditor
	tracing   *telemetry.Provider

	unsubscribe func()

	running atomic.Bool
	stopped atomic.Bool
	opts    Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the TOML file to load. Empty reads plughost.toml from
	// the working directory when present.
	ConfigPath string

	// Config, when set, is used instead of loading ConfigPath.
	Config *config.Config

	// LogOutput receives process logs. Defaults to stderr.
	LogOutput io.Writer
}

// New loads configuration and builds every component. Plugins are not
// discovered until Start or LoadPlugins.
func New(opts Options) (*Application, error) {
	a := &Application{opts: opts}
	if err := newBootstrapper(a).bootstrap(); err != nil {
		return nil, err
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *Application) Config() config.Config { return a.config }

// Logger returns the process logger.
func (a *Application) Logger() *logging.Logger { return a.logs }

// Bus returns the event bus.
func (a *Application) Bus() *event.Bus { return a.bus }

// Checker returns the compatibility checker.
func (a *Application) Checker() *compat.Checker { return a.checker }

// Registry returns the plugin registry.
func (a *Application) Registry() *registry.Registry { return a.registry }

// Reloader returns the hot reloader.
func (a *Application) Reloader() *reload.Reloader { return a.reloader }

// Auditor returns the security auditor.
func (a *Application) Auditor() *audit.Auditor { return a.auditor }

// Discovery returns the plugin directory scanner.
func (a *Application) Discovery() *loader.Loader { return a.discovery }

// IsRunning reports whether Start has completed and Shutdown has not.
func (a *Application) IsRunning() bool { return a.running.Load() }
