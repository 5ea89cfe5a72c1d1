package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/rterrors"
	"github.com/dshills/plughost/internal/sandbox"
)

type registerOptions struct {
	autoStart *bool
	hotReload *bool
	enabled   bool
	level     sandbox.Level
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*registerOptions)

// AutoStart overrides the registry and manifest auto-start setting.
func AutoStart(on bool) RegisterOption {
	return func(o *registerOptions) { o.autoStart = &on }
}

// HotReload overrides the manifest hot reload setting.
func HotReload(on bool) RegisterOption {
	return func(o *registerOptions) { o.hotReload = &on }
}

// Enabled sets the initial enabled flag. Plugins are enabled by default.
func Enabled(on bool) RegisterOption {
	return func(o *registerOptions) { o.enabled = on }
}

// SecurityLevel overrides the sandbox preset for this plugin.
func SecurityLevel(level sandbox.Level) RegisterOption {
	return func(o *registerOptions) { o.level = level }
}

type unregisterOptions struct {
	ignoreDependents bool
}

// UnregisterOption adjusts a single unregistration.
type UnregisterOption func(*unregisterOptions)

// IgnoreDependents removes the plugin even if others depend on it. The
// dependents keep their edges, so a plugin registered again under the same
// name satisfies them. Used when replacing a plugin in place.
func IgnoreDependents() UnregisterOption {
	return func(o *unregisterOptions) { o.ignoreDependents = true }
}

// Register validates p, checks its dependencies and compatibility, builds
// its sandbox and context, and initializes it. The manifest's config
// defaults are overlaid with cfg.
func (r *Registry) Register(ctx context.Context, p plugin.Plugin, cfg map[string]any, opts ...RegisterOption) error {
	if p == nil {
		return rterrors.NewValidationError("plugin", "", "plugin is nil")
	}
	m := p.Manifest()
	if m == nil {
		return rterrors.NewValidationError("manifest", p.Name(), "plugin has no manifest")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	name := p.Name()
	if name != m.Name {
		return rterrors.NewValidationError("name", name, fmt.Sprintf("plugin name does not match manifest name %q", m.Name))
	}

	o := registerOptions{enabled: true, level: r.config.SecurityLevel}
	for _, opt := range opts {
		opt(&o)
	}

	// Reserve the name (brief lock)
	r.mu.Lock()
	if existing, ok := r.records[name]; ok {
		r.mu.Unlock()
		return &rterrors.ConflictError{Plugin: name, Existing: existing.plugin.Version()}
	}
	if r.pending[name] {
		r.mu.Unlock()
		return &rterrors.ConflictError{Plugin: name, Message: "registration already in progress"}
	}
	r.pending[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, name)
		r.mu.Unlock()
	}()

	deps := m.ParsedDependencies()
	if err := r.checkDependencies(name, deps); err != nil {
		return err
	}

	if r.checker != nil {
		if report := r.checker.CheckPlugin(p); !report.IsCompatible {
			err := &IncompatibleError{Plugin: name, Report: report}
			r.logger.Warn("plugin rejected", "plugin", name, "score", report.Score, "verdict", report.Verdict)
			r.emitter.Emit(event.TopicPluginError, event.PluginPayload{
				Plugin: name, Version: p.Version(), Status: plugin.StatusRegistered.String(), Error: err.Error(),
			})
			return err
		}
	}

	config := m.ConfigDefaults()
	for k, v := range plugin.CopyConfig(cfg) {
		config[k] = v
	}

	rec, err := r.build(p, m, config, deps, o)
	if err != nil {
		return err
	}

	// Initialize (potentially long operation, no lock)
	if err := p.Initialize(ctx, rec.ctx); err != nil {
		rec.sandbox.Destroy()
		err = fmt.Errorf("initialize plugin %q: %w", name, err)
		r.logger.Error("plugin initialization failed", "plugin", name, "error", err)
		r.emitter.Emit(event.TopicPluginError, event.PluginPayload{
			Plugin: name, Version: p.Version(), Status: plugin.StatusError.String(), Error: err.Error(),
		})
		return err
	}
	rec.status = plugin.StatusInitialized
	rec.caps = plugin.CapabilitiesOf(p)

	r.mu.Lock()
	r.records[name] = rec
	r.order = append(r.order, name)
	r.mu.Unlock()

	r.logger.Info("plugin registered", "plugin", name, "version", p.Version(), "sandbox", rec.sandbox.ID())
	r.emit(event.TopicPluginRegistered, rec, nil)

	if rec.hotReload {
		r.watch(name, m)
	}

	autoStart := r.config.AutoStart || m.AutoStart
	if o.autoStart != nil {
		autoStart = *o.autoStart
	}
	if autoStart && rec.enabled {
		if err := r.Start(ctx, name); err != nil {
			r.logger.Warn("auto-start failed", "plugin", name, "error", err)
		}
	}
	return nil
}

// build creates the record, sandbox and context for a new plugin.
func (r *Registry) build(p plugin.Plugin, m *plugin.Manifest, config map[string]any, deps []plugin.Dependency, o registerOptions) (*record, error) {
	name := p.Name()

	lang := sandbox.LanguageLua
	if l, err := sandbox.LanguageForFile(m.EntryPoint); err == nil {
		lang = l
	}

	workDir := m.Path()
	var dataDir string
	if r.config.DataDir != "" {
		dataDir = filepath.Join(r.config.DataDir, name)
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory for %q: %w", name, err)
		}
		if workDir == "" {
			workDir = dataDir
		}
	}

	sbOpts := append([]sandbox.Option{
		sandbox.WithLogger(r.logger),
		sandbox.WithSecurityEventHandler(r.securityEvent),
	}, r.sandboxOpts...)
	sb, err := sandbox.New(sandbox.Config{
		PluginName:  name,
		Level:       o.level,
		Language:    lang,
		Permissions: m.Permissions,
		WorkDir:     workDir,
	}, sbOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sandbox for %q: %w", name, err)
	}

	hotReload := m.HotReload
	if o.hotReload != nil {
		hotReload = *o.hotReload
	}

	rec := &record{
		plugin:       p,
		manifest:     m,
		sandbox:      sb,
		deps:         deps,
		config:       config,
		status:       plugin.StatusRegistered,
		enabled:      o.enabled,
		hotReload:    hotReload,
		registeredAt: r.now(),
	}
	rec.ctx = plugin.NewContext(plugin.ContextConfig{
		Name:        name,
		WorkDir:     workDir,
		DataDir:     dataDir,
		Config:      config,
		Permissions: m.Permissions,
		Logger:      r.logger,
		Emitter:     r.emitter,
		Registry:    r,
		Sandbox:     sb,
	})
	return rec, nil
}

// checkDependencies requires every non-optional dependency to be
// registered at a satisfying version.
func (r *Registry) checkDependencies(name string, deps []plugin.Dependency) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dep := range deps {
		rec, ok := r.records[dep.Name]
		if !ok {
			if dep.Optional {
				r.logger.Info("optional dependency not registered", "plugin", name, "dependency", dep.Name)
				continue
			}
			return &rterrors.DependencyError{Plugin: name, Dependency: dep.Name, Required: dep.Range}
		}
		if found := rec.plugin.Version(); !compat.Satisfies(found, dep.Range) {
			return &rterrors.DependencyError{Plugin: name, Dependency: dep.Name, Required: dep.Range, Found: found}
		}
	}
	return nil
}

// Unregister stops and cleans up a plugin and removes it. It fails with a
// ConflictError while other plugins depend on it.
func (r *Registry) Unregister(ctx context.Context, name string, opts ...UnregisterOption) error {
	var o unregisterOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Remove the record (brief lock)
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	if !o.ignoreDependents {
		if deps := r.dependentsLocked(name); len(deps) > 0 {
			r.mu.Unlock()
			return &rterrors.ConflictError{Plugin: name, Dependents: deps}
		}
	}
	delete(r.records, name)
	r.removeFromOrder(name)
	r.mu.Unlock()

	// An in-flight Start or Stop finishes before the status is read
	rec.op.Lock()
	defer rec.op.Unlock()

	r.mu.RLock()
	wasRunning := rec.status == plugin.StatusRunning
	r.mu.RUnlock()

	var errs []error
	if wasRunning {
		if err := rec.plugin.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		} else {
			r.mu.Lock()
			rec.status = plugin.StatusStopped
			rec.metrics.Stops++
			rec.metrics.LastStopped = r.now()
			r.mu.Unlock()
			r.emit(event.TopicPluginStopped, rec, nil)
		}
	}

	if rec.hotReload {
		if c := r.hotReload(); c != nil {
			c.Unwatch(name)
		}
	}

	if err := rec.plugin.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup: %w", err))
	}
	rec.sandbox.Destroy()

	if inv, ok := r.checker.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(name)
	}

	r.logger.Info("plugin unregistered", "plugin", name)
	r.emit(event.TopicPluginUnregistered, rec, errors.Join(errs...))

	if len(errs) > 0 {
		return fmt.Errorf("unregister plugin %q: %w", name, errors.Join(errs...))
	}
	return nil
}

// Start moves a plugin to running. Calls from a state that cannot start,
// or on a disabled plugin, are logged and ignored. Every required
// dependency must be running.
func (r *Registry) Start(ctx context.Context, name string) error {
	rec, err := r.lockOp(name)
	if err != nil {
		return err
	}
	defer rec.op.Unlock()

	r.mu.RLock()
	status, enabled := rec.status, rec.enabled
	r.mu.RUnlock()

	if !enabled {
		r.logger.Warn("start ignored: plugin disabled", "plugin", name)
		return nil
	}
	if !status.CanTransition(plugin.StatusRunning) {
		r.logger.Warn("start ignored", "plugin", name, "status", status)
		return nil
	}
	if err := r.requireRunningDependencies(name, rec.deps); err != nil {
		return err
	}

	if err := rec.plugin.Start(ctx); err != nil {
		err = fmt.Errorf("start plugin %q: %w", name, err)
		r.fail(rec, err)
		return err
	}

	r.mu.Lock()
	rec.status = plugin.StatusRunning
	rec.metrics.Starts++
	rec.metrics.LastStarted = r.now()
	r.mu.Unlock()

	r.logger.Info("plugin started", "plugin", name)
	r.emit(event.TopicPluginStarted, rec, nil)
	return nil
}

func (r *Registry) requireRunningDependencies(name string, deps []plugin.Dependency) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dep := range deps {
		rec, ok := r.records[dep.Name]
		switch {
		case !ok && dep.Optional:
			continue
		case !ok:
			return &rterrors.DependencyError{Plugin: name, Dependency: dep.Name, Required: dep.Range}
		case rec.status != plugin.StatusRunning && !dep.Optional:
			return &rterrors.DependencyError{Plugin: name, Dependency: dep.Name, Reason: "dependency not running"}
		}
	}
	return nil
}

// Stop moves a running plugin to stopped. Calls on a plugin that is not
// running are logged and ignored.
func (r *Registry) Stop(ctx context.Context, name string) error {
	rec, err := r.lockOp(name)
	if err != nil {
		return err
	}
	defer rec.op.Unlock()

	r.mu.RLock()
	status := rec.status
	r.mu.RUnlock()

	if !status.CanTransition(plugin.StatusStopped) {
		r.logger.Warn("stop ignored", "plugin", name, "status", status)
		return nil
	}

	if dependents := r.Dependents(name); len(dependents) > 0 {
		r.logger.Warn("stopping plugin with dependents", "plugin", name, "dependents", dependents)
	}

	if err := rec.plugin.Stop(ctx); err != nil {
		err = fmt.Errorf("stop plugin %q: %w", name, err)
		r.fail(rec, err)
		return err
	}

	r.mu.Lock()
	rec.status = plugin.StatusStopped
	rec.metrics.Stops++
	rec.metrics.LastStopped = r.now()
	r.mu.Unlock()

	r.logger.Info("plugin stopped", "plugin", name)
	r.emit(event.TopicPluginStopped, rec, nil)
	return nil
}

// lockOp takes the operation lock of the named record. It fails with
// ErrNotFound when the record was unregistered while waiting for the lock.
func (r *Registry) lockOp(name string) (*record, error) {
	rec, err := r.get(name)
	if err != nil {
		return nil, err
	}
	rec.op.Lock()

	r.mu.RLock()
	current := r.records[name]
	r.mu.RUnlock()
	if current != rec {
		rec.op.Unlock()
		return nil, fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	return rec, nil
}

// fail records err and moves the plugin to the error state.
func (r *Registry) fail(rec *record, err error) {
	r.mu.Lock()
	rec.status = plugin.StatusError
	rec.lastErr = err
	rec.metrics.Errors++
	rec.metrics.LastError = r.now()
	r.mu.Unlock()

	r.logger.Error("plugin failed", "plugin", rec.plugin.Name(), "error", err)
	r.emit(event.TopicPluginError, rec, err)
}

// SetEnabled sets the enabled flag. Disabling a running plugin stops it;
// enabling an initialized plugin starts it. A disabled plugin cannot be
// started.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	rec, err := r.get(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	changed := rec.enabled != enabled
	rec.enabled = enabled
	status := rec.status
	r.mu.Unlock()

	if !changed {
		return nil
	}
	r.logger.Info("plugin enabled flag changed", "plugin", name, "enabled", enabled)

	switch {
	case !enabled && status == plugin.StatusRunning:
		return r.Stop(ctx, name)
	case enabled && status == plugin.StatusInitialized:
		return r.Start(ctx, name)
	}
	return nil
}

// Execute sends req to a running plugin that implements plugin.Executor.
func (r *Registry) Execute(ctx context.Context, name string, req plugin.Request) (any, error) {
	rec, err := r.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	status, caps := rec.status, rec.caps
	r.mu.RUnlock()

	ex, ok := rec.plugin.(plugin.Executor)
	if !caps.CanExecute || !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, plugin.ErrNotExecutable)
	}
	if status != plugin.StatusRunning {
		return nil, fmt.Errorf("plugin %q is %s: %w", name, status, ErrNotRunning)
	}

	result, err := ex.Execute(ctx, req)

	r.mu.Lock()
	rec.metrics.Executions++
	r.mu.Unlock()
	return result, err
}

// Shutdown unregisters every plugin, dependents before their
// dependencies.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, name := range r.shutdownOrder() {
		if err := r.Unregister(ctx, name, IgnoreDependents()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to unregister %d plugins: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// shutdownOrder returns registered names so that each plugin comes before
// the plugins it depends on. Cycles fall back to reverse registration order.
func (r *Registry) shutdownOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	remaining := slices.Clone(r.order)
	var out []string
	for len(remaining) > 0 {
		progressed := false
		for i := len(remaining) - 1; i >= 0; i-- {
			name := remaining[i]
			blocked := false
			for _, other := range remaining {
				if other != name && r.dependsOn(other, name) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			out = append(out, name)
			remaining = slices.Delete(remaining, i, i+1)
			progressed = true
		}
		if !progressed {
			slices.Reverse(remaining)
			out = append(out, remaining...)
			break
		}
	}
	return out
}

func (r *Registry) watch(name string, m *plugin.Manifest) {
	c := r.hotReload()
	if c == nil || m.Path() == "" {
		return
	}
	if err := c.Watch(name, m.Path()); err != nil {
		r.logger.Warn("hot reload watch failed", "plugin", name, "error", err)
	}
}
