// Package registry owns registered plugins: their lifecycle state machine,
// the dependency graph between them, and the sandbox and context each one
// runs with.
//
// Locks are held only while reading or writing the record map. Plugin
// callbacks, compatibility checks, and event emission always run outside
// the lock, so plugins may call back into the registry through their
// context.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/sandbox"
)

// Errors returned by registry operations.
var (
	ErrNotFound     = errors.New("plugin not found")
	ErrIncompatible = errors.New("plugin is incompatible")
	ErrNotRunning   = errors.New("plugin is not running")
)

// Checker is the compatibility gate consulted on registration.
type Checker interface {
	CheckPlugin(p plugin.Plugin) *compat.Report
}

// HotReloadController enables and disables file watching for a plugin.
type HotReloadController interface {
	Watch(name, dir string) error
	Unwatch(name string)
}

// IncompatibleError is returned when the checker rejects a plugin.
type IncompatibleError struct {
	Plugin string
	Report *compat.Report
}

func (e *IncompatibleError) Error() string {
	var msgs []string
	for _, i := range e.Report.Critical() {
		msgs = append(msgs, i.Message)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("plugin %q is incompatible (score %d)", e.Plugin, e.Report.Score)
	}
	return fmt.Sprintf("plugin %q is incompatible: %s", e.Plugin, strings.Join(msgs, "; "))
}

// Is matches ErrIncompatible.
func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatible
}

// Config configures a Registry.
type Config struct {
	// DataDir is the root under which each plugin gets a data directory.
	// Empty disables data directories.
	DataDir string

	// AutoStart starts plugins after registration unless overridden.
	AutoStart bool

	// SecurityLevel is the sandbox preset for new plugins.
	SecurityLevel sandbox.Level
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		SecurityLevel: sandbox.LevelMedium,
	}
}

// Metrics are per-plugin lifecycle counters.
type Metrics struct {
	Starts      int64
	Stops       int64
	Errors      int64
	Executions  int64
	LastStarted time.Time
	LastStopped time.Time
	LastError   time.Time
}

// record is the registry's bookkeeping for one plugin.
type record struct {
	// op serializes lifecycle calls into the plugin.
	op sync.Mutex

	plugin   plugin.Plugin
	manifest *plugin.Manifest
	caps     plugin.Capabilities
	ctx      *plugin.Context
	sandbox  *sandbox.Sandbox
	deps     []plugin.Dependency

	config    map[string]any
	status    plugin.Status
	enabled   bool
	hotReload bool
	lastErr   error

	registeredAt time.Time
	metrics      Metrics
}

// Registry is the set of registered plugins.
type Registry struct {
	mu sync.RWMutex

	records map[string]*record
	order   []string
	pending map[string]bool

	config   Config
	checker  Checker
	reloader HotReloadController
	emitter  event.Emitter
	logger   *slog.Logger
	now      func() time.Time

	sandboxOpts []sandbox.Option
	onSecurity  sandbox.SecurityEventHandler
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEmitter sets the event sink for lifecycle events.
func WithEmitter(e event.Emitter) Option {
	return func(r *Registry) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithChecker sets the compatibility gate.
func WithChecker(c Checker) Option {
	return func(r *Registry) { r.checker = c }
}

// WithHotReload sets the controller used for per-plugin hot reload.
func WithHotReload(c HotReloadController) Option {
	return func(r *Registry) { r.reloader = c }
}

// WithSandboxOptions adds options passed to every plugin sandbox.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(r *Registry) { r.sandboxOpts = append(r.sandboxOpts, opts...) }
}

// WithSecurityEventHandler receives every sandbox security event in
// addition to the security-event topic.
func WithSecurityEventHandler(h sandbox.SecurityEventHandler) Option {
	return func(r *Registry) { r.onSecurity = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry. A checker that accepts a lookup is pointed at
// the new registry for its dependency checks.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.SecurityLevel == "" {
		cfg.SecurityLevel = sandbox.LevelMedium
	}
	r := &Registry{
		records: make(map[string]*record),
		pending: make(map[string]bool),
		config:  cfg,
		emitter: event.Discard,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")

	if s, ok := r.checker.(interface{ SetRegistry(plugin.Lookup) }); ok {
		s.SetRegistry(r)
	}
	return r
}

// SetHotReload sets the hot reload controller after construction.
func (r *Registry) SetHotReload(c HotReloadController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloader = c
}

func (r *Registry) hotReload() HotReloadController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloader
}

// emit publishes a lifecycle event. Never call with mu held.
func (r *Registry) emit(topic event.Topic, rec *record, err error) {
	payload := event.PluginPayload{
		Plugin:  rec.plugin.Name(),
		Version: rec.plugin.Version(),
	}
	r.mu.RLock()
	payload.Status = rec.status.String()
	r.mu.RUnlock()
	if err != nil {
		payload.Error = err.Error()
	}
	r.emitter.Emit(topic, payload)
}

func (r *Registry) securityEvent(ev sandbox.SecurityEvent) {
	r.emitter.Emit(event.TopicSecurityEvent, event.SecurityPayload{
		PluginName: ev.PluginName,
		Event:      string(ev.Type),
		Data: map[string]any{
			"id":        ev.ID,
			"sandboxId": ev.SandboxID,
			"message":   ev.Message,
			"time":      ev.Time,
			"details":   ev.Data,
		},
	})
	if r.onSecurity != nil {
		r.onSecurity(ev)
	}
}

func (r *Registry) get(name string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrNotFound)
	}
	return rec, nil
}

// removeFromOrder removes a name from the registration order.
// Must be called with mu held.
func (r *Registry) removeFromOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
