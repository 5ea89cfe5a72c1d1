// Package reload watches plugin directories and replaces registered plugins
// when their files change.
//
// Each plugin has its own debounce timer: a burst of changes for one plugin
// produces a single reload once the burst has been quiet for the debounce
// interval. A failed reload can roll back to the plugin as it was before.
package reload

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/registry"
)

// Errors returned by the reloader.
var (
	ErrNotPending      = errors.New("no reload awaiting confirmation")
	ErrReloadInFlight  = errors.New("reload already in progress")
	ErrReloaderStopped = errors.New("reloader stopped")
)

// MaxHistory is the number of reload results kept.
const MaxHistory = 100

// Config controls the reloader.
type Config struct {
	// Enabled turns file watching on. A disabled reloader still serves
	// ReloadPlugin.
	Enabled bool

	// AutoReload reloads every changed plugin, including on config file
	// changes, regardless of per-plugin flags.
	AutoReload bool

	// Debounce is the quiet period after the last change before a reload.
	Debounce time.Duration

	// RollbackOnFailure restores the previous plugin when a reload fails.
	RollbackOnFailure bool

	// Validate checks the freshly loaded plugin before registering it.
	Validate bool

	// RequireConfirmation holds reloads until Confirm is called.
	RequireConfirmation bool

	// WatchDirs are plugin root directories. Each immediate subdirectory
	// is treated as one plugin.
	WatchDirs []string
}

// DefaultConfig returns the default reloader configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Debounce:          500 * time.Millisecond,
		RollbackOnFailure: true,
		Validate:          true,
	}
}

// Registry is the part of the plugin registry the reloader drives.
type Registry interface {
	Get(name string) (registry.Snapshot, bool)
	Plugin(name string) (plugin.Plugin, bool)
	Register(ctx context.Context, p plugin.Plugin, cfg map[string]any, opts ...registry.RegisterOption) error
	Unregister(ctx context.Context, name string, opts ...registry.UnregisterOption) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Loader builds a fresh plugin from a manifest and its directory.
type Loader interface {
	LoadPlugin(m *plugin.Manifest, dir string) (plugin.Plugin, error)
}

// Cloner is implemented by plugins that can produce a fresh, uninitialized
// copy of themselves. The copy is used for rollback.
type Cloner interface {
	Clone() plugin.Plugin
}

// pending is a scheduled reload for one plugin.
type pending struct {
	timer  *time.Timer
	gen    uint64
	change ChangeType
}

// Reloader watches plugin directories and reloads plugins on change.
type Reloader struct {
	mu sync.Mutex

	config   Config
	registry Registry
	loader   Loader
	emitter  event.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// Watch state
	watcher *fsnotify.Watcher
	dirs    map[string]string // plugin name -> directory
	auto    map[string]bool   // per-plugin auto-reload flag
	watched map[string]int    // path -> reference count
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	// Scheduling state
	timers   map[string]*pending
	gen      uint64
	inflight map[string]bool
	awaiting map[string]ChangeType

	history []Result

	// onReload is called after each recorded result. Used in tests.
	onReload func(Result)
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reloader) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e event.Emitter) Option {
	return func(r *Reloader) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithTracer sets the tracer used for reload spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Reloader) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithClock overrides the time source used for results and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Reloader) { r.now = now }
}

// New creates a reloader over reg that rebuilds plugins with loader.
func New(cfg Config, reg Registry, loader Loader, opts ...Option) *Reloader {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	r := &Reloader{
		config:   cfg,
		registry: reg,
		loader:   loader,
		emitter:  event.Discard,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/dshills/plughost/internal/reload"),
		now:      time.Now,
		dirs:     make(map[string]string),
		auto:     make(map[string]bool),
		watched:  make(map[string]int),
		timers:   make(map[string]*pending),
		inflight: make(map[string]bool),
		awaiting: make(map[string]ChangeType),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reload")
	return r
}

// Config returns the reloader configuration.
func (r *Reloader) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Start opens the file watcher, watches the configured root directories
// and every plugin directory registered through Watch. Starting a running
// or disabled reloader does nothing.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if !r.config.Enabled {
		r.logger.Info("hot reload disabled")
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = w
	r.watched = make(map[string]int)
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true

	var errs []error
	for _, root := range r.config.WatchDirs {
		if err := r.addTreeLocked(root); err != nil {
			errs = append(errs, err)
		}
	}
	for _, dir := range r.dirs {
		if err := r.addTreeLocked(dir); err != nil {
			errs = append(errs, err)
		}
	}

	go r.loop(r.baseCtx, w, r.done)

	r.logger.Info("hot reload started", "roots", len(r.config.WatchDirs), "plugins", len(r.dirs))
	return errors.Join(errs...)
}

// Stop cancels every pending reload, then closes the watcher. It is safe
// to call more than once.
func (r *Reloader) Stop() error {
	r.mu.Lock()
	for name, p := range r.timers {
		p.timer.Stop()
		delete(r.timers, name)
	}
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	w, cancel, done := r.watcher, r.cancel, r.done
	r.watcher = nil
	r.mu.Unlock()

	cancel()
	err := w.Close()
	<-done

	r.logger.Info("hot reload stopped")
	return err
}

// Running reports whether the file watcher is open.
func (r *Reloader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Watch enables hot reload for the named plugin rooted at dir. Watching
// the same plugin again with the same directory does nothing.
func (r *Reloader) Watch(name, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.dirs[name]; ok {
		if prev == abs {
			return nil
		}
		r.removeTreeLocked(prev)
	}
	r.dirs[name] = abs
	if _, ok := r.auto[name]; !ok {
		r.auto[name] = true
	}
	if !r.running {
		return nil
	}
	return r.addTreeLocked(abs)
}

// Unwatch disables hot reload for the named plugin and cancels any reload
// scheduled for it. It does nothing while the plugin is being reloaded,
// since the reload itself unregisters and registers the plugin.
func (r *Reloader) Unwatch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inflight[name] {
		return
	}
	if p, ok := r.timers[name]; ok {
		p.timer.Stop()
		delete(r.timers, name)
	}
	delete(r.awaiting, name)

	dir, ok := r.dirs[name]
	if !ok {
		return
	}
	delete(r.dirs, name)
	if r.running {
		r.removeTreeLocked(dir)
	}
}

// Watching returns the names of plugins with hot reload enabled, sorted.
func (r *Reloader) Watching() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.dirs))
	for name := range r.dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAutoReload sets the per-plugin auto-reload flag. A plugin whose flag
// is off only reloads when auto-reload is on globally.
func (r *Reloader) SetAutoReload(name string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auto[name] = on
}

// SetGlobalAutoReload sets the global auto-reload flag.
func (r *Reloader) SetGlobalAutoReload(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.AutoReload = on
}

// Pending returns the names of plugins whose reload awaits confirmation,
// sorted.
func (r *Reloader) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.awaiting))
	for name := range r.awaiting {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Confirm runs a reload that was held for confirmation.
func (r *Reloader) Confirm(ctx context.Context, name string) (Result, error) {
	r.mu.Lock()
	change, ok := r.awaiting[name]
	delete(r.awaiting, name)
	r.mu.Unlock()

	if !ok {
		return Result{}, ErrNotPending
	}
	return r.reload(ctx, name, change)
}
