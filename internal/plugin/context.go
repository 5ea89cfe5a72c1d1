package plugin

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/dshills/plughost/internal/event"
)

// Context is the capability bundle handed to a plugin at initialization.
// It is created per registration and discarded with the registry record.
type Context struct {
	mu sync.RWMutex

	name        string
	workDir     string
	dataDir     string
	config      map[string]any
	permissions []string

	logger   *slog.Logger
	emitter  event.Emitter
	registry Lookup
	sandbox  Sandbox
}

// ContextConfig holds the values used to build a Context.
type ContextConfig struct {
	Name        string
	WorkDir     string
	DataDir     string
	Config      map[string]any
	Permissions []string
	Logger      *slog.Logger
	Emitter     event.Emitter
	Registry    Lookup
	Sandbox     Sandbox
}

// NewContext creates a plugin context.
func NewContext(cfg ContextConfig) *Context {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = event.Discard
	}
	return &Context{
		name:        cfg.Name,
		workDir:     cfg.WorkDir,
		dataDir:     cfg.DataDir,
		config:      CopyConfig(cfg.Config),
		permissions: cloneStrings(cfg.Permissions),
		logger:      logger.With("plugin", cfg.Name),
		emitter:     emitter,
		registry:    cfg.Registry,
		sandbox:     cfg.Sandbox,
	}
}

// Name returns the plugin name.
func (c *Context) Name() string { return c.name }

// WorkDir returns the plugin's working directory.
func (c *Context) WorkDir() string { return c.workDir }

// DataDir returns the plugin's private data directory.
func (c *Context) DataDir() string { return c.dataDir }

// Logger returns a logger scoped to the plugin.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Registry returns a read-only view of the registry.
func (c *Context) Registry() Lookup { return c.registry }

// Sandbox returns the plugin's sandbox.
func (c *Context) Sandbox() Sandbox { return c.sandbox }

// Config returns a copy of the effective configuration.
func (c *Context) Config() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CopyConfig(c.config)
}

// ConfigValue looks up a dotted path (e.g. "server.port") in the
// configuration.
func (c *Context) ConfigValue(path string) gjson.Result {
	c.mu.RLock()
	data, err := json.Marshal(c.config)
	c.mu.RUnlock()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, path)
}

// SetConfig replaces the effective configuration.
func (c *Context) SetConfig(cfg map[string]any) {
	c.mu.Lock()
	c.config = CopyConfig(cfg)
	c.mu.Unlock()
}

// Permissions returns the granted permissions.
func (c *Context) Permissions() []string {
	return cloneStrings(c.permissions)
}

// HasPermission returns true if perm or "*" was granted.
func (c *Context) HasPermission(perm string) bool {
	for _, p := range c.permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}

// Emit publishes an event on behalf of the plugin.
func (c *Context) Emit(topic event.Topic, payload any) {
	c.emitter.Emit(topic, payload)
}

// CopyConfig returns a deep copy of a JSON-like configuration map.
func CopyConfig(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
