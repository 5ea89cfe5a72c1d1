package registry

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/dshills/plughost/internal/plugin"
)

// Snapshot is a copy of a plugin's registry record.
type Snapshot struct {
	Name         string
	Version      string
	Status       plugin.Status
	Enabled      bool
	HotReload    bool
	Dir          string
	Config       map[string]any
	Error        string
	RegisteredAt time.Time
	Capabilities plugin.Capabilities
	Dependencies []string
	SandboxID    string
	Metrics      Metrics
	Manifest     *plugin.Manifest
}

// snapshot copies rec. Must be called with mu held.
func snapshot(rec *record) Snapshot {
	s := Snapshot{
		Name:         rec.plugin.Name(),
		Version:      rec.plugin.Version(),
		Status:       rec.status,
		Enabled:      rec.enabled,
		HotReload:    rec.hotReload,
		Dir:          rec.manifest.Path(),
		Config:       plugin.CopyConfig(rec.config),
		RegisteredAt: rec.registeredAt,
		Capabilities: rec.caps,
		SandboxID:    rec.sandbox.ID(),
		Metrics:      rec.metrics,
		Manifest:     rec.manifest.Clone(),
	}
	if rec.lastErr != nil {
		s.Error = rec.lastErr.Error()
	}
	for _, d := range rec.deps {
		s.Dependencies = append(s.Dependencies, d.Name)
	}
	return s
}

// Get returns a snapshot of the named plugin.
func (r *Registry) Get(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Snapshot{}, false
	}
	return snapshot(rec), true
}

// Plugin returns the registered plugin instance.
func (r *Registry) Plugin(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.plugin, true
}

// Lookup implements plugin.Lookup.
func (r *Registry) Lookup(name string) (plugin.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return plugin.Info{}, false
	}
	return plugin.Info{
		Name:         rec.plugin.Name(),
		Version:      rec.plugin.Version(),
		Status:       rec.status,
		Enabled:      rec.enabled,
		RegisteredAt: rec.registeredAt,
	}, true
}

// Names returns registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Filter selects plugins in List. Zero fields match everything.
type Filter struct {
	Enabled    *bool
	Status     *plugin.Status
	Author     string
	Capability string
	Tag        string

	// Query fuzzy-matches plugin names. Results are ordered by match
	// quality instead of by name.
	Query string
}

func (f Filter) match(rec *record) bool {
	if f.Enabled != nil && rec.enabled != *f.Enabled {
		return false
	}
	if f.Status != nil && rec.status != *f.Status {
		return false
	}
	if f.Author != "" && !strings.EqualFold(rec.manifest.Author, f.Author) {
		return false
	}
	if f.Capability != "" && !rec.manifest.HasCapability(f.Capability) {
		return false
	}
	if f.Tag != "" && !rec.manifest.HasTag(f.Tag) {
		return false
	}
	return true
}

// List returns snapshots of the plugins matching f, sorted by name.
func (r *Registry) List(f Filter) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, rec := range r.records {
		if f.match(rec) {
			out = append(out, snapshot(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if f.Query == "" {
		return out
	}
	names := make([]string, len(out))
	for i, s := range out {
		names[i] = s.Name
	}
	matches := fuzzy.Find(f.Query, names)
	ranked := make([]Snapshot, 0, len(matches))
	for _, m := range matches {
		ranked = append(ranked, out[m.Index])
	}
	return ranked
}

// DependencyGraph returns a copy of the name to dependency-names mapping.
func (r *Registry) DependencyGraph() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph := make(map[string][]string, len(r.records))
	for name, rec := range r.records {
		deps := make([]string, 0, len(rec.deps))
		for _, d := range rec.deps {
			deps = append(deps, d.Name)
		}
		graph[name] = deps
	}
	return graph
}

// Dependents returns the registered plugins that depend on name, sorted.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(name)
}

// dependentsLocked must be called with mu held. Optional dependencies do
// not block removal.
func (r *Registry) dependentsLocked(name string) []string {
	var out []string
	for other, rec := range r.records {
		if other == name {
			continue
		}
		for _, d := range rec.deps {
			if d.Name == name && !d.Optional {
				out = append(out, other)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// dependsOn reports whether a lists b as a dependency. Must be called with
// mu held.
func (r *Registry) dependsOn(a, b string) bool {
	rec, ok := r.records[a]
	if !ok {
		return false
	}
	for _, d := range rec.deps {
		if d.Name == b {
			return true
		}
	}
	return false
}
