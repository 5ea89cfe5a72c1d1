package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/registry"
)

// LoadReport summarizes a discovery pass.
type LoadReport struct {
	Loaded  []string
	Skipped []string
	Failed  map[string]error
}

// LoadPlugins discovers plugins in the configured directories and
// registers each one not already registered. Plugins are registered after
// the discovered plugins they depend on. A plugin that fails to load or
// register is recorded in the report and does not stop the pass.
func (a *Application) LoadPlugins(ctx context.Context) (LoadReport, error) {
	report := LoadReport{Failed: make(map[string]error)}

	candidates, err := a.discovery.Discover()
	if err != nil {
		return report, fmt.Errorf("discover plugins: %w", err)
	}

	var valid []loader.Candidate
	for _, c := range candidates {
		if !c.Valid() {
			report.Failed[c.Name] = c.Err
			continue
		}
		valid = append(valid, c)
	}

	for _, c := range orderByDependencies(valid) {
		if _, ok := a.registry.Get(c.Name); ok {
			report.Skipped = append(report.Skipped, c.Name)
			continue
		}
		if err := a.loadCandidate(ctx, c); err != nil {
			a.logs.Warn("plugin not loaded", "plugin", c.Name, "dir", c.Dir, "error", err)
			report.Failed[c.Name] = err
			continue
		}
		report.Loaded = append(report.Loaded, c.Name)
	}
	return report, nil
}

func (a *Application) loadCandidate(ctx context.Context, c loader.Candidate) error {
	p, err := a.scripts.LoadPlugin(c.Manifest, c.Dir)
	if err != nil {
		return err
	}
	return a.registry.Register(ctx, p, nil, registry.HotReload(a.config.Reload.Enabled))
}

// orderByDependencies sorts candidates so that every candidate follows
// the candidates it depends on. Dependencies outside the set and cycles
// leave the affected candidates in name order; the registry rejects them.
func orderByDependencies(cands []loader.Candidate) []loader.Candidate {
	byName := make(map[string]loader.Candidate, len(cands))
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		byName[c.Name] = c
		names = append(names, c.Name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(cands))
	out := make([]loader.Candidate, 0, len(cands))

	var visit func(name string)
	visit = func(name string) {
		if state[name] != unvisited {
			return
		}
		state[name] = visiting
		for _, dep := range byName[name].Manifest.ParsedDependencies() {
			if _, ok := byName[dep.Name]; ok {
				visit(dep.Name)
			}
		}
		state[name] = done
		out = append(out, byName[name])
	}
	for _, name := range names {
		visit(name)
	}
	return out
}

// violationLimitReached disables a plugin that keeps violating its
// sandbox policy. It runs on its own goroutine because the audit handler
// fires while the sandbox is still reporting the violation.
func (a *Application) violationLimitReached(plugin string, count int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.registry.SetEnabled(ctx, plugin, false); err != nil {
			a.logs.Warn("failed to disable plugin after security violations", "plugin", plugin, "error", err)
			return
		}
		a.logs.Warn("plugin disabled after repeated security violations", "plugin", plugin, "violations", count)
	}()
}
