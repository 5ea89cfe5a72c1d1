package reload

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
)

// ConfirmationPayload is published when a reload waits for Confirm.
type ConfirmationPayload struct {
	Plugin string
	Change ChangeType
}

// loop forwards watcher events until ctx is cancelled or the watcher is
// closed.
func (r *Reloader) loop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			r.handleEvent(ev)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("watch error", "error", err)
		}
	}
}

// handleEvent classifies a file change and schedules a reload for the
// plugin that owns it.
func (r *Reloader) handleEvent(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}

	// New directories inside a watched tree are watched too
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			r.mu.Lock()
			if r.running {
				_ = r.addTreeLocked(ev.Name)
			}
			r.mu.Unlock()
		}
	}

	change := Classify(ev.Name)
	if change == ChangeNone {
		return
	}
	name, ok := r.owner(ev.Name)
	if !ok {
		r.logger.Debug("change outside any plugin", "path", ev.Name)
		return
	}

	r.mu.Lock()
	global := r.config.AutoReload
	r.mu.Unlock()

	if !RequiresReload(change, global) {
		r.logger.Debug("change ignored", "plugin", name, "path", ev.Name, "change", change)
		return
	}
	r.logger.Debug("change detected", "plugin", name, "path", ev.Name, "change", change)
	r.schedule(name, change)
}

// owner resolves the plugin a path belongs to: the deepest watched plugin
// directory containing it, or else the plugin whose manifest sits in the
// first directory below a watched root.
func (r *Reloader) owner(path string) (string, bool) {
	r.mu.Lock()
	best, bestLen := "", -1
	for name, dir := range r.dirs {
		if within(dir, path) && len(dir) > bestLen {
			best, bestLen = name, len(dir)
		}
	}
	roots := slices.Clone(r.config.WatchDirs)
	r.mu.Unlock()

	if best != "" {
		return best, true
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		m, err := plugin.LoadManifestFromDir(filepath.Join(abs, first))
		if err != nil {
			continue
		}
		if _, ok := r.registry.Get(m.Name); ok {
			return m.Name, true
		}
	}
	return "", false
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// schedule (re)starts the debounce timer for name. Any timer already
// pending for name is cancelled and replaced. A stopped reloader schedules
// nothing.
func (r *Reloader) schedule(name string, change ChangeType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	if p, ok := r.timers[name]; ok {
		p.timer.Stop()
		change = strongest(p.change, change)
	}
	r.scheduleLocked(name, change, r.config.Debounce)
}

func (r *Reloader) scheduleLocked(name string, change ChangeType, delay time.Duration) {
	r.gen++
	gen := r.gen
	p := &pending{gen: gen, change: change}
	p.timer = time.AfterFunc(delay, func() { r.fire(name, gen) })
	r.timers[name] = p
}

// fire runs when a debounce timer expires. A timer that was replaced or
// cancelled after it started firing finds a different generation and
// does nothing.
func (r *Reloader) fire(name string, gen uint64) {
	r.mu.Lock()
	p, ok := r.timers[name]
	if !ok || p.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.timers, name)
	if !r.running {
		r.mu.Unlock()
		return
	}

	if r.inflight[name] {
		r.scheduleLocked(name, p.change, r.config.Debounce)
		r.mu.Unlock()
		return
	}

	_, watched := r.dirs[name]
	own := watched && r.auto[name]
	global := r.config.AutoReload
	confirm := r.config.RequireConfirmation
	ctx := r.baseCtx
	r.mu.Unlock()

	if !own && !global {
		r.skip(name, "auto-reload disabled")
		return
	}
	if _, ok := r.registry.Get(name); !ok {
		r.skip(name, "plugin not registered")
		return
	}

	if confirm {
		r.mu.Lock()
		r.awaiting[name] = p.change
		r.mu.Unlock()
		r.logger.Info("reload awaiting confirmation", "plugin", name, "change", p.change)
		r.emitter.Emit(event.TopicPluginReloadConfirmation, ConfirmationPayload{Plugin: name, Change: p.change})
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := r.reload(ctx, name, p.change); err != nil {
		r.logger.Warn("scheduled reload not run", "plugin", name, "error", err)
	}
}

func (r *Reloader) skip(name, reason string) {
	r.logger.Info("reload skipped", "plugin", name, "reason", reason)
	r.emitter.Emit(event.TopicPluginReloadSkipped, event.SkippedPayload{Plugin: name, Reason: reason})
}

// strongest keeps the change that best describes a burst. Config changes
// are the weakest since they alone may not require a reload.
func strongest(a, b ChangeType) ChangeType {
	rank := map[ChangeType]int{
		ChangeNone:       0,
		ChangeConfig:     1,
		ChangeCode:       2,
		ChangeDependency: 3,
		ChangeManifest:   4,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// addTreeLocked watches root and its subdirectories. Hidden directories
// are skipped and dependency directories are watched without descending.
// Must be called with mu held.
func (r *Reloader) addTreeLocked(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if p != abs && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}
		if r.watched[p] == 0 {
			if err := r.watcher.Add(p); err != nil {
				r.logger.Warn("watch failed", "path", p, "error", err)
				return nil
			}
		}
		r.watched[p]++
		if dependencyDirs[base] {
			return filepath.SkipDir
		}
		return nil
	})
}

// removeTreeLocked releases the watches added for root. Must be called
// with mu held.
func (r *Reloader) removeTreeLocked(root string) {
	for p, n := range r.watched {
		if !within(root, p) {
			continue
		}
		if n > 1 {
			r.watched[p] = n - 1
			continue
		}
		delete(r.watched, p)
		if r.watcher != nil {
			_ = r.watcher.Remove(p)
		}
	}
}
