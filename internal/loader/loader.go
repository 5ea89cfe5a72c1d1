// Package loader discovers plugin directories on disk and turns their
// manifests into runnable plugins.
package loader

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dshills/plughost/internal/plugin"
)

// Candidate is a plugin directory found during discovery.
type Candidate struct {
	Name     string
	Dir      string
	Manifest *plugin.Manifest
	Err      error
}

// Valid reports whether the candidate's manifest loaded and validated.
func (c Candidate) Valid() bool {
	return c.Err == nil && c.Manifest != nil
}

// Loader scans a set of search paths for plugin directories.
type Loader struct {
	paths  []string
	logger *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithPaths replaces the search paths.
func WithPaths(paths ...string) Option {
	return func(l *Loader) {
		l.paths = append([]string(nil), paths...)
	}
}

// WithLogger sets the logger used to report unreadable plugin directories.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Loader. Without WithPaths it searches DefaultPaths.
func New(opts ...Option) *Loader {
	l := &Loader{
		paths:  DefaultPaths(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultPaths returns the standard plugin search paths.
func DefaultPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "plughost", "plugins"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".plughost", "plugins"))
	}
	return append(paths, "plugins")
}

// Paths returns a copy of the search paths.
func (l *Loader) Paths() []string {
	return append([]string(nil), l.paths...)
}

// AddPath appends a search path.
func (l *Loader) AddPath(path string) {
	l.paths = append(l.paths, path)
}

// Discover scans every search path. Missing paths are skipped. When the
// same plugin name appears in several paths, the first path wins.
// Candidates are sorted by name.
func (l *Loader) Discover() ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate

	for _, path := range l.paths {
		found, err := l.scan(path)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Loader) scan(path string) ([]Candidate, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(path, entry.Name())

		m, err := plugin.LoadManifestFromDir(dir)
		if errors.Is(err, plugin.ErrManifestNotFound) {
			continue
		}

		c := Candidate{Name: entry.Name(), Dir: dir, Manifest: m, Err: err}
		if err == nil {
			c.Name = m.Name
		} else {
			l.logger.Warn("skipping plugin directory", "dir", dir, "error", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// DiscoverPlugins returns the valid manifests in the immediate
// subdirectories of dir, sorted by name. Subdirectories without a manifest
// are ignored. Invalid manifests are logged and skipped.
func DiscoverPlugins(dir string) ([]*plugin.Manifest, error) {
	return DiscoverPluginsWithLogger(dir, slog.Default())
}

// DiscoverPluginsWithLogger is DiscoverPlugins with an explicit logger.
func DiscoverPluginsWithLogger(dir string, logger *slog.Logger) ([]*plugin.Manifest, error) {
	candidates, err := New(WithPaths(dir), WithLogger(logger)).Discover()
	if err != nil {
		return nil, err
	}
	out := make([]*plugin.Manifest, 0, len(candidates))
	for _, c := range candidates {
		if c.Valid() {
			out = append(out, c.Manifest)
		}
	}
	return out, nil
}
