package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/dshills/plughost/internal/rterrors"
)

// ManifestFileNames lists the manifest file names recognised in a plugin
// directory, in lookup order.
var ManifestFileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// ErrManifestNotFound is returned when a directory holds no manifest file.
var ErrManifestNotFound = errors.New("manifest not found")

// Manifest describes a plugin's metadata and requirements.
type Manifest struct {
	// Identity
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	License     string   `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage    string   `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Entry point, relative to the plugin directory.
	EntryPoint string `json:"entryPoint" yaml:"entryPoint"`

	// APIVersion is the runtime API version the plugin was written against.
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`

	// Requirements. Dependencies are "name@range" strings; a leading "?"
	// marks the dependency optional.
	Dependencies  []string      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions   []string      `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Compatibility Compatibility `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`

	// What the plugin provides.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Endpoints    []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`

	// Configuration schema
	ConfigSchema map[string]ConfigProperty `json:"configSchema,omitempty" yaml:"configSchema,omitempty"`

	// Runtime behaviour
	AutoStart bool `json:"autoStart,omitempty" yaml:"autoStart,omitempty"`
	HotReload bool `json:"hotReload,omitempty" yaml:"hotReload,omitempty"`

	// Internal: path to the plugin directory
	path string
}

// Compatibility lists the host facts a plugin requires.
type Compatibility struct {
	Host    string   `json:"host,omitempty" yaml:"host,omitempty"`       // host version, e.g. "1.2.0"
	Runtime string   `json:"runtime,omitempty" yaml:"runtime,omitempty"` // runtime version range, e.g. ">=1.22"
	OS      []string `json:"os,omitempty" yaml:"os,omitempty"`           // e.g. ["linux", "darwin"] or ["any"]
	Arch    []string `json:"arch,omitempty" yaml:"arch,omitempty"`       // e.g. ["amd64"] or ["any"]
}

// ConfigProperty describes a configuration option.
type ConfigProperty struct {
	Type        string   `json:"type" yaml:"type"` // string, number, boolean, array, object
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Dependency is a parsed entry of Manifest.Dependencies.
type Dependency struct {
	Name     string
	Range    string
	Optional bool
}

// String returns the dependency in "name@range" form.
func (d Dependency) String() string {
	s := d.Name + "@" + d.Range
	if d.Optional {
		return "?" + s
	}
	return s
}

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*[a-z0-9]$|^[a-z]$`)

// SemverPattern matches strict semantic version strings.
var SemverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// validConfigTypes are the allowed configuration property types.
var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// LoadManifest loads and validates a plugin manifest from a JSON or YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = filepath.Dir(path)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseManifest decodes manifest bytes. ext selects the format (".json",
// ".yaml" or ".yml"); anything else is treated as JSON. The result is not
// validated.
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
	}
	return &m, nil
}

// FindManifestFile returns the path of the manifest file in dir.
func FindManifestFile(dir string) (string, error) {
	for _, name := range ManifestFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", dir, ErrManifestNotFound)
}

// LoadManifestFromDir loads the manifest found in a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	p, err := FindManifestFile(dir)
	if err != nil {
		return nil, err
	}
	return LoadManifest(p)
}

// IsManifestFile reports whether name is a recognised manifest file name.
func IsManifestFile(name string) bool {
	base := filepath.Base(name)
	for _, n := range ManifestFileNames {
		if base == n {
			return true
		}
	}
	return false
}

// Validate checks that the manifest is well formed.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return rterrors.NewValidationError("name", "", "is required")
	}
	if !namePattern.MatchString(m.Name) {
		return rterrors.NewValidationError("name", m.Name, "must be lowercase alphanumeric with hyphens, dots or underscores")
	}

	if m.Version == "" {
		return rterrors.NewValidationError("version", "", "is required")
	}
	// Loose versions such as "1.0" are accepted here and flagged by the
	// compatibility checker; unparseable strings are rejected.
	if _, err := version.NewVersion(m.Version); err != nil {
		return rterrors.NewValidationError("version", m.Version, "is not a version string")
	}

	if m.EntryPoint == "" {
		return rterrors.NewValidationError("entryPoint", "", "is required")
	}
	if filepath.IsAbs(m.EntryPoint) {
		return rterrors.NewValidationError("entryPoint", m.EntryPoint, "must be relative to the plugin directory")
	}
	if clean := filepath.Clean(m.EntryPoint); clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return rterrors.NewValidationError("entryPoint", m.EntryPoint, "escapes the plugin directory")
	}

	for _, raw := range m.Dependencies {
		if _, err := ParseDependency(raw); err != nil {
			return err
		}
	}

	for i, p := range m.Permissions {
		if strings.TrimSpace(p) == "" {
			return rterrors.NewValidationError(fmt.Sprintf("permissions[%d]", i), "", "is empty")
		}
	}

	for name, prop := range m.ConfigSchema {
		if prop.Type != "" && !validConfigTypes[prop.Type] {
			return rterrors.NewValidationError("configSchema."+name, prop.Type, "invalid property type")
		}
	}

	return nil
}

// ParseDependency parses a "name@range" dependency string. A bare name
// means any version. A leading "?" marks the dependency optional.
func ParseDependency(raw string) (Dependency, error) {
	s := strings.TrimSpace(raw)
	var dep Dependency
	if strings.HasPrefix(s, "?") {
		dep.Optional = true
		s = s[1:]
	}

	// Skip index 0 so scoped names like "@org/name@^1.0.0" keep their "@".
	idx := strings.LastIndex(s, "@")
	if idx > 0 {
		dep.Name = s[:idx]
		dep.Range = strings.TrimSpace(s[idx+1:])
	} else {
		dep.Name = s
	}
	dep.Name = strings.TrimSpace(dep.Name)
	if dep.Range == "" {
		dep.Range = "*"
	}
	if dep.Name == "" || (strings.HasPrefix(dep.Name, "@") && !strings.Contains(dep.Name, "/")) {
		return Dependency{}, rterrors.NewValidationError("dependencies", raw, "missing dependency name")
	}
	return dep, nil
}

// ParsedDependencies returns the manifest dependencies in parsed form.
// Malformed entries are skipped; Validate reports them.
func (m *Manifest) ParsedDependencies() []Dependency {
	deps := make([]Dependency, 0, len(m.Dependencies))
	for _, raw := range m.Dependencies {
		if d, err := ParseDependency(raw); err == nil {
			deps = append(deps, d)
		}
	}
	return deps
}

// DependencyNames returns the names of all declared dependencies.
func (m *Manifest) DependencyNames() []string {
	deps := m.ParsedDependencies()
	names := make([]string, len(deps))
	for i, d := range deps {
		names[i] = d.Name
	}
	return names
}

// Path returns the path to the plugin directory.
func (m *Manifest) Path() string {
	return m.path
}

// SetPath sets the plugin directory.
func (m *Manifest) SetPath(dir string) {
	m.path = dir
}

// EntryPath returns the full path to the entry point file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.path, m.EntryPoint)
}

// HasPermission returns true if the manifest requests perm.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasCapability returns true if the plugin declares the capability.
func (m *Manifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// HasTag returns true if the plugin carries the tag.
func (m *Manifest) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ConfigDefaults returns all default config values.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any)
	for key, prop := range m.ConfigSchema {
		if prop.Default != nil {
			defaults[key] = prop.Default
		}
	}
	return defaults
}

// ID returns the cache key "name@version".
func (m *Manifest) ID() string {
	return m.Name + "@" + m.Version
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Tags = cloneStrings(m.Tags)
	clone.Dependencies = cloneStrings(m.Dependencies)
	clone.Permissions = cloneStrings(m.Permissions)
	clone.Capabilities = cloneStrings(m.Capabilities)
	clone.Endpoints = cloneStrings(m.Endpoints)
	clone.Compatibility.OS = cloneStrings(m.Compatibility.OS)
	clone.Compatibility.Arch = cloneStrings(m.Compatibility.Arch)

	if m.ConfigSchema != nil {
		clone.ConfigSchema = make(map[string]ConfigProperty, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			v.Enum = cloneStrings(v.Enum)
			clone.ConfigSchema[k] = v
		}
	}
	return &clone
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
