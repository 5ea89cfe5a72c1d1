package reload

import (
	"path/filepath"
	"strings"

	"github.com/dshills/plughost/internal/plugin"
)

// ChangeType classifies a file change inside a plugin directory.
type ChangeType string

// Change types.
const (
	ChangeNone       ChangeType = ""
	ChangeManifest   ChangeType = "manifest"
	ChangeCode       ChangeType = "code"
	ChangeConfig     ChangeType = "config"
	ChangeDependency ChangeType = "dependency"

	// ChangeManual marks a reload requested through ReloadPlugin or Confirm.
	ChangeManual ChangeType = "manual"
)

// dependencyFiles are package and lock files whose change means the
// plugin's dependencies moved.
var dependencyFiles = map[string]bool{
	"go.mod":            true,
	"go.sum":            true,
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
}

// dependencyDirs hold vendored dependencies.
var dependencyDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
}

var codeExtensions = map[string]bool{
	".lua": true,
	".js":  true,
	".mjs": true,
	".cjs": true,
}

var configExtensions = map[string]bool{
	".toml": true,
	".ini":  true,
	".env":  true,
}

// Classify returns the change type for path by file name. Files that
// match no rule classify as ChangeNone.
func Classify(path string) ChangeType {
	base := filepath.Base(path)
	if plugin.IsManifestFile(base) {
		return ChangeManifest
	}
	if dependencyFiles[base] || strings.HasSuffix(base, ".lock") {
		return ChangeDependency
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if dependencyDirs[part] {
			return ChangeDependency
		}
	}

	ext := strings.ToLower(filepath.Ext(base))
	switch {
	case codeExtensions[ext]:
		return ChangeCode
	case strings.HasPrefix(base, "config.") || configExtensions[ext] || base == ".env":
		return ChangeConfig
	}
	return ChangeNone
}

// RequiresReload reports whether a change of type c triggers a reload.
// Config changes only do when auto-reload is on globally.
func RequiresReload(c ChangeType, globalAutoReload bool) bool {
	switch c {
	case ChangeManifest, ChangeCode, ChangeDependency, ChangeManual:
		return true
	case ChangeConfig:
		return globalAutoReload
	default:
		return false
	}
}
