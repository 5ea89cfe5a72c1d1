package loader

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvLoader loads configuration from environment variables.
//
// Variables named PREFIX_SECTION_KEY map to section.key, with the rest of
// the name kept in snake case: PLUGHOST_RELOAD_AUTO_RELOAD sets
// reload.auto_reload. Only sections listed in the loader are read, so
// unrelated variables sharing the prefix are ignored.
type EnvLoader struct {
	prefix   string            // Environment variable prefix (e.g., "PLUGHOST_")
	mapping  map[string]string // Env var -> config path
	sections map[string]bool
	lists    map[string]bool // config paths holding path lists
	environ  func() []string
}

// NewEnvLoader creates a loader for prefix, which should include the
// trailing underscore. sections restricts the generic mapping.
func NewEnvLoader(prefix string, sections ...string) *EnvLoader {
	l := &EnvLoader{
		prefix:   prefix,
		mapping:  defaultEnvMapping(prefix),
		sections: make(map[string]bool, len(sections)),
		lists: map[string]bool{
			"runtime.plugin_dirs": true,
			"reload.watch_dirs":   true,
		},
		environ: os.Environ,
	}
	for _, s := range sections {
		l.sections[strings.ToLower(s)] = true
	}
	return l
}

// defaultEnvMapping returns the shorthand variables.
func defaultEnvMapping(prefix string) map[string]string {
	return map[string]string{
		prefix + "PLUGIN_DIRS":    "runtime.plugin_dirs",
		prefix + "DATA_DIR":       "runtime.data_dir",
		prefix + "SECURITY_LEVEL": "runtime.security_level",
		prefix + "LOG_LEVEL":      "logging.level",
		prefix + "LOG_FORMAT":     "logging.format",
		prefix + "AUDIT_DB":       "audit.db_path",
		prefix + "AUDIT_LOG":      "audit.log_path",
		prefix + "OTEL_ENDPOINT":  "telemetry.endpoint",
	}
}

// Load reads environment variables and returns a configuration map.
// Empty values are treated as set.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)

	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}

		path, ok := l.mapping[name]
		if !ok {
			path = l.envToPath(name)
			section, _, _ := strings.Cut(path, ".")
			if !strings.Contains(path, ".") || !l.sections[section] {
				continue
			}
		}
		setByPath(config, path, l.parseValue(path, value))
	}

	return config, nil
}

// AddMapping adds a custom environment variable mapping.
func (l *EnvLoader) AddMapping(envVar, configPath string) {
	l.mapping[envVar] = configPath
}

// envToPath converts PLUGHOST_RELOAD_AUTO_RELOAD to reload.auto_reload.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.ToLower(strings.TrimPrefix(env, l.prefix))
	section, key, ok := strings.Cut(name, "_")
	if !ok {
		return section
	}
	return section + "." + key
}

// parseValue converts a variable value into the type the config path
// expects. Durations stay strings; the config decoder parses them.
func (l *EnvLoader) parseValue(path, s string) any {
	if l.lists[path] {
		if strings.HasPrefix(s, "[") {
			var v []any
			if err := json.Unmarshal([]byte(s), &v); err == nil {
				return v
			}
		}
		var out []any
		for _, p := range filepath.SplitList(s) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	if s == "" || strings.HasSuffix(path, "_version") {
		return s
	}

	lower := strings.ToLower(s)
	if lower == "true" || lower == "yes" || lower == "on" {
		return true
	}
	if lower == "false" || lower == "no" || lower == "off" {
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}

	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if next, ok := current[part].(map[string]any); ok {
			current = next
		} else {
			next := make(map[string]any)
			current[part] = next
			current = next
		}
	}

	current[parts[len(parts)-1]] = value
}
