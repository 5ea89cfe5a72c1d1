// Package config holds plughost's runtime settings.
//
// Settings come from three layers, later ones overriding earlier ones:
// built-in defaults, a TOML file (plughost.toml by default) and PLUGHOST_
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/plughost/internal/config/loader"
	"github.com/dshills/plughost/internal/sandbox"
)

// DefaultFile is the config file read when no path is given.
const DefaultFile = "plughost.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLUGHOST_"

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete runtime configuration.
type Config struct {
	Runtime   RuntimeConfig   `toml:"runtime"`
	Reload    ReloadConfig    `toml:"reload"`
	Logging   LoggingConfig   `toml:"logging"`
	Audit     AuditConfig     `toml:"audit"`
	Telemetry TelemetryConfig `toml:"telemetry"`

	// Source is the file the configuration was read from, if any.
	Source string `toml:"-"`
}

// RuntimeConfig configures the registry and plugin discovery.
type RuntimeConfig struct {
	PluginDirs     []string `toml:"plugin_dirs"`
	DataDir        string   `toml:"data_dir"`
	AutoStart      bool     `toml:"auto_start"`
	SecurityLevel  string   `toml:"security_level"`
	HostVersion    string   `toml:"host_version"`
	RuntimeVersion string   `toml:"runtime_version"`
	APIVersion     string   `toml:"api_version"`
}

// ReloadConfig configures the hot reloader.
type ReloadConfig struct {
	Enabled             bool     `toml:"enabled"`
	AutoReload          bool     `toml:"auto_reload"`
	Debounce            Duration `toml:"debounce"`
	RollbackOnFailure   bool     `toml:"rollback_on_failure"`
	Validate            bool     `toml:"validate"`
	RequireConfirmation bool     `toml:"require_confirmation"`
	WatchDirs           []string `toml:"watch_dirs"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AuditConfig configures security event persistence.
type AuditConfig struct {
	LogPath    string `toml:"log_path"`
	DBPath     string `toml:"db_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`

	// ViolationLimit disables a plugin after this many security events.
	// Zero turns the limit off.
	ViolationLimit int `toml:"violation_limit"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Duration is a time.Duration written as a string ("500ms") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a working configuration.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			PluginDirs:    []string{"plugins"},
			DataDir:       filepath.Join(".plughost", "data"),
			SecurityLevel: string(sandbox.LevelMedium),
			HostVersion:   "1.0.0",
			APIVersion:    "1.0.0",
		},
		Reload: ReloadConfig{
			Enabled:           true,
			Debounce:          Duration{500 * time.Millisecond},
			RollbackOnFailure: true,
			Validate:          true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "plughost",
			SampleRatio: 1,
		},
	}
}

// Load reads path (or DefaultFile when path is empty) over the defaults,
// applies environment overrides and validates the result. A missing
// default file is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	return LoadWith(loader.DefaultFS(), path, loader.NewEnvLoader(EnvPrefix, sections()...))
}

// LoadWith is Load with an explicit file system and environment loader.
func LoadWith(fsys loader.FileSystem, path string, env loader.Loader) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if explicit {
		if _, err := fsys.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	fileMap, err := loader.NewTOMLLoaderWithFS(fsys, path).Load()
	if err != nil {
		return Config{}, err
	}

	var envMap map[string]any
	if env != nil {
		if envMap, err = env.Load(); err != nil {
			return Config{}, fmt.Errorf("environment: %w", err)
		}
	}

	cfg, err := decode(loader.DeepMerge(fileMap, envMap))
	if err != nil {
		return Config{}, err
	}
	if fileMap != nil {
		cfg.Source = path
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays the merged source map onto the defaults. Unknown keys
// are rejected.
func decode(m map[string]any) (Config, error) {
	cfg := Default()
	if len(m) == 0 {
		return cfg, nil
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("encode config: %w", err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", ErrInvalid, strings.TrimSpace(strict.String()))
		}
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func sections() []string {
	return []string{"runtime", "reload", "logging", "audit", "telemetry"}
}

// Validate checks value ranges. Every error matches ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	invalid := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	if _, err := sandbox.ParseLevel(c.Runtime.SecurityLevel); err != nil {
		invalid("runtime.security_level", "%v", err)
	}
	if c.Reload.Debounce.Duration <= 0 {
		invalid("reload.debounce", "must be positive, got %s", c.Reload.Debounce)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		invalid("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		invalid("logging.format", "unknown format %q", c.Logging.Format)
	}
	if c.Audit.MaxSizeMB < 0 || c.Audit.MaxBackups < 0 || c.Audit.MaxAgeDays < 0 || c.Audit.ViolationLimit < 0 {
		invalid("audit", "limits must not be negative")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		invalid("telemetry.endpoint", "is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		invalid("telemetry.sample_ratio", "must be between 0 and 1, got %v", c.Telemetry.SampleRatio)
	}
	return errors.Join(errs...)
}

// SecurityLevel returns the parsed sandbox level.
func (c Config) SecurityLevel() sandbox.Level {
	level, err := sandbox.ParseLevel(c.Runtime.SecurityLevel)
	if err != nil {
		return sandbox.LevelMedium
	}
	return level
}

// WatchDirs returns the directories the reloader watches: the configured
// watch_dirs, or the plugin directories when none are set.
func (c Config) WatchDirs() []string {
	if len(c.Reload.WatchDirs) > 0 {
		return c.Reload.WatchDirs
	}
	return c.Runtime.PluginDirs
}
