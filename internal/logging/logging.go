// Package logging builds the process logger and the audit logger.
//
// The process logger writes text or JSON records to stderr. The audit
// logger writes JSON records to a size-rotated file and receives sandbox
// security events; without an audit path it falls back to the process
// logger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how loggers are built.
type Config struct {
	Level  string
	Format string // "text" or "json"

	// Output receives process log records. Defaults to os.Stderr.
	Output io.Writer

	// AuditPath enables the rotating audit log.
	AuditPath  string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the process logger plus the audit logger.
type Logger struct {
	*slog.Logger

	level   *slog.LevelVar
	audit   *slog.Logger
	closers []io.Closer
}

// New builds loggers from cfg.
func New(cfg Config) (*Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
	l.audit = l.Logger

	if cfg.AuditPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditPath), 0o755); err != nil {
			return nil, err
		}
		w := &lumberjack.Logger{
			Filename:   cfg.AuditPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		l.closers = append(l.closers, w)
		l.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With("log", "audit")
	}
	return l, nil
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Logger{Logger: l, level: new(slog.LevelVar), audit: l}
}

// Audit returns the audit logger.
func (l *Logger) Audit() *slog.Logger {
	return l.audit
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *slog.Logger {
	return l.With("component", component)
}

// SetLevel changes the process log level.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Close flushes and closes file outputs.
func (l *Logger) Close() error {
	var err error
	for _, c := range l.closers {
		err = errors.Join(err, c.Close())
	}
	l.closers = nil
	return err
}

// ParseLevel converts a level name to a slog level. Unknown names map
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
