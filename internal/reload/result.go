package reload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/registry"
	"github.com/dshills/plughost/internal/rterrors"
)

// Result describes one reload attempt.
type Result struct {
	ID         string        `json:"id"`
	Plugin     string        `json:"plugin"`
	Change     ChangeType    `json:"change"`
	Success    bool          `json:"success"`
	RolledBack bool          `json:"rolledBack,omitempty"`
	OldVersion string        `json:"oldVersion,omitempty"`
	NewVersion string        `json:"newVersion,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
	Time       time.Time     `json:"time"`

	// Err is the reload failure, joined with the rollback failure if the
	// rollback failed too.
	Err error `json:"-"`
}

// Stats aggregates the reload history.
type Stats struct {
	Total           int
	Successes       int
	Failures        int
	RolledBack      int
	SuccessRate     float64
	AverageDuration time.Duration
	LastReload      time.Time
}

// state is what a reload needs to restore a plugin.
type state struct {
	name      string
	version   string
	dir       string
	status    plugin.Status
	enabled   bool
	hotReload bool
	config    map[string]any
	previous  plugin.Plugin
}

// ReloadPlugin reloads the named plugin now. Reload failures are reported
// in the result; the error is only set when a reload for the plugin is
// already running.
func (r *Reloader) ReloadPlugin(ctx context.Context, name string) (Result, error) {
	return r.reload(ctx, name, ChangeManual)
}

func (r *Reloader) reload(ctx context.Context, name string, change ChangeType) (Result, error) {
	r.mu.Lock()
	if r.inflight[name] {
		r.mu.Unlock()
		return Result{}, fmt.Errorf("plugin %q: %w", name, ErrReloadInFlight)
	}
	r.inflight[name] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, name)
		r.mu.Unlock()

		// A plugin that is gone after a failed reload no longer needs watching
		if _, ok := r.registry.Get(name); !ok {
			r.Unwatch(name)
		}
	}()

	ctx, span := r.tracer.Start(ctx, "reload.plugin", trace.WithAttributes(
		attribute.String("plugin.name", name),
		attribute.String("reload.change", string(change)),
	))
	defer span.End()

	start := r.now()
	res := Result{
		ID:     uuid.NewString(),
		Plugin: name,
		Change: change,
		Time:   start,
	}

	snap, err := r.snapshot(name)
	if err != nil {
		res.Err = err
	} else {
		res.OldVersion = snap.version
		res.NewVersion, res.Err = r.replace(ctx, snap)
	}

	switch {
	case res.Err == nil:
		res.Success = true
	case snap != nil && r.Config().RollbackOnFailure:
		if rbErr := r.rollback(ctx, snap); rbErr != nil {
			res.Err = errors.Join(res.Err, &rterrors.ReloadError{Plugin: name, Stage: "rollback", Err: rbErr})
		} else {
			res.Success = true
			res.RolledBack = true
			res.NewVersion = snap.version
			res.Warnings = append(res.Warnings, "rolled back: "+res.Err.Error())
		}
	}
	if res.Err != nil {
		res.Errors = errorStrings(res.Err)
	}
	res.Duration = r.now().Sub(start)

	span.SetAttributes(
		attribute.Bool("reload.success", res.Success),
		attribute.Bool("reload.rolled_back", res.RolledBack),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		if !res.Success {
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}

	r.record(res)
	return res, nil
}

// snapshot captures the registered plugin for replace and rollback.
func (r *Reloader) snapshot(name string) (*state, error) {
	s, ok := r.registry.Get(name)
	if !ok {
		return nil, &rterrors.ReloadError{Plugin: name, Stage: "snapshot", Err: registry.ErrNotFound}
	}
	if s.Dir == "" {
		return nil, &rterrors.ReloadError{Plugin: name, Stage: "snapshot", Err: errors.New("plugin has no directory")}
	}
	p, ok := r.registry.Plugin(name)
	if !ok {
		return nil, &rterrors.ReloadError{Plugin: name, Stage: "snapshot", Err: registry.ErrNotFound}
	}
	if c, ok := p.(Cloner); ok {
		p = c.Clone()
	}
	return &state{
		name:      name,
		version:   s.Version,
		dir:       s.Dir,
		status:    s.Status,
		enabled:   s.Enabled,
		hotReload: s.HotReload,
		config:    s.Config,
		previous:  p,
	}, nil
}

// replace swaps the registered plugin for one freshly loaded from its
// directory and returns the new version.
func (r *Reloader) replace(ctx context.Context, s *state) (string, error) {
	fail := func(stage string, err error) (string, error) {
		return "", &rterrors.ReloadError{Plugin: s.name, Stage: stage, Err: err}
	}

	if s.status == plugin.StatusRunning {
		if err := r.registry.Stop(ctx, s.name); err != nil {
			return fail("stop", err)
		}
	}
	if err := r.registry.Unregister(ctx, s.name, registry.IgnoreDependents()); err != nil {
		return fail("unregister", err)
	}

	m, err := plugin.LoadManifestFromDir(s.dir)
	if err != nil {
		return fail("manifest", err)
	}
	p, err := r.loader.LoadPlugin(m, s.dir)
	if err != nil {
		return fail("load", err)
	}
	if p.Name() != s.name {
		return fail("validate", fmt.Errorf("plugin name changed from %q to %q", s.name, p.Name()))
	}
	if r.Config().Validate {
		if err := validatePlugin(p); err != nil {
			return fail("validate", err)
		}
	}

	if err := r.register(ctx, p, s); err != nil {
		return fail("register", err)
	}
	return p.Version(), nil
}

// rollback registers the previous plugin again and restores its status.
func (r *Reloader) rollback(ctx context.Context, s *state) error {
	if _, ok := r.registry.Get(s.name); ok {
		if err := r.registry.Unregister(ctx, s.name, registry.IgnoreDependents()); err != nil {
			return err
		}
	}
	r.logger.Warn("rolling back plugin", "plugin", s.name, "version", s.version)
	return r.register(ctx, s.previous, s)
}

// register registers p with the settings captured in s and brings it back
// to the captured status.
func (r *Reloader) register(ctx context.Context, p plugin.Plugin, s *state) error {
	err := r.registry.Register(ctx, p, s.config,
		registry.AutoStart(false),
		registry.Enabled(s.enabled),
		registry.HotReload(s.hotReload),
	)
	if err != nil {
		return err
	}

	switch s.status {
	case plugin.StatusRunning:
		return r.registry.Start(ctx, s.name)
	case plugin.StatusStopped:
		if err := r.registry.Start(ctx, s.name); err != nil {
			return err
		}
		return r.registry.Stop(ctx, s.name)
	}
	return nil
}

func validatePlugin(p plugin.Plugin) error {
	switch {
	case p.Name() == "":
		return rterrors.NewValidationError("name", "", "is required")
	case p.Version() == "":
		return rterrors.NewValidationError("version", "", "is required")
	case p.Manifest() == nil:
		return rterrors.NewValidationError("manifest", p.Name(), "is required")
	}
	return p.Manifest().Validate()
}

func errorStrings(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// record appends res to the bounded history and publishes it.
func (r *Reloader) record(res Result) {
	r.mu.Lock()
	r.history = append(r.history, res)
	if len(r.history) > MaxHistory {
		r.history = slices.Delete(r.history, 0, len(r.history)-MaxHistory)
	}
	hook := r.onReload
	r.mu.Unlock()

	if res.Success {
		r.logger.Info("plugin reloaded", "plugin", res.Plugin, "from", res.OldVersion, "to", res.NewVersion,
			"rolledBack", res.RolledBack, "duration", res.Duration)
		r.emitter.Emit(event.TopicPluginReloaded, res)
	} else {
		r.logger.Error("plugin reload failed", "plugin", res.Plugin, "error", res.Err)
		r.emitter.Emit(event.TopicPluginReloadFailed, res)
	}
	if hook != nil {
		hook(res)
	}
}

// History returns the recorded results, oldest first.
func (r *Reloader) History() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Stats derives aggregate statistics from the history.
func (r *Reloader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	var total time.Duration
	for _, res := range r.history {
		s.Total++
		if res.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		if res.RolledBack {
			s.RolledBack++
		}
		total += res.Duration
		if res.Time.After(s.LastReload) {
			s.LastReload = res.Time
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Total)
		s.AverageDuration = total / time.Duration(s.Total)
	}
	return s
}
