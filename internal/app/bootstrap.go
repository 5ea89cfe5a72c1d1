package app

import (
	"context"
	"time"

	"github.com/dshills/plughost/internal/audit"
	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/registry"
	"github.com/dshills/plughost/internal/reload"
	"github.com/dshills/plughost/internal/sandbox"
	"github.com/dshills/plughost/internal/telemetry"
)

const tracerPrefix = "github.com/dshills/plughost/internal/"

// bootstrapper initializes components in dependency order and tears down
// the ones already built when a later step fails.
type bootstrapper struct {
	app       *Application
	initOrder []string
}

func newBootstrapper(app *Application) *bootstrapper {
	return &bootstrapper{app: app, initOrder: make([]string, 0, 8)}
}

func (b *bootstrapper) bootstrap() error {
	steps := []struct {
		name string
		init func() error
	}{
		{"config", b.initConfig},
		{"logging", b.initLogging},
		{"telemetry", b.initTelemetry},
		{"eventBus", b.initEventBus},
		{"audit", b.initAudit},
		{"checker", b.initChecker},
		{"registry", b.initRegistry},
		{"reloader", b.initReloader},
	}
	for _, step := range steps {
		if err := step.init(); err != nil {
			b.cleanup()
			return &InitError{Component: step.name, Err: err}
		}
		b.initOrder = append(b.initOrder, step.name)
	}
	b.app.logs.Debug("bootstrap complete", "components", b.initOrder)
	return nil
}

func (b *bootstrapper) initConfig() error {
	var (
		cfg config.Config
		err error
	)
	if b.app.opts.Config != nil {
		cfg = *b.app.opts.Config
		err = cfg.Validate()
	} else {
		cfg, err = config.Load(b.app.opts.ConfigPath)
	}
	if err != nil {
		return err
	}
	if cfg.Runtime.HostVersion == "" {
		cfg.Runtime.HostVersion = Version
	}
	b.app.config = cfg
	return nil
}

func (b *bootstrapper) initLogging() error {
	cfg := b.app.config
	logs, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     b.app.opts.LogOutput,
		AuditPath:  cfg.Audit.LogPath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	b.app.logs = logs
	if cfg.Source != "" {
		logs.Info("configuration loaded", "file", cfg.Source)
	}
	return nil
}

func (b *bootstrapper) initTelemetry() error {
	cfg := b.app.config
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Runtime.HostVersion,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return err
	}
	b.app.tracing = p
	return nil
}

func (b *bootstrapper) initEventBus() error {
	b.app.bus = event.NewBus(event.WithLogger(b.app.logs.Named("event")))
	return nil
}

func (b *bootstrapper) initAudit() error {
	cfg := b.app.config.Audit

	var store audit.Store
	if cfg.DBPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := audit.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		store = s
	}

	b.app.auditor = audit.New(store,
		audit.WithLogger(b.app.logs.Logger),
		audit.WithAuditLogger(b.app.logs.Audit()),
		audit.WithViolationLimit(cfg.ViolationLimit, b.app.violationLimitReached),
	)
	b.app.unsubscribe = b.app.auditor.Subscribe(b.app.bus)
	return nil
}

func (b *bootstrapper) initChecker() error {
	rt := b.app.config.Runtime
	host := compat.CurrentHost(rt.HostVersion, rt.APIVersion)
	if rt.RuntimeVersion != "" {
		host.RuntimeVersion = rt.RuntimeVersion
	}
	b.app.checker = compat.NewChecker(host,
		compat.WithEmitter(b.app.bus),
		compat.WithLogger(b.app.logs.Logger),
	)
	return nil
}

func (b *bootstrapper) initRegistry() error {
	cfg := b.app.config
	b.app.registry = registry.New(
		registry.Config{
			DataDir:       cfg.Runtime.DataDir,
			AutoStart:     cfg.Runtime.AutoStart,
			SecurityLevel: cfg.SecurityLevel(),
		},
		registry.WithLogger(b.app.logs.Logger),
		registry.WithEmitter(b.app.bus),
		registry.WithChecker(b.app.checker),
		registry.WithSandboxOptions(
			sandbox.WithTracer(b.app.tracing.Tracer(tracerPrefix+"sandbox")),
		),
	)
	b.app.discovery = loader.New(
		loader.WithPaths(cfg.Runtime.PluginDirs...),
		loader.WithLogger(b.app.logs.Named("loader")),
	)
	return nil
}

func (b *bootstrapper) initReloader() error {
	rc := b.app.config.Reload
	b.app.reloader = reload.New(
		reload.Config{
			Enabled:             rc.Enabled,
			AutoReload:          rc.AutoReload,
			Debounce:            rc.Debounce.Duration,
			RollbackOnFailure:   rc.RollbackOnFailure,
			Validate:            rc.Validate,
			RequireConfirmation: rc.RequireConfirmation,
			WatchDirs:           b.app.config.WatchDirs(),
		},
		b.app.registry,
		b.app.scripts,
		reload.WithLogger(b.app.logs.Logger),
		reload.WithEmitter(b.app.bus),
		reload.WithTracer(b.app.tracing.Tracer(tracerPrefix+"reload")),
	)
	b.app.registry.SetHotReload(b.app.reloader)
	return nil
}

// cleanup releases initialized components in reverse order.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		b.cleanupComponent(b.initOrder[i])
	}
}

func (b *bootstrapper) cleanupComponent(name string) {
	switch name {
	case "logging":
		_ = b.app.logs.Close()
	case "telemetry":
		_ = b.app.tracing.Shutdown(context.Background())
	case "audit":
		b.app.unsubscribe()
		_ = b.app.auditor.Close()
	}
}
