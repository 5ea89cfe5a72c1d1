package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ShutdownTimeout bounds Run's shutdown after its context ends.
const ShutdownTimeout = 30 * time.Second

// Start discovers and registers plugins, then starts the hot reloader.
func (a *Application) Start(ctx context.Context) (LoadReport, error) {
	if a.stopped.Load() {
		return LoadReport{}, ErrShutDown
	}
	if !a.running.CompareAndSwap(false, true) {
		return LoadReport{}, ErrAlreadyRunning
	}

	report, err := a.LoadPlugins(ctx)
	if err != nil {
		a.running.Store(false)
		return report, err
	}
	if err := a.reloader.Start(ctx); err != nil {
		a.running.Store(false)
		return report, fmt.Errorf("start reloader: %w", err)
	}

	a.logs.Info("runtime started",
		"loaded", len(report.Loaded),
		"failed", len(report.Failed),
		"hot_reload", a.reloader.Running(),
	)
	return report, nil
}

// Run starts the application and blocks until ctx ends, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if _, err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logs.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return a.Shutdown(sctx)
}

// Shutdown stops the reloader, unregisters every plugin, and closes the
// audit store, the tracer provider and the log files. Later calls are
// no-ops.
func (a *Application) Shutdown(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.running.Store(false)

	var errs []error
	if err := a.reloader.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("reloader: %w", err))
	}
	if err := a.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	a.unsubscribe()
	if err := a.auditor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logs.Error("shutdown completed with errors", "error", err)
	} else {
		a.logs.Info("shutdown complete")
	}
	return errors.Join(err, a.logs.Close())
}
