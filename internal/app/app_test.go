package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/plugin"
)

func writePlugin(t *testing.T, root, name, manifest, source string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
}

func manifestJSON(name string, deps ...string) string {
	list := "[]"
	if len(deps) > 0 {
		list = fmt.Sprintf("[%q", deps[0])
		for _, d := range deps[1:] {
			list += fmt.Sprintf(",%q", d)
		}
		list += "]"
	}
	return fmt.Sprintf(`{"name":%q,"version":"1.0.0","entryPoint":"main.lua","dependencies":%s}`, name, list)
}

const echoModule = `
local M = {}
function M.execute(action, params) return action end
return M
`

const snoopModule = `
local M = {}
function M.execute(action, params) return read_file("/plughost-test/outside/secret") end
return M
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Runtime.PluginDirs = []string{filepath.Join(root, "plugins")}
	cfg.Runtime.DataDir = filepath.Join(root, "data")
	cfg.Runtime.AutoStart = true
	cfg.Reload.Enabled = false
	cfg.Audit.DBPath = filepath.Join(root, "audit.db")
	if err := os.MkdirAll(cfg.Runtime.PluginDirs[0], 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *Application {
	t.Helper()
	var logs bytes.Buffer
	a, err := New(Options{Config: &cfg, LogOutput: &logs})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.SecurityLevel = "paranoid"
	_, err := New(Options{Config: &cfg})
	var ierr *InitError
	if !errors.As(err, &ierr) || ierr.Component != "config" {
		t.Fatalf("New() error = %v, want InitError for config", err)
	}
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("errors.Is(err, ErrInvalid) = false")
	}
}

func TestNewBadAuditPath(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Audit.DBPath = filepath.Join(blocker, "audit.db")

	_, err := New(Options{Config: &cfg, LogOutput: &bytes.Buffer{}})
	var ierr *InitError
	if !errors.As(err, &ierr) || ierr.Component != "audit" {
		t.Fatalf("New() error = %v, want InitError for audit", err)
	}
}

func TestStartLoadsPluginsInDependencyOrder(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Runtime.PluginDirs[0]
	writePlugin(t, dir, "alpha", manifestJSON("alpha", "zeta@^1.0.0"), echoModule)
	writePlugin(t, dir, "zeta", manifestJSON("zeta"), echoModule)
	writePlugin(t, dir, "orphan", manifestJSON("orphan", "missing@1.0.0"), echoModule)
	writePlugin(t, dir, "broken", `{"name":"broken"}`, echoModule)

	a := newTestApp(t, cfg)
	report, err := a.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !slices.Equal(report.Loaded, []string{"zeta", "alpha"}) {
		t.Errorf("Loaded = %v, want [zeta alpha]", report.Loaded)
	}
	if _, ok := report.Failed["orphan"]; !ok {
		t.Errorf("Failed = %v, want orphan", report.Failed)
	}
	if _, ok := report.Failed["broken"]; !ok {
		t.Errorf("Failed = %v, want broken", report.Failed)
	}

	snap, ok := a.Registry().Get("alpha")
	if !ok || snap.Status != plugin.StatusRunning {
		t.Fatalf("alpha = %+v, want running", snap)
	}
	got, err := a.Registry().Execute(context.Background(), "alpha", plugin.Request{Action: "ping"})
	if err != nil || got != "ping" {
		t.Errorf("Execute() = %v, %v; want ping", got, err)
	}

	if _, err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	again, err := a.LoadPlugins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Loaded) != 0 || len(again.Skipped) != 2 {
		t.Errorf("second LoadPlugins() = %+v, want two skipped", again)
	}
}

func TestShutdown(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.Runtime.PluginDirs[0], "alpha", manifestJSON("alpha"), echoModule)

	a := newTestApp(t, cfg)
	if _, err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("IsRunning() = true after Shutdown")
	}
	if n := a.Registry().Count(); n != 0 {
		t.Errorf("Count() after Shutdown = %d, want 0", n)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if _, err := a.Start(context.Background()); !errors.Is(err, ErrShutDown) {
		t.Errorf("Start() after Shutdown error = %v, want ErrShutDown", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !a.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestViolationLimitDisablesPlugin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.ViolationLimit = 2
	writePlugin(t, cfg.Runtime.PluginDirs[0], "snoop", manifestJSON("snoop"), snoopModule)

	a := newTestApp(t, cfg)
	if _, err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.Registry().Execute(context.Background(), "snoop", plugin.Request{Action: "read"}); err == nil {
			t.Fatal("Execute() error = nil for read outside the allow-list")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap, _ := a.Registry().Get("snoop"); !snap.Enabled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := a.Registry().Get("snoop")
	if snap.Enabled || snap.Status != plugin.StatusStopped {
		t.Errorf("snoop = enabled %v status %s, want disabled and stopped", snap.Enabled, snap.Status)
	}

	if got := a.Auditor().Violations("snoop"); got != 2 {
		t.Errorf("Violations() = %d, want 2", got)
	}
	n, err := a.Auditor().Store().Count(context.Background(), "snoop")
	if err != nil || n != 2 {
		t.Errorf("stored violations = %d, %v; want 2", n, err)
	}
}

func TestOrderByDependencies(t *testing.T) {
	cand := func(name string, deps ...string) loader.Candidate {
		return loader.Candidate{Name: name, Manifest: &plugin.Manifest{Name: name, Version: "1.0.0", Dependencies: deps}}
	}
	got := orderByDependencies([]loader.Candidate{
		cand("c", "b@1.0.0"),
		cand("b", "a@1.0.0", "?external@1.0.0"),
		cand("a"),
		cand("x", "y@1.0.0"),
		cand("y", "x@1.0.0"),
	})

	var names []string
	for _, c := range got {
		names = append(names, c.Name)
	}
	want := []string{"a", "b", "c", "y", "x"}
	if !slices.Equal(names, want) {
		t.Errorf("orderByDependencies() = %v, want %v", names, want)
	}
}
