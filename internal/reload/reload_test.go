package reload

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/registry"
	"github.com/dshills/plughost/internal/rterrors"
)

type stubPlugin struct {
	manifest *plugin.Manifest
	startErr error
	cloned   bool
}

func (p *stubPlugin) Name() string                                      { return p.manifest.Name }
func (p *stubPlugin) Version() string                                   { return p.manifest.Version }
func (p *stubPlugin) Manifest() *plugin.Manifest                        { return p.manifest }
func (p *stubPlugin) Initialize(context.Context, *plugin.Context) error { return nil }
func (p *stubPlugin) Start(context.Context) error                       { return p.startErr }
func (p *stubPlugin) Stop(context.Context) error                        { return nil }
func (p *stubPlugin) Cleanup(context.Context) error                     { return nil }

func (p *stubPlugin) Clone() plugin.Plugin {
	return &stubPlugin{manifest: p.manifest.Clone(), startErr: p.startErr, cloned: true}
}

type stubLoader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *stubLoader) LoadPlugin(m *plugin.Manifest, dir string) (plugin.Plugin, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	m = m.Clone()
	m.SetPath(dir)
	return &stubPlugin{manifest: m}, nil
}

func (l *stubLoader) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []event.Topic
}

func (r *topicRecorder) Emit(topic event.Topic, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func (r *topicRecorder) count(topic event.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func writeManifest(t *testing.T, dir, name, version string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"name":       name,
		"version":    version,
		"entryPoint": "main.lua",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte("return {}"), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	reg    *registry.Registry
	rl     *Reloader
	loader *stubLoader
	events *topicRecorder
	dir    string
	plugin *stubPlugin
}

// newFixture registers a running plugin "alpha@1.0.0" with hot reload on.
func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{loader: &stubLoader{}, events: &topicRecorder{}, dir: t.TempDir()}

	rcfg := registry.DefaultConfig()
	rcfg.DataDir = t.TempDir()
	f.reg = registry.New(rcfg)
	f.rl = New(cfg, f.reg, f.loader, append([]Option{WithEmitter(f.events)}, opts...)...)
	f.reg.SetHotReload(f.rl)
	t.Cleanup(func() {
		_ = f.rl.Stop()
		_ = f.reg.Shutdown(context.Background())
	})

	writeManifest(t, f.dir, "alpha", "1.0.0")
	m, err := plugin.LoadManifestFromDir(f.dir)
	if err != nil {
		t.Fatal(err)
	}
	f.plugin = &stubPlugin{manifest: m}
	err = f.reg.Register(context.Background(), f.plugin, nil, registry.HotReload(true), registry.AutoStart(true))
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return f
}

// start opens the file watcher so change events are scheduled.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.rl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (f *fixture) snapshot(t *testing.T) registry.Snapshot {
	t.Helper()
	s, ok := f.reg.Get("alpha")
	if !ok {
		t.Fatal("alpha not registered")
	}
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = 40 * time.Millisecond
	return cfg
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want ChangeType
	}{
		{"/p/plugin.json", ChangeManifest},
		{"/p/plugin.yaml", ChangeManifest},
		{"/p/plugin.yml", ChangeManifest},
		{"/p/main.lua", ChangeCode},
		{"/p/lib/util.js", ChangeCode},
		{"/p/config.json", ChangeConfig},
		{"/p/settings.toml", ChangeConfig},
		{"/p/app.ini", ChangeConfig},
		{"/p/.env", ChangeConfig},
		{"/p/go.mod", ChangeDependency},
		{"/p/package.json", ChangeDependency},
		{"/p/package-lock.json", ChangeDependency},
		{"/p/Cargo.lock", ChangeDependency},
		{"/p/node_modules/x/index.js", ChangeDependency},
		{"/p/vendor/lib/a.lua", ChangeDependency},
		{"/p/README.md", ChangeNone},
		{"/p/.main.lua.swp", ChangeNone},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := Classify(tt.path); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRequiresReload(t *testing.T) {
	tests := []struct {
		change ChangeType
		global bool
		want   bool
	}{
		{ChangeManifest, false, true},
		{ChangeCode, false, true},
		{ChangeDependency, false, true},
		{ChangeConfig, false, false},
		{ChangeConfig, true, true},
		{ChangeNone, true, false},
	}
	for _, tt := range tests {
		if got := RequiresReload(tt.change, tt.global); got != tt.want {
			t.Errorf("RequiresReload(%q, %v) = %v, want %v", tt.change, tt.global, got, tt.want)
		}
	}
}

func TestReloadPlugin(t *testing.T) {
	f := newFixture(t, testConfig())
	writeManifest(t, f.dir, "alpha", "2.0.0")

	res, err := f.rl.ReloadPlugin(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("ReloadPlugin() error = %v", err)
	}
	if !res.Success || res.RolledBack || res.OldVersion != "1.0.0" || res.NewVersion != "2.0.0" {
		t.Errorf("ReloadPlugin() = %+v", res)
	}
	if res.Change != ChangeManual || res.ID == "" {
		t.Errorf("Result change/id = %q/%q", res.Change, res.ID)
	}

	s := f.snapshot(t)
	if s.Version != "2.0.0" || s.Status != plugin.StatusRunning || !s.HotReload {
		t.Errorf("after reload = %s %s hotReload=%v, want 2.0.0 running true", s.Version, s.Status, s.HotReload)
	}
	if !slices.Equal(f.rl.Watching(), []string{"alpha"}) {
		t.Errorf("Watching() = %v, want [alpha]", f.rl.Watching())
	}
	if f.events.count(event.TopicPluginReloaded) != 1 {
		t.Error("plugin-reloaded not emitted")
	}
}

func TestReloadRollback(t *testing.T) {
	f := newFixture(t, testConfig())
	f.loader.setErr(errors.New("syntax error"))

	res, err := f.rl.ReloadPlugin(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.RolledBack || len(res.Warnings) == 0 {
		t.Errorf("ReloadPlugin() = %+v, want rolled back success with warnings", res)
	}
	if !errors.Is(res.Err, rterrors.ErrReload) {
		t.Errorf("Result.Err = %v, want ReloadError", res.Err)
	}

	s := f.snapshot(t)
	if s.Version != "1.0.0" || s.Status != plugin.StatusRunning {
		t.Errorf("after rollback = %s %s, want 1.0.0 running", s.Version, s.Status)
	}
	p, _ := f.reg.Plugin("alpha")
	if sp, ok := p.(*stubPlugin); !ok || !sp.cloned {
		t.Error("rollback did not register a clone of the previous plugin")
	}
}

func TestReloadRollbackFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.loader.setErr(errors.New("syntax error"))
	f.plugin.startErr = errors.New("cannot start")

	res, err := f.rl.ReloadPlugin(context.Background(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.RolledBack {
		t.Errorf("ReloadPlugin() = %+v, want failure", res)
	}
	if len(res.Errors) != 2 {
		t.Errorf("Errors = %v, want reload and rollback errors", res.Errors)
	}
	if f.events.count(event.TopicPluginReloadFailed) != 1 {
		t.Error("plugin-reload-failed not emitted")
	}
}

func TestReloadWithoutRollback(t *testing.T) {
	cfg := testConfig()
	cfg.RollbackOnFailure = false
	f := newFixture(t, cfg)
	f.loader.setErr(errors.New("syntax error"))

	res, _ := f.rl.ReloadPlugin(context.Background(), "alpha")
	if res.Success {
		t.Errorf("ReloadPlugin() = %+v, want failure", res)
	}
	if _, ok := f.reg.Get("alpha"); ok {
		t.Error("plugin still registered")
	}
	if len(f.rl.Watching()) != 0 {
		t.Errorf("Watching() = %v, want none", f.rl.Watching())
	}
}

func TestReloadPreservesStoppedStatus(t *testing.T) {
	f := newFixture(t, testConfig())
	if err := f.reg.Stop(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, f.dir, "alpha", "1.1.0")

	if res, _ := f.rl.ReloadPlugin(context.Background(), "alpha"); !res.Success {
		t.Fatalf("ReloadPlugin() = %+v", res)
	}
	if s := f.snapshot(t); s.Status != plugin.StatusStopped {
		t.Errorf("Status = %s, want stopped", s.Status)
	}
}

func TestReloadRenameRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	writeManifest(t, f.dir, "beta", "1.0.0")

	res, _ := f.rl.ReloadPlugin(context.Background(), "alpha")
	if !res.RolledBack {
		t.Errorf("ReloadPlugin() = %+v, want rollback", res)
	}
	if _, ok := f.reg.Get("beta"); ok {
		t.Error("renamed plugin was registered")
	}
}

func TestReloadUnknownPlugin(t *testing.T) {
	f := newFixture(t, testConfig())
	res, err := f.rl.ReloadPlugin(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !errors.Is(res.Err, registry.ErrNotFound) {
		t.Errorf("ReloadPlugin() = %+v, want not found failure", res)
	}
}

// reloads returns a channel receiving every recorded result.
func reloads(rl *Reloader) <-chan Result {
	ch := make(chan Result, 16)
	rl.mu.Lock()
	rl.onReload = func(res Result) { ch <- res }
	rl.mu.Unlock()
	return ch
}

func change(dir, file string) fsnotify.Event {
	return fsnotify.Event{Name: filepath.Join(dir, file), Op: fsnotify.Write}
}

func TestDebounceCollapse(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.start(t)
	results := reloads(f.rl)

	for i := 0; i < 5; i++ {
		f.rl.handleEvent(change(f.dir, "main.lua"))
	}

	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after burst")
	}
	select {
	case res := <-results:
		t.Fatalf("second reload %+v from a single burst", res)
	case <-time.After(5 * cfg.Debounce):
	}

	f.rl.handleEvent(change(f.dir, "plugin.json"))
	select {
	case res := <-results:
		if res.Change != ChangeManifest {
			t.Errorf("Change = %q, want manifest", res.Change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after a later change")
	}
	if got := len(f.rl.History()); got != 2 {
		t.Errorf("History() len = %d, want 2", got)
	}
}

func TestDebounceKeepsStrongestChange(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReload = true
	f := newFixture(t, cfg)
	f.start(t)
	results := reloads(f.rl)

	f.rl.handleEvent(change(f.dir, "config.toml"))
	f.rl.handleEvent(change(f.dir, "main.lua"))
	f.rl.handleEvent(change(f.dir, "config.toml"))

	select {
	case res := <-results:
		if res.Change != ChangeCode {
			t.Errorf("Change = %q, want code", res.Change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
}

func TestConfigChangeNeedsGlobalAutoReload(t *testing.T) {
	f := newFixture(t, testConfig())
	f.start(t)

	f.rl.handleEvent(change(f.dir, "config.toml"))
	f.rl.mu.Lock()
	scheduled := len(f.rl.timers)
	f.rl.mu.Unlock()
	if scheduled != 0 {
		t.Fatalf("config change scheduled a reload without auto-reload")
	}

	f.rl.SetGlobalAutoReload(true)
	results := reloads(f.rl)
	f.rl.handleEvent(change(f.dir, "config.toml"))
	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload with auto-reload on")
	}
}

func TestSkippedWhenAutoReloadOff(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.start(t)
	f.rl.SetAutoReload("alpha", false)

	f.rl.handleEvent(change(f.dir, "main.lua"))
	deadline := time.Now().Add(2 * time.Second)
	for f.events.count(event.TopicPluginReloadSkipped) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.events.count(event.TopicPluginReloadSkipped) != 1 {
		t.Fatal("plugin-reload-skipped not emitted")
	}
	if len(f.rl.History()) != 0 {
		t.Error("skipped reload recorded in history")
	}
}

func TestConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.RequireConfirmation = true
	f := newFixture(t, cfg)
	f.start(t)

	if _, err := f.rl.Confirm(context.Background(), "alpha"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Confirm() error = %v, want ErrNotPending", err)
	}

	f.rl.handleEvent(change(f.dir, "main.lua"))
	deadline := time.Now().Add(2 * time.Second)
	for len(f.rl.Pending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !slices.Equal(f.rl.Pending(), []string{"alpha"}) {
		t.Fatalf("Pending() = %v, want [alpha]", f.rl.Pending())
	}
	if f.events.count(event.TopicPluginReloadConfirmation) != 1 {
		t.Error("confirmation event not emitted")
	}
	if len(f.rl.History()) != 0 {
		t.Error("reload ran without confirmation")
	}

	res, err := f.rl.Confirm(context.Background(), "alpha")
	if err != nil || !res.Success || res.Change != ChangeCode {
		t.Errorf("Confirm() = %+v, %v", res, err)
	}
	if len(f.rl.Pending()) != 0 {
		t.Errorf("Pending() = %v after Confirm", f.rl.Pending())
	}
}

func TestStopCancelsPendingReloads(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.start(t)
	results := reloads(f.rl)

	f.rl.handleEvent(change(f.dir, "main.lua"))
	if err := f.rl.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := f.rl.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	select {
	case res := <-results:
		t.Errorf("reload %+v ran after Stop", res)
	case <-time.After(5 * cfg.Debounce):
	}
}

func TestChangeAfterStopIgnored(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.start(t)
	results := reloads(f.rl)

	if err := f.rl.Stop(); err != nil {
		t.Fatal(err)
	}
	f.rl.handleEvent(change(f.dir, "main.lua"))

	f.rl.mu.Lock()
	scheduled := len(f.rl.timers)
	f.rl.mu.Unlock()
	if scheduled != 0 {
		t.Errorf("timers = %d after Stop, want 0", scheduled)
	}
	select {
	case res := <-results:
		t.Errorf("reload %+v ran after Stop", res)
	case <-time.After(5 * cfg.Debounce):
	}
	if s := f.snapshot(t); s.Version != "1.0.0" || s.Status != plugin.StatusRunning {
		t.Errorf("plugin = %s %s, want 1.0.0 running", s.Version, s.Status)
	}
}

func TestUnwatchCancelsPendingReload(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.start(t)
	results := reloads(f.rl)

	f.rl.handleEvent(change(f.dir, "main.lua"))
	f.rl.Unwatch("alpha")

	select {
	case res := <-results:
		t.Errorf("reload %+v ran after Unwatch", res)
	case <-time.After(5 * cfg.Debounce):
	}
}

func TestHistoryBounded(t *testing.T) {
	rl := New(testConfig(), nil, nil)
	for i := 0; i < MaxHistory+5; i++ {
		rl.record(Result{
			ID:       string(rune('a' + i%26)),
			Success:  i%2 == 0,
			Duration: 10 * time.Millisecond,
		})
	}

	h := rl.History()
	if len(h) != MaxHistory {
		t.Fatalf("History() len = %d, want %d", len(h), MaxHistory)
	}
	if h[0].ID != string(rune('a'+5)) {
		t.Errorf("oldest ID = %q, want the 6th result", h[0].ID)
	}

	s := rl.Stats()
	if s.Total != MaxHistory || s.Successes != 50 || s.Failures != 50 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.SuccessRate != 0.5 || s.AverageDuration != 10*time.Millisecond {
		t.Errorf("SuccessRate = %v, AverageDuration = %v", s.SuccessRate, s.AverageDuration)
	}
}

func TestReloadSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, testConfig(), WithTracer(tp.Tracer("test")))

	if _, err := f.rl.ReloadPlugin(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "reload.plugin" {
		t.Fatalf("spans = %d, want one reload.plugin span", len(spans))
	}
	var found bool
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "plugin.name" && kv.Value.AsString() == "alpha" {
			found = true
		}
	}
	if !found {
		t.Error("span missing plugin.name attribute")
	}
}

func TestWatchFileSystem(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	results := reloads(f.rl)

	if err := f.rl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !f.rl.Running() {
		t.Fatal("Running() = false after Start")
	}

	writeManifest(t, f.dir, "alpha", "3.0.0")
	select {
	case res := <-results:
		if !res.Success || res.NewVersion != "3.0.0" {
			t.Errorf("reload = %+v, want success to 3.0.0", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}

	if err := f.rl.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if f.rl.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestDisabledStartDoesNotWatch(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	rl := New(cfg, nil, nil)
	if err := rl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rl.Running() {
		t.Error("disabled reloader started watching")
	}
	if err := rl.Stop(); err != nil {
		t.Error(err)
	}
}
