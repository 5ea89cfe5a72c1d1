package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/event"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/rterrors"
)

// cleanupLog records Cleanup order across plugins.
type cleanupLog struct {
	mu    sync.Mutex
	names []string
}

func (l *cleanupLog) add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

type fakePlugin struct {
	mu       sync.Mutex
	manifest *plugin.Manifest
	calls    []string
	pctx     *plugin.Context

	initErr  error
	startErr error
	cleanups *cleanupLog

	// hold blocks the named call until release is closed; entered is
	// signalled when the call begins.
	hold    string
	entered chan struct{}
	release chan struct{}
}

func newFake(name, version string, deps ...string) *fakePlugin {
	return &fakePlugin{manifest: &plugin.Manifest{
		Name:         name,
		Version:      version,
		EntryPoint:   "main.lua",
		Dependencies: deps,
	}}
}

func (f *fakePlugin) Name() string               { return f.manifest.Name }
func (f *fakePlugin) Version() string            { return f.manifest.Version }
func (f *fakePlugin) Manifest() *plugin.Manifest { return f.manifest }

func (f *fakePlugin) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	if call == f.hold {
		f.entered <- struct{}{}
		<-f.release
	}
}

func (f *fakePlugin) holdCall(call string) {
	f.hold = call
	f.entered = make(chan struct{}, 1)
	f.release = make(chan struct{})
}

func (f *fakePlugin) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakePlugin) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakePlugin) Initialize(_ context.Context, pctx *plugin.Context) error {
	f.record("initialize")
	f.mu.Lock()
	f.pctx = pctx
	f.mu.Unlock()
	return f.initErr
}

func (f *fakePlugin) Start(context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakePlugin) Stop(context.Context) error {
	f.record("stop")
	return nil
}

func (f *fakePlugin) Cleanup(context.Context) error {
	f.record("cleanup")
	f.cleanups.add(f.Name())
	return nil
}

type execPlugin struct {
	*fakePlugin
	configured map[string]any
	configErr  error
}

func (e *execPlugin) Execute(_ context.Context, req plugin.Request) (any, error) {
	return "did " + req.Action, nil
}

func (e *execPlugin) Configure(_ context.Context, cfg map[string]any) error {
	if e.configErr != nil {
		return e.configErr
	}
	e.configured = cfg
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]string
	calls   []string
}

func (w *fakeWatcher) Watch(name, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched == nil {
		w.watched = make(map[string]string)
	}
	w.watched[name] = dir
	w.calls = append(w.calls, "watch:"+name)
	return nil
}

func (w *fakeWatcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, name)
	w.calls = append(w.calls, "unwatch:"+name)
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

func (r *topicRecorder) has(topic event.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.topics, topic)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	r := New(cfg, opts...)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func mustRegister(t *testing.T, r *Registry, p plugin.Plugin, opts ...RegisterOption) {
	t.Helper()
	if err := r.Register(context.Background(), p, nil, opts...); err != nil {
		t.Fatalf("Register(%s) error = %v", p.Name(), err)
	}
}

func status(t *testing.T, r *Registry, name string) plugin.Status {
	t.Helper()
	s, ok := r.Get(name)
	if !ok {
		t.Fatalf("Get(%q) not found", name)
	}
	return s.Status
}

func TestRegisterIdentity(t *testing.T) {
	r := newTestRegistry(t)
	p := newFake("alpha", "1.2.3")
	mustRegister(t, r, p)

	s, ok := r.Get("alpha")
	if !ok {
		t.Fatal("Get() not found after Register")
	}
	if s.Name != "alpha" || s.Version != "1.2.3" {
		t.Errorf("Get() = %s@%s, want alpha@1.2.3", s.Name, s.Version)
	}
	if s.Status != plugin.StatusInitialized {
		t.Errorf("Status = %s, want initialized", s.Status)
	}
	if !s.Enabled || s.SandboxID == "" {
		t.Errorf("Snapshot = %+v, want enabled with a sandbox", s)
	}
	if p.pctx == nil || p.pctx.Registry() == nil || p.pctx.Sandbox() == nil {
		t.Error("Initialize did not receive a complete context")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegisterConflict(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("alpha", "1.0.0"))
	before, _ := r.Get("alpha")

	err := r.Register(context.Background(), newFake("alpha", "2.0.0"), nil)
	var conflict *rterrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Register() error = %v, want ConflictError", err)
	}
	if conflict.Existing != "1.0.0" {
		t.Errorf("ConflictError.Existing = %q, want 1.0.0", conflict.Existing)
	}

	after, _ := r.Get("alpha")
	if after.Version != before.Version || after.SandboxID != before.SandboxID || !after.RegisteredAt.Equal(before.RegisteredAt) {
		t.Errorf("record changed after conflict: %+v -> %+v", before, after)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		name string
		p    plugin.Plugin
	}{
		{"nil", nil},
		{"missing version", newFake("alpha", "")},
		{"bad name", newFake("Alpha!", "1.0.0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(context.Background(), tt.p, nil)
			if !errors.Is(err, rterrors.ErrValidation) {
				t.Errorf("Register() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	if err := r.Register(ctx, newFake("logger", "1.0.0"), nil); err != nil {
		t.Fatalf("Register(logger) error = %v", err)
	}
	if got := status(t, r, "logger"); got != plugin.StatusInitialized {
		t.Errorf("logger status = %s, want initialized", got)
	}
	if err := r.Unregister(ctx, "logger"); err != nil {
		t.Fatalf("Unregister(logger) error = %v", err)
	}

	err := r.Register(ctx, newFake("reporter", "1.0.0", "logger@^1.0.0"), nil)
	if !errors.Is(err, rterrors.ErrDependency) || err.Error() != "missing dependency: logger" {
		t.Fatalf("Register(reporter) error = %v, want missing dependency: logger", err)
	}

	mustRegister(t, r, newFake("logger", "1.0.0"))
	mustRegister(t, r, newFake("reporter", "1.0.0", "logger@^1.0.0"))

	err = r.Unregister(ctx, "logger")
	if !errors.Is(err, rterrors.ErrConflict) {
		t.Fatalf("Unregister(logger) error = %v, want ConflictError", err)
	}
	if got := r.Dependents("logger"); !slices.Equal(got, []string{"reporter"}) {
		t.Errorf("Dependents(logger) = %v, want [reporter]", got)
	}

	if err := r.Unregister(ctx, "reporter"); err != nil {
		t.Fatalf("Unregister(reporter) error = %v", err)
	}
	if err := r.Unregister(ctx, "logger"); err != nil {
		t.Fatalf("Unregister(logger) error = %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegisterDependencyVersionMismatch(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("logger", "0.9.0"))

	err := r.Register(context.Background(), newFake("reporter", "1.0.0", "logger@^1.0.0"), nil)
	var depErr *rterrors.DependencyError
	if !errors.As(err, &depErr) || depErr.Found != "0.9.0" {
		t.Errorf("Register() error = %v, want DependencyError found 0.9.0", err)
	}
}

func TestOptionalDependency(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("metrics", "1.0.0"))
	mustRegister(t, r, newFake("app", "1.0.0", "?metrics", "?absent"))

	if err := r.Unregister(ctx, "metrics"); err != nil {
		t.Errorf("Unregister(metrics) error = %v, optional dependents should not block", err)
	}
}

func TestUnregisterNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Unregister(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unregister() error = %v, want ErrNotFound", err)
	}
}

func TestUnregisterStopsAndCleansUp(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := newFake("alpha", "1.0.0")
	mustRegister(t, r, p, AutoStart(true))

	sb := p.pctx.Sandbox()
	if err := r.Unregister(ctx, "alpha"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if p.count("stop") != 1 || p.count("cleanup") != 1 {
		t.Errorf("calls = %v, want one stop and one cleanup", p.calls)
	}
	if _, err := sb.Execute(ctx, "return 1", nil); err == nil {
		t.Error("sandbox still usable after Unregister")
	}
}

func TestUnregisterWaitsForStart(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := newFake("alpha", "1.0.0")
	p.holdCall("start")
	mustRegister(t, r, p)

	started := make(chan error, 1)
	go func() { started <- r.Start(ctx, "alpha") }()
	<-p.entered

	unregistered := make(chan error, 1)
	go func() { unregistered <- r.Unregister(ctx, "alpha") }()
	for r.Count() != 0 {
		time.Sleep(time.Millisecond)
	}
	close(p.release)

	if err := <-started; err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := <-unregistered; err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	want := []string{"initialize", "start", "stop", "cleanup"}
	if got := p.callLog(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestStartAfterConcurrentUnregister(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := newFake("alpha", "1.0.0")
	mustRegister(t, r, p, AutoStart(true))
	p.holdCall("stop")

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(ctx, "alpha") }()
	<-p.entered

	started := make(chan error, 1)
	go func() { started <- r.Start(ctx, "alpha") }()
	time.Sleep(10 * time.Millisecond)

	unregistered := make(chan error, 1)
	go func() { unregistered <- r.Unregister(ctx, "alpha") }()
	for r.Count() != 0 {
		time.Sleep(time.Millisecond)
	}
	close(p.release)

	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := <-started; !errors.Is(err, ErrNotFound) {
		t.Errorf("Start() error = %v, want ErrNotFound", err)
	}
	if err := <-unregistered; err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if n := p.count("start"); n != 1 {
		t.Errorf("start calls = %d, want 1", n)
	}
}

func TestStartStopStateMachine(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := newFake("alpha", "1.0.0")
	mustRegister(t, r, p)

	steps := []struct {
		op   func(context.Context, string) error
		want plugin.Status
	}{
		{r.Stop, plugin.StatusInitialized},
		{r.Start, plugin.StatusRunning},
		{r.Start, plugin.StatusRunning},
		{r.Stop, plugin.StatusStopped},
		{r.Stop, plugin.StatusStopped},
		{r.Start, plugin.StatusRunning},
	}
	for i, step := range steps {
		if err := step.op(ctx, "alpha"); err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
		if got := status(t, r, "alpha"); got != step.want {
			t.Errorf("step %d status = %s, want %s", i, got, step.want)
		}
	}
	if p.count("start") != 2 || p.count("stop") != 1 {
		t.Errorf("calls = %v, want 2 starts and 1 stop", p.calls)
	}

	s, _ := r.Get("alpha")
	if s.Metrics.Starts != 2 || s.Metrics.Stops != 1 {
		t.Errorf("Metrics = %+v", s.Metrics)
	}
}

func TestStartFailure(t *testing.T) {
	ctx := context.Background()
	rec := &topicRecorder{}
	r := newTestRegistry(t, WithEmitter(rec))
	p := newFake("alpha", "1.0.0")
	p.startErr = errors.New("boom")
	mustRegister(t, r, p)

	if err := r.Start(ctx, "alpha"); err == nil {
		t.Fatal("Start() error = nil")
	}
	s, _ := r.Get("alpha")
	if s.Status != plugin.StatusError || s.Error == "" || s.Metrics.Errors != 1 {
		t.Errorf("Snapshot = %+v, want error status with message", s)
	}
	if !rec.has(event.TopicPluginError) {
		t.Error("plugin-error not emitted")
	}
	if err := r.Start(ctx, "alpha"); err != nil {
		t.Errorf("Start() from error state = %v, want no-op", err)
	}
}

func TestStartRequiresRunningDependency(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("logger", "1.0.0"))
	mustRegister(t, r, newFake("reporter", "1.0.0", "logger@^1.0.0"))

	if err := r.Start(ctx, "reporter"); !errors.Is(err, rterrors.ErrDependency) {
		t.Fatalf("Start(reporter) error = %v, want ErrDependency", err)
	}
	if err := r.Start(ctx, "logger"); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx, "reporter"); err != nil {
		t.Errorf("Start(reporter) error = %v", err)
	}
}

func TestInitializeFailure(t *testing.T) {
	rec := &topicRecorder{}
	r := newTestRegistry(t, WithEmitter(rec))
	p := newFake("alpha", "1.0.0")
	p.initErr = errors.New("no")

	if err := r.Register(context.Background(), p, nil); err == nil {
		t.Fatal("Register() error = nil")
	}
	if _, ok := r.Get("alpha"); ok {
		t.Error("plugin registered despite Initialize failure")
	}
	if !rec.has(event.TopicPluginError) || rec.has(event.TopicPluginRegistered) {
		t.Errorf("topics = %v", rec.topics)
	}
	// The name is free again.
	p.initErr = nil
	mustRegister(t, r, p)
}

func TestIncompatibleRejected(t *testing.T) {
	checker := compat.NewChecker(compat.HostInfo{OS: "linux", Arch: "amd64"})
	r := newTestRegistry(t, WithChecker(checker))

	p := newFake("winonly", "1.0.0")
	p.manifest.Compatibility.OS = []string{"windows"}
	err := r.Register(context.Background(), p, nil)

	var inc *IncompatibleError
	if !errors.As(err, &inc) || !errors.Is(err, ErrIncompatible) {
		t.Fatalf("Register() error = %v, want IncompatibleError", err)
	}
	if inc.Report.Verdict != compat.VerdictIncompatible {
		t.Errorf("Verdict = %s", inc.Report.Verdict)
	}
	if r.Count() != 0 {
		t.Error("incompatible plugin was registered")
	}

	mustRegister(t, r, newFake("portable", "1.0.0"))
}

func TestSetEnabled(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("alpha", "1.0.0"), Enabled(false))

	if err := r.Start(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	if got := status(t, r, "alpha"); got != plugin.StatusInitialized {
		t.Errorf("disabled plugin started: status %s", got)
	}

	if err := r.SetEnabled(ctx, "alpha", true); err != nil {
		t.Fatal(err)
	}
	if got := status(t, r, "alpha"); got != plugin.StatusRunning {
		t.Errorf("after enable status = %s, want running", got)
	}

	if err := r.SetEnabled(ctx, "alpha", false); err != nil {
		t.Fatal(err)
	}
	if got := status(t, r, "alpha"); got != plugin.StatusStopped {
		t.Errorf("after disable status = %s, want stopped", got)
	}

	// Enabling a stopped plugin leaves it stopped.
	if err := r.SetEnabled(ctx, "alpha", true); err != nil {
		t.Fatal(err)
	}
	if got := status(t, r, "alpha"); got != plugin.StatusStopped {
		t.Errorf("after re-enable status = %s, want stopped", got)
	}
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	w := &fakeWatcher{}
	r := newTestRegistry(t, WithHotReload(w))

	p := &execPlugin{fakePlugin: newFake("alpha", "1.0.0")}
	p.manifest.SetPath(t.TempDir())
	if err := r.Register(ctx, p, map[string]any{"server": map[string]any{"port": 80}}); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateConfig(ctx, "alpha", map[string]any{"server.port": 8080, "name": "x"}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if got := p.pctx.ConfigValue("server.port").Int(); got != 8080 {
		t.Errorf("context server.port = %d, want 8080", got)
	}
	if got := p.pctx.ConfigValue("name").String(); got != "x" {
		t.Errorf("context name = %q, want x", got)
	}
	if p.configured == nil {
		t.Error("Configure was not called")
	}
	if len(w.calls) != 0 {
		t.Errorf("watcher calls = %v, want none", w.calls)
	}

	if err := r.UpdateConfig(ctx, "alpha", map[string]any{HotReloadKey: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateConfig(ctx, "alpha", map[string]any{HotReloadKey: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateConfig(ctx, "alpha", map[string]any{HotReloadKey: false}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(w.calls, []string{"watch:alpha", "unwatch:alpha"}) {
		t.Errorf("watcher calls = %v, want one watch then one unwatch", w.calls)
	}
}

func TestUpdateConfigRejected(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := &execPlugin{fakePlugin: newFake("alpha", "1.0.0"), configErr: errors.New("bad port")}
	if err := r.Register(ctx, p, map[string]any{"port": 80}); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateConfig(ctx, "alpha", map[string]any{"port": 8080}); err == nil {
		t.Fatal("UpdateConfig() error = nil, want rejection")
	}
	if got := p.pctx.ConfigValue("port").Int(); got != 80 {
		t.Errorf("context port = %d, want 80", got)
	}
	s, _ := r.Get("alpha")
	if got := s.Config["port"]; got != 80 {
		t.Errorf("snapshot port = %v, want 80", got)
	}
}

func TestHotReloadWatchLifecycle(t *testing.T) {
	ctx := context.Background()
	w := &fakeWatcher{}
	r := newTestRegistry(t, WithHotReload(w))

	p := newFake("alpha", "1.0.0")
	dir := t.TempDir()
	p.manifest.SetPath(dir)
	p.manifest.HotReload = true
	mustRegister(t, r, p)

	if w.watched["alpha"] != dir {
		t.Errorf("watched = %v, want alpha -> %s", w.watched, dir)
	}
	if err := r.Unregister(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.watched["alpha"]; ok {
		t.Error("watch not removed on Unregister")
	}
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)

	a := newFake("formatter", "1.0.0")
	a.manifest.Author = "Ada"
	a.manifest.Capabilities = []string{"format"}
	a.manifest.Tags = []string{"Editing"}
	b := newFake("linter", "1.0.0")
	b.manifest.Author = "bob"
	b.manifest.Capabilities = []string{"lint"}
	c := newFake("fmt-extra", "1.0.0")

	mustRegister(t, r, a, AutoStart(true))
	mustRegister(t, r, b)
	mustRegister(t, r, c, Enabled(false))

	running := plugin.StatusRunning
	disabled := false
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"fmt-extra", "formatter", "linter"}},
		{"status", Filter{Status: &running}, []string{"formatter"}},
		{"enabled", Filter{Enabled: &disabled}, []string{"fmt-extra"}},
		{"author", Filter{Author: "ada"}, []string{"formatter"}},
		{"capability", Filter{Capability: "lint"}, []string{"linter"}},
		{"tag", Filter{Tag: "editing"}, []string{"formatter"}},
		{"query", Filter{Query: "lntr"}, []string{"linter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, s := range r.List(tt.filter) {
				got = append(got, s.Name)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("List() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDependencyGraphIsSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("logger", "1.0.0"))
	mustRegister(t, r, newFake("reporter", "1.0.0", "logger@^1.0.0"))

	g := r.DependencyGraph()
	if !slices.Equal(g["reporter"], []string{"logger"}) || len(g["logger"]) != 0 {
		t.Fatalf("DependencyGraph() = %v", g)
	}
	g["reporter"] = nil
	delete(g, "logger")
	if again := r.DependencyGraph(); len(again) != 2 || len(again["reporter"]) != 1 {
		t.Errorf("DependencyGraph() mutated through snapshot: %v", again)
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	mustRegister(t, r, newFake("plain", "1.0.0"), AutoStart(true))
	mustRegister(t, r, &execPlugin{fakePlugin: newFake("runner", "1.0.0")})

	if _, err := r.Execute(ctx, "plain", plugin.Request{}); !errors.Is(err, plugin.ErrNotExecutable) {
		t.Errorf("Execute(plain) error = %v, want ErrNotExecutable", err)
	}
	if _, err := r.Execute(ctx, "runner", plugin.Request{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Execute(runner) error = %v, want ErrNotRunning", err)
	}
	if err := r.Start(ctx, "runner"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Execute(ctx, "runner", plugin.Request{Action: "work"})
	if err != nil || got != "did work" {
		t.Errorf("Execute() = %v, %v; want did work", got, err)
	}
}

type reportingPlugin struct {
	*execPlugin
}

func (reportingPlugin) Capabilities() plugin.Capabilities { return plugin.Capabilities{} }

func TestExecuteUsesReportedCapabilities(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p := reportingPlugin{&execPlugin{fakePlugin: newFake("quiet", "1.0.0")}}
	mustRegister(t, r, p, AutoStart(true))

	if _, err := r.Execute(ctx, "quiet", plugin.Request{Action: "work"}); !errors.Is(err, plugin.ErrNotExecutable) {
		t.Errorf("Execute() error = %v, want ErrNotExecutable", err)
	}
	if s, _ := r.Get("quiet"); s.Capabilities.CanExecute {
		t.Error("snapshot CanExecute = true, want false")
	}
}

func TestShutdownOrder(t *testing.T) {
	log := &cleanupLog{}
	r := New(DefaultConfig())

	for _, p := range []*fakePlugin{
		newFake("base", "1.0.0"),
		newFake("middle", "1.0.0", "base@*"),
		newFake("top", "1.0.0", "middle@*", "base@*"),
		newFake("solo", "1.0.0"),
	} {
		p.cleanups = log
		mustRegister(t, r, p)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	pos := func(name string) int { return slices.Index(log.names, name) }
	if pos("top") > pos("middle") || pos("middle") > pos("base") {
		t.Errorf("cleanup order = %v, dependents must come first", log.names)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d after Shutdown", r.Count())
	}
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	bus := event.NewBus()
	var mu sync.Mutex
	var got []event.Topic
	bus.Subscribe(event.TopicAll, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Topic)
	})

	r := newTestRegistry(t, WithEmitter(bus))
	mustRegister(t, r, newFake("alpha", "1.0.0"), AutoStart(true))
	if err := r.Stop(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	if err := r.Unregister(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}

	want := []event.Topic{
		event.TopicPluginRegistered,
		event.TopicPluginStarted,
		event.TopicPluginStopped,
		event.TopicPluginUnregistered,
	}
	if !slices.Equal(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}
}

func TestSecurityEventsForwarded(t *testing.T) {
	rec := &topicRecorder{}
	r := newTestRegistry(t, WithEmitter(rec))
	p := newFake("alpha", "1.0.0")
	mustRegister(t, r, p)

	err := p.pctx.Sandbox().AddResource("secret", "x")
	if !errors.Is(err, rterrors.ErrPermission) {
		t.Fatalf("AddResource() error = %v, want ErrPermission", err)
	}
	if !rec.has(event.TopicSecurityEvent) {
		t.Error("security-event not emitted")
	}
}

func TestLookupImplementsPluginLookup(t *testing.T) {
	var _ plugin.Lookup = (*Registry)(nil)

	r := newTestRegistry(t)
	mustRegister(t, r, newFake("alpha", "1.0.0"))
	info, ok := r.Lookup("alpha")
	if !ok || info.Version != "1.0.0" || info.Status != plugin.StatusInitialized {
		t.Errorf("Lookup() = %+v, %v", info, ok)
	}
	if !slices.Equal(r.Names(), []string{"alpha"}) {
		t.Errorf("Names() = %v", r.Names())
	}
}
