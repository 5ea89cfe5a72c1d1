package plugin

import (
	"context"
	"testing"

	"github.com/dshills/plughost/internal/event"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusRegistered, "registered"},
		{StatusInitialized, "initialized"},
		{StatusRunning, "running"},
		{StatusStopped, "stopped"},
		{StatusError, "error"},
		{Status(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
		if tt.want != "unknown" {
			parsed, ok := ParseStatus(tt.want)
			if !ok || parsed != tt.status {
				t.Errorf("ParseStatus(%q) = %v, %v", tt.want, parsed, ok)
			}
		}
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRegistered, StatusInitialized, true},
		{StatusRegistered, StatusRunning, false},
		{StatusInitialized, StatusRunning, true},
		{StatusStopped, StatusRunning, true},
		{StatusRunning, StatusRunning, false},
		{StatusRunning, StatusStopped, true},
		{StatusInitialized, StatusStopped, false},
		{StatusStopped, StatusStopped, false},
		{StatusError, StatusRunning, false},
		{StatusRegistered, StatusError, true},
		{StatusRunning, StatusError, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%v.CanTransition(%v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

type execPlugin struct{ basic }

func (execPlugin) Execute(context.Context, Request) (any, error) { return "ok", nil }

type basic struct{}

func (basic) Name() string                               { return "basic" }
func (basic) Version() string                            { return "1.0.0" }
func (basic) Manifest() *Manifest                        { return nil }
func (basic) Initialize(context.Context, *Context) error { return nil }
func (basic) Start(context.Context) error                { return nil }
func (basic) Stop(context.Context) error                 { return nil }
func (basic) Cleanup(context.Context) error              { return nil }

type reporting struct {
	execPlugin
	caps Capabilities
}

func (r reporting) Capabilities() Capabilities { return r.caps }

func TestCapabilitiesOf(t *testing.T) {
	if CapabilitiesOf(basic{}).CanExecute {
		t.Error("CapabilitiesOf(basic).CanExecute = true, want false")
	}
	if !CapabilitiesOf(execPlugin{}).CanExecute {
		t.Error("CapabilitiesOf(execPlugin).CanExecute = false, want true")
	}
	if CapabilitiesOf(reporting{}).CanExecute {
		t.Error("CapabilitiesOf(reporting).CanExecute = true, want the reported false")
	}
}

func TestContextConfig(t *testing.T) {
	src := map[string]any{
		"server": map[string]any{"port": 8080, "hosts": []any{"a", "b"}},
	}
	var emitted []event.Topic
	pctx := NewContext(ContextConfig{
		Name:        "svc",
		Config:      src,
		Permissions: []string{"resource:db"},
		Emitter: event.EmitterFunc(func(topic event.Topic, _ any) {
			emitted = append(emitted, topic)
		}),
	})

	src["server"].(map[string]any)["port"] = 1
	if got := pctx.ConfigValue("server.port").Int(); got != 8080 {
		t.Errorf("ConfigValue(server.port) = %d, want 8080", got)
	}
	if got := pctx.ConfigValue("server.hosts.1").String(); got != "b" {
		t.Errorf("ConfigValue(server.hosts.1) = %q, want b", got)
	}

	pctx.SetConfig(map[string]any{"debug": true})
	if !pctx.ConfigValue("debug").Bool() {
		t.Error("ConfigValue(debug) = false after SetConfig")
	}

	if !pctx.HasPermission("resource:db") || pctx.HasPermission("network") {
		t.Errorf("HasPermission mismatch for %v", pctx.Permissions())
	}

	pctx.Emit("custom", nil)
	if len(emitted) != 1 || emitted[0] != "custom" {
		t.Errorf("emitted = %v, want [custom]", emitted)
	}
}
