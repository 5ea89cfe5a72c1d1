// Package audit records sandbox security events and counts violations
// per plugin.
//
// An Auditor subscribes to the security-event topic, persists each event
// to a Store and writes it to the audit logger. Once a plugin reaches the
// configured violation limit the auditor calls its limit handler, which the
// host typically uses to disable the plugin.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/plughost/internal/event"
)

// Entry is one recorded security event.
type Entry struct {
	ID        string
	Time      time.Time
	Plugin    string
	Kind      string
	SandboxID string
	Message   string
	Data      map[string]any
}

// Subscriber is the subscription side of the event bus.
type Subscriber interface {
	Subscribe(topic event.Topic, handler event.Handler) func()
}

// LimitHandler is called once when a plugin reaches the violation limit.
type LimitHandler func(plugin string, count int)

// Auditor persists security events.
type Auditor struct {
	store   Store
	logger  *slog.Logger
	audit   *slog.Logger
	limit   int
	onLimit LimitHandler
	timeout time.Duration

	mu      sync.Mutex
	counts  map[string]int
	tripped map[string]bool
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the process logger used for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAuditLogger sets the logger every event is written to.
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		a.audit = l
	}
}

// WithViolationLimit calls h when a plugin has recorded n events.
// n <= 0 disables the limit.
func WithViolationLimit(n int, h LimitHandler) Option {
	return func(a *Auditor) {
		a.limit = n
		a.onLimit = h
	}
}

// New creates an Auditor over store. A nil store keeps entries in memory.
func New(store Store, opts ...Option) *Auditor {
	if store == nil {
		store = NewMemoryStore()
	}
	a := &Auditor{
		store:   store,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		counts:  make(map[string]int),
		tripped: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit")
	return a
}

// Subscribe attaches the auditor to bus. The returned function detaches it.
func (a *Auditor) Subscribe(bus Subscriber) func() {
	return bus.Subscribe(event.TopicSecurityEvent, a.Handle)
}

// Handle records a security event. Events of other types are ignored.
func (a *Auditor) Handle(ev event.Event) {
	p, ok := ev.Payload.(event.SecurityPayload)
	if !ok {
		return
	}
	a.Record(entryFromPayload(p, ev.Time))
}

// Record stores e and updates the per-plugin count.
func (a *Auditor) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	if a.audit != nil {
		a.audit.Warn("security event",
			"id", e.ID,
			"plugin", e.Plugin,
			"kind", e.Kind,
			"sandbox", e.SandboxID,
			"message", e.Message,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.Record(ctx, e); err != nil {
		a.logger.Error("failed to persist security event", "plugin", e.Plugin, "error", err)
	}

	a.mu.Lock()
	a.counts[e.Plugin]++
	count := a.counts[e.Plugin]
	trip := a.limit > 0 && count >= a.limit && !a.tripped[e.Plugin]
	if trip {
		a.tripped[e.Plugin] = true
	}
	a.mu.Unlock()

	if trip {
		a.logger.Warn("plugin reached security violation limit", "plugin", e.Plugin, "count", count)
		if a.onLimit != nil {
			a.onLimit(e.Plugin, count)
		}
	}
}

// Violations returns the number of events recorded for plugin by this
// auditor since it was created or last reset.
func (a *Auditor) Violations(plugin string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[plugin]
}

// Reset clears the in-process count for plugin. Stored entries are kept.
func (a *Auditor) Reset(plugin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, plugin)
	delete(a.tripped, plugin)
}

// Store returns the backing store.
func (a *Auditor) Store() Store { return a.store }

// Close closes the backing store.
func (a *Auditor) Close() error { return a.store.Close() }

func entryFromPayload(p event.SecurityPayload, at time.Time) Entry {
	e := Entry{
		Plugin: p.PluginName,
		Kind:   p.Event,
		Time:   at,
	}
	if id, ok := p.Data["id"].(string); ok {
		e.ID = id
	}
	if sid, ok := p.Data["sandboxId"].(string); ok {
		e.SandboxID = sid
	}
	if msg, ok := p.Data["message"].(string); ok {
		e.Message = msg
	}
	if t, ok := p.Data["time"].(time.Time); ok && !t.IsZero() {
		e.Time = t
	}
	if details, ok := p.Data["details"].(map[string]any); ok {
		e.Data = details
	}
	return e
}
