// Package event provides the in-process event bus the runtime publishes
// lifecycle, reload, and security notifications on.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single published notification.
type Event struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

// Handler receives events. Handlers must not block for long; they run on
// the publishing goroutine.
type Handler func(Event)

// Emitter is the publish capability injected into runtime components.
type Emitter interface {
	Emit(topic Topic, payload any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(topic Topic, payload any)

// Emit calls f(topic, payload).
func (f EmitterFunc) Emit(topic Topic, payload any) {
	f(topic, payload)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Topic, any) {})

// Stats contains bus counters.
type Stats struct {
	EventsPublished uint64
	EventsDelivered uint64
	HandlerPanics   uint64
	Subscriptions   int
}

type subscription struct {
	id      uint64
	topic   Topic
	handler Handler
}

// Bus delivers events synchronously to subscribers of the event's topic and
// to wildcard subscribers. Panics in handlers are recovered and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	nextID uint64

	config busConfig

	eventsPublished atomic.Uint64
	eventsDelivered atomic.Uint64
	handlerPanics   atomic.Uint64
}

// NewBus creates a new event bus with the given options.
func NewBus(opts ...BusOption) *Bus {
	config := defaultBusConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Bus{
		subs:   make(map[Topic][]*subscription),
		config: config,
	}
}

// Subscribe registers handler for topic. Use TopicAll to receive every event.
// The returned function removes the subscription; calling it more than once
// is harmless.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, topic: topic, handler: handler}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Emit publishes payload on topic. Delivery happens before Emit returns.
func (b *Bus) Emit(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload, Time: b.config.now()}

	// Copy handlers under lock, call them outside it.
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.subs[TopicAll]))
	for _, s := range b.subs[topic] {
		handlers = append(handlers, s.handler)
	}
	if topic != TopicAll {
		for _, s := range b.subs[TopicAll] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	b.eventsPublished.Add(1)
	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.config.logger.Warn("event handler panicked", "topic", ev.Topic, "panic", r)
		}
	}()
	h(ev)
	b.eventsDelivered.Add(1)
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	b.mu.RUnlock()

	return Stats{
		EventsPublished: b.eventsPublished.Load(),
		EventsDelivered: b.eventsDelivered.Load(),
		HandlerPanics:   b.handlerPanics.Load(),
		Subscriptions:   n,
	}
}

// BusOption configures an event Bus.
type BusOption func(*busConfig)

type busConfig struct {
	logger *slog.Logger
	now    func() time.Time
}

func defaultBusConfig() busConfig {
	return busConfig{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) BusOption {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) BusOption {
	return func(c *busConfig) {
		if now != nil {
			c.now = now
		}
	}
}
