package state

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types emitted by the registry after a successful change.
const (
	EventOutput       = "output"
	EventDeviceName   = "device_name"
	EventConnectivity = "connectivity"
	EventIntegration  = "integration"
	EventPeers        = "peers"
	EventCredentials  = "credentials"
	EventOta          = "ota"
)

// Event carries the new snapshot of the changed entity in Data.
type Event struct {
	Type string
	Data any
}

// EventHandler observes registry events.
type EventHandler func(Event)

// anyEvent is the subscription topic that matches every event type.
const anyEvent = "*"

type subscription struct {
	id    uint64
	topic string
	fn    EventHandler
}

// EventBus fans registry events out to observers in subscription order.
// Handlers run synchronously on the mutating goroutine and must not block.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes to one event type and returns the unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe(anyEvent, handler)
}

func (eb *EventBus) subscribe(topic string, fn EventHandler) func() {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, topic: topic, fn: fn})
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

// Emit delivers event to matching handlers. A panicking handler is recovered
// and logged; the remaining handlers still run.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	var matched []EventHandler
	for _, s := range eb.subs {
		if s.topic == anyEvent || s.topic == event.Type {
			matched = append(matched, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range matched {
		eb.deliver(fn, event)
	}
}

func (eb *EventBus) deliver(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
