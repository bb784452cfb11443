// Package eventbus provides the in-process publish/subscribe bus the rule
// core emits change and resolution notifications on. Downstream consumers
// (audit log, UI notifications) subscribe by topic; hosts that bridge to an
// external broker implement the Publisher interface instead.
package eventbus

import (
	"log/slog"
	"sync"
)

// Topics published by the rule core.
const (
	TopicConflictResolved = "conflict.resolved"
	TopicRuleChanged      = "rule.changed"
)

// Publisher is the side of the bus producers depend on.
type Publisher interface {
	Publish(topic string, payload any)
}

// Handler receives events for a topic.
type Handler func(topic string, payload any)

// Bus is a mutex-guarded in-process implementation of Publisher. Delivery is
// synchronous and in subscription order; handlers must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *slog.Logger
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers the payload to every handler subscribed to the topic.
// Publishing to a topic with no subscribers is not an error.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	b.log.Debug("publishing event", "topic", topic, "subscribers", len(handlers))
	for _, h := range handlers {
		h(topic, payload)
	}
}

// Discard is a Publisher that drops every event. Useful for simulations and
// tests that must not emit side effects.
type Discard struct{}

func (Discard) Publish(string, any) {}
