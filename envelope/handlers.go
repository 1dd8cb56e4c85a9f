package envelope

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler reacts to one envelope.
type Handler func(ctx context.Context, env Envelope) error

type handlerKey struct {
	topic     Topic
	eventType string
}

// HandlerTable maps (topic, event type) pairs to handlers. It is filled at
// startup and consulted before correlation routing.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

// NewHandlerTable creates an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[handlerKey]Handler)}
}

// Register adds a handler. Registering the same pair twice is an error.
func (t *HandlerTable) Register(topic Topic, eventType string, h Handler) error {
	if !topic.Valid() {
		return fmt.Errorf("register handler: unknown topic %q", topic)
	}
	if eventType == "" {
		return fmt.Errorf("register handler: event type required")
	}
	if h == nil {
		return fmt.Errorf("register handler %s/%s: nil handler", topic, eventType)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := handlerKey{topic: topic, eventType: eventType}
	if _, exists := t.handlers[key]; exists {
		return fmt.Errorf("register handler %s/%s: already registered", topic, eventType)
	}
	t.handlers[key] = h
	return nil
}

// Replace installs h for the pair, overwriting any existing handler.
func (t *HandlerTable) Replace(topic Topic, eventType string, h Handler) {
	t.mu.Lock()
	t.handlers[handlerKey{topic: topic, eventType: eventType}] = h
	t.mu.Unlock()
}

// Remove drops the handler for the pair if present.
func (t *HandlerTable) Remove(topic Topic, eventType string) {
	t.mu.Lock()
	delete(t.handlers, handlerKey{topic: topic, eventType: eventType})
	t.mu.Unlock()
}

// Lookup returns the handler for the pair.
func (t *HandlerTable) Lookup(topic Topic, eventType string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[handlerKey{topic: topic, eventType: eventType}]
	return h, ok
}

// Keys lists registered pairs as "topic/type", sorted.
func (t *HandlerTable) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.handlers))
	for k := range t.handlers {
		keys = append(keys, string(k.topic)+"/"+k.eventType)
	}
	sort.Strings(keys)
	return keys
}
