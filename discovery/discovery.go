// Package discovery answers "which actions can be requested right now",
// the list a decision source must choose from.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// Capability is one action an agent is able to perform.
type Capability struct {
	Topic         envelope.Topic `json:"topic" yaml:"topic"`
	EventType     string         `json:"event_type" yaml:"event_type"`
	ResponseEvent string         `json:"response_event,omitempty" yaml:"response_event,omitempty"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
}

// Registry lists capabilities available on a topic.
type Registry interface {
	Discover(ctx context.Context, topic envelope.Topic) ([]Capability, error)
}

// StaticRegistry serves a fixed list.
type StaticRegistry struct {
	mu   sync.RWMutex
	caps []Capability
}

// NewStaticRegistry creates a registry over caps.
func NewStaticRegistry(caps ...Capability) *StaticRegistry {
	r := &StaticRegistry{}
	r.Add(caps...)
	return r
}

// Add registers capabilities, replacing entries with the same topic and
// event type.
func (r *StaticRegistry) Add(caps ...Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		if c.Topic == "" {
			c.Topic = envelope.TopicRequest
		}
		replaced := false
		for i, existing := range r.caps {
			if existing.Topic == c.Topic && existing.EventType == c.EventType {
				r.caps[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			r.caps = append(r.caps, c)
		}
	}
	sortCapabilities(r.caps)
}

// Discover implements Registry. An empty topic returns everything.
func (r *StaticRegistry) Discover(_ context.Context, topic envelope.Topic) ([]Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Capability{}
	for _, c := range r.caps {
		if topic == "" || c.Topic == topic {
			out = append(out, c)
		}
	}
	return out, nil
}

func sortCapabilities(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Topic != caps[j].Topic {
			return caps[i].Topic < caps[j].Topic
		}
		return caps[i].EventType < caps[j].EventType
	})
}

// CachedRegistry memoizes another registry per topic for a TTL. It belongs
// to the decision side; Refresh forces a reload.
type CachedRegistry struct {
	inner Registry
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[envelope.Topic]cacheEntry
}

type cacheEntry struct {
	caps    []Capability
	fetched time.Time
}

// NewCachedRegistry wraps inner.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[envelope.Topic]cacheEntry),
	}
}

// Discover returns cached capabilities while fresh.
func (c *CachedRegistry) Discover(ctx context.Context, topic envelope.Topic) ([]Capability, error) {
	c.mu.Lock()
	entry, ok := c.entries[topic]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.fetched) < c.ttl {
		return entry.caps, nil
	}
	return c.Refresh(ctx, topic)
}

// Refresh reloads topic from the wrapped registry. On failure the previous
// entry is kept.
func (c *CachedRegistry) Refresh(ctx context.Context, topic envelope.Topic) ([]Capability, error) {
	caps, err := c.inner.Discover(ctx, topic)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[topic] = cacheEntry{caps: caps, fetched: c.now()}
	c.mu.Unlock()
	return caps, nil
}

// Invalidate drops every cached entry.
func (c *CachedRegistry) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[envelope.Topic]cacheEntry)
}
