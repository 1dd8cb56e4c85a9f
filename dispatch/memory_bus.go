package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/semflow/envelope"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Filter selects which envelopes a subscription receives. An empty Topic or
// EventType matches anything.
type Filter struct {
	Topic     envelope.Topic
	EventType string
}

// Match reports whether env passes the filter.
func (f Filter) Match(env envelope.Envelope) bool {
	if f.Topic != "" && f.Topic != env.Topic {
		return false
	}
	return f.EventType == "" || f.EventType == env.Type
}

// MemoryBus is an in-process pub/sub used by tests and local mode. It is
// not durable; delivery blocks while a subscriber's buffer is full and the
// publish context is alive.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithBufferSize sets the channel capacity of new subscriptions.
func WithBufferSize(n int) MemoryBusOption {
	return func(b *MemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers env to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, env envelope.Envelope) error {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.filter.Match(env) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, env); err != nil {
			return fmt.Errorf("publish %s: %w", env.Type, err)
		}
	}
	return nil
}

// Subscribe registers a subscription for envelopes matching filter.
func (b *MemoryBus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan envelope.Envelope, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Subscription receives envelopes from a MemoryBus.
type Subscription struct {
	bus    *MemoryBus
	filter Filter
	ch     chan envelope.Envelope
	done   chan struct{}
	once   sync.Once
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan envelope.Envelope {
	return s.ch
}

// Done is closed once the subscription is closed. The delivery channel
// itself is never closed, so readers select on both.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) deliver(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.ch <- env:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unregisters the subscription and closes Done. It is idempotent.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.done)
		s.bus.mu.Unlock()
	})
	return nil
}

var _ Publisher = (*MemoryBus)(nil)
