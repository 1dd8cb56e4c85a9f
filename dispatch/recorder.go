package dispatch

import (
	"context"
	"sync"

	"github.com/c360studio/semflow/envelope"
)

// Recorder is a Publisher that remembers every envelope it accepts. Faults
// can be injected per envelope; a failed publish is not recorded. When next
// is set, accepted envelopes are forwarded to it.
type Recorder struct {
	mu    sync.Mutex
	next  Publisher
	sent  []envelope.Envelope
	fault func(envelope.Envelope) error
}

// NewRecorder creates a recorder, optionally forwarding to next.
func NewRecorder(next Publisher) *Recorder {
	return &Recorder{next: next}
}

// FailWhen installs a fault hook. A non-nil return fails the publish.
func (r *Recorder) FailWhen(fn func(envelope.Envelope) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = fn
}

// FailOn fails every publish of eventType with err.
func (r *Recorder) FailOn(eventType string, err error) {
	r.FailWhen(func(env envelope.Envelope) error {
		if env.Type == eventType {
			return err
		}
		return nil
	})
}

// Heal removes any fault hook.
func (r *Recorder) Heal() {
	r.FailWhen(nil)
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, env envelope.Envelope) error {
	r.mu.Lock()
	fault := r.fault
	r.mu.Unlock()
	if fault != nil {
		if err := fault(env); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.sent = append(r.sent, env)
	next := r.next
	r.mu.Unlock()

	if next != nil {
		return next.Publish(ctx, env)
	}
	return nil
}

// All returns every recorded envelope in publish order.
func (r *Recorder) All() []envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]envelope.Envelope(nil), r.sent...)
}

// ByTopic returns recorded envelopes on topic.
func (r *Recorder) ByTopic(topic envelope.Topic) []envelope.Envelope {
	var out []envelope.Envelope
	for _, env := range r.All() {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

// Requests returns recorded request envelopes.
func (r *Recorder) Requests() []envelope.Envelope { return r.ByTopic(envelope.TopicRequest) }

// Responses returns recorded result envelopes.
func (r *Recorder) Responses() []envelope.Envelope { return r.ByTopic(envelope.TopicResult) }

// Facts returns recorded fact envelopes.
func (r *Recorder) Facts() []envelope.Envelope { return r.ByTopic(envelope.TopicFact) }

// ByType returns recorded envelopes of eventType.
func (r *Recorder) ByType(eventType string) []envelope.Envelope {
	var out []envelope.Envelope
	for _, env := range r.All() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets recorded envelopes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

var _ Publisher = (*Recorder)(nil)
