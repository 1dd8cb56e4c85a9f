// Package decision chooses the next action for a dynamic plan state when no
// static transition applies.
package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/semflow/discovery"
)

// ErrInvalidDecision is returned when a decision cannot be carried out.
var ErrInvalidDecision = errors.New("invalid decision")

// Kind says what the plan should do.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindComplete Kind = "complete"
	KindWait     Kind = "wait"
)

// Decision is a source's answer.
type Decision struct {
	Kind          Kind           `json:"kind" yaml:"kind"`
	EventType     string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	ResponseEvent string         `json:"response_event,omitempty" yaml:"response_event,omitempty"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Result        map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	Rationale     string         `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// Trigger is what the source knows about the plan at decision time.
type Trigger struct {
	PlanID    string         `json:"plan_id"`
	State     string         `json:"state"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Results   map[string]any `json:"results,omitempty"`
	Goal      map[string]any `json:"goal,omitempty"`
}

// Source decides. Its output is never trusted: callers run Validate.
type Source interface {
	Decide(ctx context.Context, trigger Trigger, available []discovery.Capability) (Decision, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, trigger Trigger, available []discovery.Capability) (Decision, error)

// Decide implements Source.
func (f SourceFunc) Decide(ctx context.Context, trigger Trigger, available []discovery.Capability) (Decision, error) {
	return f(ctx, trigger, available)
}

// Validate checks a decision against the available actions. A dispatch must
// name an available event type and a response event.
func Validate(d Decision, available []discovery.Capability) error {
	switch d.Kind {
	case KindComplete, KindWait:
		return nil
	case KindDispatch:
		if d.EventType == "" {
			return fmt.Errorf("%w: dispatch without event type", ErrInvalidDecision)
		}
		if d.ResponseEvent == "" {
			return fmt.Errorf("%w: dispatch of %s without response event", ErrInvalidDecision, d.EventType)
		}
		if _, ok := Find(available, d.EventType); !ok {
			return fmt.Errorf("%w: %s is not an available action", ErrInvalidDecision, d.EventType)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, d.Kind)
	}
}

// Find returns the capability for eventType.
func Find(available []discovery.Capability, eventType string) (discovery.Capability, bool) {
	for _, c := range available {
		if c.EventType == eventType {
			return c, true
		}
	}
	return discovery.Capability{}, false
}

// withDefaultResponse fills a missing response event from the capability.
func withDefaultResponse(d Decision, available []discovery.Capability) Decision {
	if d.Kind == KindDispatch && d.ResponseEvent == "" {
		if c, ok := Find(available, d.EventType); ok {
			d.ResponseEvent = c.ResponseEvent
		}
	}
	return d
}
