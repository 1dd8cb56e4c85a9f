// Package envelope defines the canonical message shape exchanged between
// agents and the choreographer, and the NATS subject layout used to carry it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Topic classifies an envelope on the shared transport.
type Topic string

const (
	// TopicRequest asks another agent to perform work and reply.
	TopicRequest Topic = "request"
	// TopicResult carries the reply to an earlier request.
	TopicResult Topic = "result"
	// TopicFact is a fire-and-forget announcement.
	TopicFact Topic = "fact"
	// TopicSystem carries control events such as pause and resume.
	TopicSystem Topic = "system"
)

// Valid reports whether the topic is one of the known topics.
func (t Topic) Valid() bool {
	switch t {
	case TopicRequest, TopicResult, TopicFact, TopicSystem:
		return true
	}
	return false
}

func (t Topic) String() string { return string(t) }

// Scope carries the opaque tenant and user tokens. The engine never
// interprets them, it only copies them onto every envelope it emits.
type Scope struct {
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// Envelope is one message on the wire. Treat it as immutable: helpers that
// change a field return a copy.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Topic         Topic          `json:"topic"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ResponseEvent string         `json:"response_event,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ValidationError reports a malformed envelope.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// NewID returns a fresh, lexically sortable envelope id.
func NewID() string {
	return ulid.Make().String()
}

func newEnvelope(topic Topic, eventType, correlationID, responseEvent string, data map[string]any, scope Scope) Envelope {
	return Envelope{
		ID:            NewID(),
		Type:          eventType,
		Topic:         topic,
		CorrelationID: correlationID,
		ResponseEvent: responseEvent,
		Data:          data,
		TenantID:      scope.TenantID,
		UserID:        scope.UserID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewRequest builds a request envelope. Requests always name the event the
// sender expects back.
func NewRequest(eventType string, data map[string]any, responseEvent, correlationID string, scope Scope) (Envelope, error) {
	env := newEnvelope(TopicRequest, eventType, correlationID, responseEvent, data, scope)
	if env.ResponseEvent == "" {
		return Envelope{}, &ValidationError{Field: "response_event", Message: "required on request"}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewResult builds a result envelope correlated to an earlier request.
func NewResult(eventType string, data map[string]any, correlationID string, scope Scope) (Envelope, error) {
	env := newEnvelope(TopicResult, eventType, correlationID, "", data, scope)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewFact builds a fact envelope. The correlation id is optional.
func NewFact(eventType string, data map[string]any, correlationID string, scope Scope) (Envelope, error) {
	env := newEnvelope(TopicFact, eventType, correlationID, "", data, scope)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewSystem builds a control envelope addressed by correlation id.
func NewSystem(eventType string, data map[string]any, correlationID string, scope Scope) (Envelope, error) {
	env := newEnvelope(TopicSystem, eventType, correlationID, "", data, scope)
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the structural invariants of the envelope. Requests and
// results must carry an id, since a goal's id becomes its plan id and
// redeliveries are recognised by it.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "required"}
	}
	if !e.Topic.Valid() {
		return &ValidationError{Field: "topic", Message: fmt.Sprintf("unknown topic %q", e.Topic)}
	}
	if (e.Topic == TopicRequest || e.Topic == TopicResult) && e.CorrelationID == "" {
		return &ValidationError{Field: "correlation_id", Message: "required on " + string(e.Topic)}
	}
	if (e.Topic == TopicRequest || e.Topic == TopicResult) && e.ID == "" {
		return &ValidationError{Field: "id", Message: "required on " + string(e.Topic)}
	}
	return nil
}

// Scope returns the tenant and user tokens carried by the envelope.
func (e Envelope) Scope() Scope {
	return Scope{TenantID: e.TenantID, UserID: e.UserID}
}

// WithData returns a copy of the envelope carrying data.
func (e Envelope) WithData(data map[string]any) Envelope {
	e.Data = data
	return e
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates an envelope from the wire.
func Unmarshal(data []byte) (Envelope, error) {
	return Decode(data, nil)
}

// Decode is Unmarshal with a hook that may complete the envelope before it
// is validated.
func Decode(data []byte, fill func(*Envelope)) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if fill != nil {
		fill(&env)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
