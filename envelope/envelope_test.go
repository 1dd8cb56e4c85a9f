package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_RequiresResponseEvent(t *testing.T) {
	_, err := NewRequest("search.requested", nil, "", "plan-1", Scope{})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "response_event", verr.Field)
}

func TestNewRequest_CarriesScope(t *testing.T) {
	env, err := NewRequest("search.requested", map[string]any{"q": "go"}, "search.completed", "plan-1",
		Scope{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, TopicRequest, env.Topic)
	assert.Equal(t, "plan-1", env.CorrelationID)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, Scope{TenantID: "t1", UserID: "u1"}, env.Scope())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "missing type", env: Envelope{Topic: TopicFact}, wantErr: "type"},
		{name: "unknown topic", env: Envelope{Type: "x", Topic: "bogus"}, wantErr: "topic"},
		{name: "result without correlation", env: Envelope{Type: "x", Topic: TopicResult}, wantErr: "correlation_id"},
		{name: "request without correlation", env: Envelope{Type: "x", Topic: TopicRequest}, wantErr: "correlation_id"},
		{name: "result without id", env: Envelope{Type: "x", Topic: TopicResult, CorrelationID: "p"}, wantErr: "id"},
		{name: "request without id", env: Envelope{Type: "x", Topic: TopicRequest, CorrelationID: "p"}, wantErr: "id"},
		{name: "result with id", env: Envelope{ID: "e1", Type: "x", Topic: TopicResult, CorrelationID: "p"}},
		{name: "fact without correlation is fine", env: Envelope{Type: "x", Topic: TopicFact}},
		{name: "system with correlation", env: Envelope{Type: "plan.pause", Topic: TopicSystem, CorrelationID: "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	env, err := NewResult("search.completed", map[string]any{"hits": float64(3)}, "plan-1", Scope{TenantID: "t"})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Data, got.Data)
	assert.True(t, env.Timestamp.Equal(got.Timestamp))

	_, err = Unmarshal([]byte(`{"type":"x","topic":"result"}`))
	assert.Error(t, err)
}

func TestUnmarshal_RequiresID(t *testing.T) {
	goal := []byte(`{"type":"research.requested","topic":"request","correlation_id":"c1","response_event":"research.completed"}`)
	_, err := Unmarshal(goal)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	env, err := Decode(goal, func(e *Envelope) { e.ID = "goal-1" })
	require.NoError(t, err)
	assert.Equal(t, "goal-1", env.ID)
}

func TestWithData_DoesNotMutateOriginal(t *testing.T) {
	env, err := NewFact("plan.started", map[string]any{"a": 1}, "", Scope{})
	require.NoError(t, err)

	other := env.WithData(map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1}, env.Data)
	assert.Equal(t, map[string]any{"b": 2}, other.Data)
}

func TestSubjects(t *testing.T) {
	env := Envelope{Type: "search.completed", Topic: TopicResult, CorrelationID: "p"}
	assert.Equal(t, "semflow.result.search.completed", env.Subject(""))
	assert.Equal(t, "acme.result.search.completed", env.Subject("acme"))
	assert.Equal(t, "acme.>", WildcardSubject("acme"))

	topic, eventType, err := ParseSubject("acme", "acme.result.search.completed")
	require.NoError(t, err)
	assert.Equal(t, TopicResult, topic)
	assert.Equal(t, "search.completed", eventType)

	_, _, err = ParseSubject("acme", "other.result.x")
	assert.Error(t, err)
	_, _, err = ParseSubject("acme", "acme.bogus.x")
	assert.Error(t, err)
	_, _, err = ParseSubject("acme", "acme.result")
	assert.Error(t, err)
}

func TestHandlerTable(t *testing.T) {
	table := NewHandlerTable()
	called := 0
	h := func(context.Context, Envelope) error { called++; return nil }

	require.NoError(t, table.Register(TopicRequest, "research.requested", h))
	assert.Error(t, table.Register(TopicRequest, "research.requested", h), "duplicate registration")
	assert.Error(t, table.Register("bogus", "x", h))
	assert.Error(t, table.Register(TopicRequest, "", h))
	assert.Error(t, table.Register(TopicRequest, "y", nil))

	got, ok := table.Lookup(TopicRequest, "research.requested")
	require.True(t, ok)
	require.NoError(t, got(context.Background(), Envelope{}))
	assert.Equal(t, 1, called)

	_, ok = table.Lookup(TopicResult, "research.requested")
	assert.False(t, ok, "topic is part of the key")

	assert.Equal(t, []string{"request/research.requested"}, table.Keys())

	table.Remove(TopicRequest, "research.requested")
	_, ok = table.Lookup(TopicRequest, "research.requested")
	assert.False(t, ok)
}
