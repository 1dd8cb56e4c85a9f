package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	plan := &Plan{
		ID:           "plan-1",
		CurrentState: "search",
		GoalData:     map[string]any{"topic": "go", "limit": float64(5)},
		Results: map[string]any{
			"search.completed": map[string]any{"hits": []any{"a", "b"}},
		},
	}
	vars := TemplateScope(plan, map[string]any{"score": 0.5})

	payload := map[string]any{
		"query":   "${goal.topic}",
		"limit":   "${goal.limit}",
		"hits":    "${results.search.completed.hits}",
		"title":   "topic=${goal.topic} plan=${plan.id}",
		"missing": "${goal.nope}",
		"default": "${goal.nope:-fallback}",
		"inline":  "x=${goal.nope:-none}",
		"nested":  map[string]any{"score": "${event.score}"},
		"list":    []any{"${plan.state}", 3},
		"plain":   "no placeholders",
	}

	got := RenderMap(payload, vars)

	assert.Equal(t, "go", got["query"])
	assert.Equal(t, float64(5), got["limit"])
	assert.Equal(t, []any{"a", "b"}, got["hits"])
	assert.Equal(t, "topic=go plan=plan-1", got["title"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, "fallback", got["default"])
	assert.Equal(t, "x=none", got["inline"])
	assert.Equal(t, map[string]any{"score": 0.5}, got["nested"])
	assert.Equal(t, []any{"search", 3}, got["list"])
	assert.Equal(t, "no placeholders", got["plain"])

	// The input is left untouched.
	assert.Equal(t, "${goal.topic}", payload["query"])
	assert.Nil(t, RenderMap(nil, vars))
}
