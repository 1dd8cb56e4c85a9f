package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/workflow"
)

const researchYAML = `
name: research
description: Search then summarize
goal_event: research.requested
response_event: research.completed
states:
  start:
    default_next: search
  search:
    action:
      event_type: search.requested
      response_event: search.completed
      payload:
        query: ${goal.topic}
    transitions:
      - on: search.completed
        to: done
        if: event.hits > 0
      - on: search.completed
        to: failed
  done:
    terminal: true
    result:
      hits: ${event.hits}
  failed:
    terminal: true
`

const fanoutYAML = `
name: fanout
goal_event: fanout.requested
response_event: fanout.completed
states:
  start:
    action:
      response_event: gather.completed
      parallel:
        - event_type: search.web
          response_event: search.web.done
        - event_type: search.docs
          response_event: search.docs.done
    transitions:
      - on: gather.completed
        to: done
  done:
    terminal: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate([]byte(researchYAML), "research.yaml")
	require.NoError(t, err)

	assert.Equal(t, "research", tpl.Name)
	assert.Equal(t, "research.requested", tpl.GoalEvent)
	assert.Equal(t, "research.yaml", tpl.Source)

	search := tpl.StateMachine["search"]
	assert.Equal(t, "search", search.Name, "names are filled from keys")
	require.Len(t, search.Transitions, 2)
	assert.Equal(t, "search.completed", search.Transitions[0].OnEvent)
	assert.Equal(t, "event.hits > 0", search.Transitions[0].Condition)
	assert.Equal(t, "${goal.topic}", search.Action.Payload["query"])
	assert.True(t, tpl.StateMachine["done"].IsTerminal)
}

func TestParseTemplate_Nested(t *testing.T) {
	tpl, err := ParseTemplate([]byte(fanoutYAML), "fanout.yaml")
	require.NoError(t, err)
	action := tpl.StateMachine["start"].Action
	require.NotNil(t, action)
	assert.True(t, action.Nested())
	assert.Len(t, action.Parallel, 2)
}

func TestParseTemplate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "malformed", yaml: "name: [x"},
		{name: "missing goal", yaml: "name: x\nresponse_event: y\nstates:\n  start:\n    terminal: true\n"},
		{name: "bad graph", yaml: "name: x\ngoal_event: g\nresponse_event: y\nstates:\n  start:\n    default_next: nowhere\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(tt.yaml), tt.name)
			assert.Error(t, err)
		})
	}

	_, err := ParseTemplate([]byte("name: x\ngoal_event: g\nresponse_event: y\nstates:\n  start:\n    default_next: nowhere\n"), "x")
	assert.ErrorIs(t, err, workflow.ErrInvalidStateMachine)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "research.yaml", researchYAML)
	writeFile(t, dir, "nested/fanout.yml", fanoutYAML)
	writeFile(t, dir, "README.md", "not a template")

	c, err := Load(dir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	tpl, ok := c.Get("fanout.requested")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "nested", "fanout.yml"), tpl.Source)

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "fanout.requested", all[0].GoalEvent)

	_, ok = c.Get("unknown")
	assert.False(t, ok)
}

func TestLoad_DuplicateGoal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", researchYAML)
	writeFile(t, dir, "b.yaml", researchYAML)
	_, err := Load(dir, "", nil)
	assert.ErrorContains(t, err, "research.requested")
}

func TestReload_FailureKeepsPreviousSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "research.yaml", researchYAML)
	c, err := Load(dir, "", nil)
	require.NoError(t, err)

	writeFile(t, dir, "broken.yaml", "name: [")
	assert.Error(t, c.Reload())
	assert.Equal(t, 1, c.Len())
}

func TestAdd(t *testing.T) {
	c := New(t.TempDir(), "", nil)
	tpl, err := ParseTemplate([]byte(researchYAML), "inline")
	require.NoError(t, err)
	require.NoError(t, c.Add(tpl))
	assert.Equal(t, 1, c.Len())
	assert.Error(t, c.Add(Template{Name: "bad"}))
}

func TestMatch(t *testing.T) {
	c := New(".", "", nil)
	assert.True(t, c.Match("a.yaml"))
	assert.True(t, c.Match("deep/er/b.yml"))
	assert.False(t, c.Match("c.json"))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "research.yaml", researchYAML)
	c, err := Load(dir, "", nil)
	require.NoError(t, err)

	changes := make(chan []Template, 4)
	w, err := NewWatcher(c, 20*time.Millisecond, func(ts []Template) { changes <- ts })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	writeFile(t, dir, "fanout.yaml", fanoutYAML)

	select {
	case ts := <-changes:
		assert.Len(t, ts, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after adding a template")
	}
	_, ok := c.Get("fanout.requested")
	assert.True(t, ok)
}
