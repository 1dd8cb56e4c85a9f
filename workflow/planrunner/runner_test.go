package planrunner

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/decision"
	"github.com/c360studio/semflow/discovery"
	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// researchGraph searches, then summarizes, then finishes.
func researchGraph() workflow.StateMachine {
	return workflow.StateMachine{
		"start": {DefaultNext: "search"},
		"search": {
			Action: &workflow.Action{
				EventType:     "search.requested",
				ResponseEvent: "search.completed",
				Payload:       map[string]any{"query": "${goal.topic}"},
			},
			Transitions: []workflow.Transition{{OnEvent: "search.completed", ToState: "summarize"}},
		},
		"summarize": {
			Action: &workflow.Action{
				EventType:     "summarize.requested",
				ResponseEvent: "summarize.completed",
				Payload:       map[string]any{"hits": "${event.hits}", "note": "found ${event.hits} hits"},
			},
			Transitions: []workflow.Transition{{OnEvent: "summarize.completed", ToState: "done"}},
		},
		"done": {
			IsTerminal: true,
			Result: map[string]any{
				"summary": "${event.summary}",
				"hits":    "${results.search.completed.hits}",
			},
		},
	}
}

type fixture struct {
	store  *storage.MemoryStore
	repo   *storage.Repository
	rec    *dispatch.Recorder
	runner *Runner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	repo := storage.NewRepository(store)
	rec := dispatch.NewRecorder(nil)
	return &fixture{
		store:  store,
		repo:   repo,
		rec:    rec,
		runner: New(repo, dispatch.New(rec, nil), opts...),
	}
}

func (f *fixture) create(t *testing.T, sm workflow.StateMachine) *workflow.Plan {
	t.Helper()
	plan, err := f.runner.CreatePlan(context.Background(), workflow.PlanSpec{
		ID:                "plan-1",
		GoalEventType:     "research.requested",
		GoalData:          map[string]any{"topic": "jetstream"},
		GoalCorrelationID: "goal-corr",
		ResponseEvent:     "research.completed",
		StateMachine:      sm,
		Scope:             envelope.Scope{TenantID: "acme"},
	})
	require.NoError(t, err)
	return plan
}

func result(t *testing.T, eventType, correlationID string, data map[string]any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.NewResult(eventType, data, correlationID, envelope.Scope{})
	require.NoError(t, err)
	return &env
}

func TestCreatePlan(t *testing.T) {
	f := newFixture(t)
	plan := f.create(t, researchGraph())
	assert.Equal(t, workflow.PlanPending, plan.Status)
	assert.Equal(t, workflow.StartState, plan.CurrentState)

	_, err := f.runner.CreatePlan(context.Background(), workflow.PlanSpec{
		ResponseEvent: "x",
		StateMachine:  workflow.StateMachine{"start": {DefaultNext: "nowhere"}},
	})
	assert.ErrorIs(t, err, workflow.ErrInvalidStateMachine)
}

func TestLinearPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())

	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "search", plan.CurrentState)
	assert.Equal(t, workflow.PlanRunning, plan.Status)

	reqs := f.rec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "search.requested", reqs[0].Type)
	assert.Equal(t, "plan-1", reqs[0].CorrelationID)
	assert.Equal(t, "jetstream", reqs[0].Data["query"])
	assert.Equal(t, "acme", reqs[0].TenantID)

	// An unrelated event is a progress ping.
	plan, err = f.runner.Step(ctx, "plan-1", result(t, "search.progress", "plan-1", nil))
	require.NoError(t, err)
	assert.Equal(t, "search", plan.CurrentState)
	assert.Len(t, f.rec.Requests(), 1)

	plan, err = f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", map[string]any{"hits": 3}))
	require.NoError(t, err)
	assert.Equal(t, "summarize", plan.CurrentState)
	reqs = f.rec.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 3, reqs[1].Data["hits"], "whole-placeholder keeps the raw value")
	assert.Equal(t, "found 3 hits", reqs[1].Data["note"])

	plan, err = f.runner.Step(ctx, "plan-1", result(t, "summarize.completed", "plan-1", map[string]any{"summary": "ok"}))
	require.NoError(t, err)
	assert.Equal(t, "done", plan.CurrentState)
	assert.Equal(t, workflow.PlanCompleted, plan.Status)

	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, "research.completed", resps[0].Type)
	assert.Equal(t, "goal-corr", resps[0].CorrelationID)
	assert.Equal(t, "plan-1", resps[0].Data["plan_id"])
	final := resps[0].Data["result"].(map[string]any)
	assert.Equal(t, "ok", final["summary"])
	assert.Equal(t, float64(3), final["hits"], "stored results come back through the store")

	loaded, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanCompleted, loaded.Status)
	assert.Contains(t, loaded.Results, "search.completed")
	assert.Contains(t, loaded.Results, workflow.ResultFinal)

	// Events after completion change nothing.
	_, err = f.runner.Step(ctx, "plan-1", result(t, "summarize.completed", "plan-1", nil))
	require.NoError(t, err)
	assert.Len(t, f.rec.Responses(), 1)
}

func TestGetNextState_ConditionsInOrder(t *testing.T) {
	sm := workflow.StateMachine{
		"start": {Transitions: []workflow.Transition{
			{OnEvent: "review.completed", ToState: "publish", Condition: "event.approved == true"},
			{OnEvent: "review.completed", ToState: "escalate", Condition: "results.attempts.count >= 2"},
			{OnEvent: "review.completed", ToState: "revise"},
		}},
		"publish":  {IsTerminal: true},
		"escalate": {IsTerminal: true},
		"revise":   {IsTerminal: true},
	}
	f := newFixture(t)
	plan := f.create(t, sm)

	tests := []struct {
		name    string
		event   string
		data    map[string]any
		results map[string]any
		want    string
		ok      bool
	}{
		{name: "approved", event: "review.completed", data: map[string]any{"approved": true}, want: "publish", ok: true},
		{name: "escalated", event: "review.completed", results: map[string]any{"attempts": map[string]any{"count": 2}}, want: "escalate", ok: true},
		{name: "fallback", event: "review.completed", data: map[string]any{"approved": false}, want: "revise", ok: true},
		{name: "other event", event: "review.started", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan.Results = tt.results
			got, ok, err := f.runner.GetNextState(plan, envelope.Envelope{Type: tt.event, Data: tt.data})
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	plan, err := f.runner.Pause(ctx, "plan-1", "needs approval", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanPaused, plan.Status)
	assert.Equal(t, workflow.DefaultResumeEvent, plan.ResumeEvent)

	plan, err = f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", map[string]any{"hits": 1}))
	require.NoError(t, err)
	assert.Equal(t, "search", plan.CurrentState, "paused plans do not advance")
	assert.Len(t, f.rec.Requests(), 1)

	plan, err = f.runner.Resume(ctx, "plan-1", map[string]any{"approved_by": "dana"})
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanRunning, plan.Status)
	assert.Empty(t, plan.PauseReason)
	assert.Equal(t, map[string]any{"approved_by": "dana"}, plan.Results[workflow.ResultUserInput])

	reqs := f.rec.Requests()
	require.Len(t, reqs, 2, "resume re-attempts the current action")
	assert.Equal(t, "search.requested", reqs[1].Type)

	plan, err = f.runner.Resume(ctx, "plan-1", nil)
	require.NoError(t, err, "resuming a running plan is a no-op")
	assert.Len(t, f.rec.Requests(), 2)

	plan, err = f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", map[string]any{"hits": 1}))
	require.NoError(t, err)
	assert.Equal(t, "summarize", plan.CurrentState)
}

func TestResume_MergesUserInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	_, err = f.runner.Pause(ctx, "plan-1", "first", "approval.granted")
	require.NoError(t, err)
	_, err = f.runner.Resume(ctx, "plan-1", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = f.runner.Pause(ctx, "plan-1", "second", "")
	require.NoError(t, err)
	plan, err := f.runner.Resume(ctx, "plan-1", map[string]any{"b": 2})
	require.NoError(t, err)

	input := plan.Results[workflow.ResultUserInput].(map[string]any)
	assert.Len(t, input, 2)
	assert.Equal(t, float64(2), input["b"])
}

func TestPauseFinishedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, workflow.StateMachine{
		"start": {DefaultNext: "done"},
		"done":  {IsTerminal: true},
	})
	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.PlanCompleted, plan.Status, "immediately terminal graph completes")

	_, err = f.runner.Pause(ctx, "plan-1", "late", "")
	assert.ErrorIs(t, err, workflow.ErrPlanFinished)
	_, err = f.runner.Resume(ctx, "plan-1", nil)
	assert.ErrorIs(t, err, workflow.ErrPlanFinished)
}

func TestFinalize_ExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())

	for i := 0; i < 3; i++ {
		plan, err := f.runner.Finalize(ctx, "plan-1", map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, workflow.PlanCompleted, plan.Status)
	}
	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, map[string]any{"n": 0}, resps[0].Data["result"])

	_, err := f.runner.Fail(ctx, "plan-1", errors.New("too late"))
	require.NoError(t, err)
	assert.Len(t, f.rec.Responses(), 1, "fail after finalize is a no-op")
}

func TestFinalize_RespondFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())

	f.rec.FailOn("research.completed", errors.New("down"))
	_, err := f.runner.Finalize(ctx, "plan-1", nil)
	require.Error(t, err)
	loaded, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanPending, loaded.Status, "not persisted as completed")

	f.rec.Heal()
	_, err = f.runner.Finalize(ctx, "plan-1", nil)
	require.NoError(t, err)
	assert.Len(t, f.rec.Responses(), 1)
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.create(t, researchGraph())
	plan.GoalCorrelationID = ""
	require.NoError(t, f.repo.SavePlan(ctx, plan))

	plan, err := f.runner.Fail(ctx, "plan-1", errors.New("agent crashed"))
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanFailed, plan.Status)
	assert.Equal(t, "agent crashed", plan.Error)

	_, err = f.runner.Fail(ctx, "plan-1", errors.New("again"))
	require.NoError(t, err)

	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, "plan-1", resps[0].CorrelationID, "falls back to the plan id")
	assert.Equal(t, "agent crashed", resps[0].Data["error"])
}

func TestDispatchFailureIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())

	f.rec.FailOn("search.requested", errors.New("transport down"))
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.Error(t, err)

	loaded, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StartState, loaded.CurrentState)
	assert.Equal(t, workflow.PlanPending, loaded.Status)

	f.rec.Heal()
	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "search", plan.CurrentState)
	assert.Len(t, f.rec.Requests(), 1)
}

func TestDeterministicUnderRestore(t *testing.T) {
	ctx := context.Background()
	events := []struct {
		typ  string
		data map[string]any
	}{
		{"search.progress", map[string]any{"pct": 50}},
		{"search.completed", map[string]any{"hits": 7}},
		{"summarize.completed", map[string]any{"summary": "fine"}},
	}

	run := func(t *testing.T, restart bool) *workflow.Plan {
		f := newFixture(t)
		f.create(t, researchGraph())
		runner := f.runner
		next := func() *Runner {
			if restart {
				return New(f.repo, dispatch.New(f.rec, nil))
			}
			return runner
		}
		_, err := next().Step(ctx, "plan-1", nil)
		require.NoError(t, err)
		for _, ev := range events {
			_, err := next().Step(ctx, "plan-1", result(t, ev.typ, "plan-1", ev.data))
			require.NoError(t, err)
		}
		plan, err := f.repo.LoadPlan(ctx, "plan-1")
		require.NoError(t, err)
		return plan
	}

	continuous := run(t, false)
	restored := run(t, true)
	diff := cmp.Diff(continuous, restored, cmpopts.IgnoreFields(workflow.Plan{}, "CreatedAt", "UpdatedAt"))
	assert.Empty(t, diff)
	assert.Equal(t, workflow.PlanCompleted, restored.Status)
}

func TestNestedParallelAction(t *testing.T) {
	sm := workflow.StateMachine{
		"start": {DefaultNext: "gather"},
		"gather": {
			Action: &workflow.Action{
				ResponseEvent: "gather.completed",
				Parallel: []workflow.ActionSpec{
					{EventType: "search.web", ResponseEvent: "search.web.done", Payload: map[string]any{"q": "${goal.topic}"}},
					{EventType: "search.docs", ResponseEvent: "search.docs.done"},
					{EventType: "search.code", ResponseEvent: "search.code.done"},
				},
			},
			Transitions: []workflow.Transition{{OnEvent: "gather.completed", ToState: "done"}},
		},
		"done": {IsTerminal: true},
	}
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, sm)

	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	require.Len(t, plan.CorrelationIDs, 1)
	taskID := plan.CorrelationIDs[0]

	owner, err := f.repo.FindPlanByCorrelation(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", owner.ID, "task id routes back to the plan")

	reqs := f.rec.Requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		if r.Type == "search.web" {
			assert.Equal(t, "jetstream", r.Data["q"])
		}
		task, err := f.repo.FindTaskBySubTask(ctx, r.CorrelationID)
		require.NoError(t, err)
		assert.Equal(t, taskID, task.ID)
		assert.Equal(t, "plan-1", task.PlanID)
	}

	tasks := f.runner.Tasks()
	for i, r := range reqs {
		require.NoError(t, tasks.HandleResult(ctx, taskID, r.CorrelationID, map[string]any{"i": i}))
		if i < 2 {
			assert.Empty(t, f.rec.Responses())
		}
	}
	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, "gather.completed", resps[0].Type)
	assert.Equal(t, taskID, resps[0].CorrelationID)

	done := resps[0]
	plan, err = f.runner.Step(ctx, "plan-1", &done)
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanCompleted, plan.Status)
	assert.Contains(t, plan.Results, "gather.completed")

	_, err = f.repo.LoadTask(ctx, taskID)
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)
}

func TestNestedSequenceAction(t *testing.T) {
	sm := workflow.StateMachine{
		"start": {
			Action: &workflow.Action{
				ResponseEvent: "pipeline.completed",
				Sequence: []workflow.ActionSpec{
					{EventType: "fetch", ResponseEvent: "fetch.done"},
					{EventType: "parse", ResponseEvent: "parse.done"},
				},
			},
			Transitions: []workflow.Transition{{OnEvent: "pipeline.completed", ToState: "done"}},
		},
		"done": {IsTerminal: true},
	}
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, sm)

	// The start state's own action is dispatched by the first step.
	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	require.Len(t, plan.CorrelationIDs, 1)
	require.Len(t, f.rec.Requests(), 1)

	// A second step does not start another task while one is open.
	_, err = f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	assert.Len(t, f.rec.Requests(), 1)
}

func TestTaskDeadline(t *testing.T) {
	f := newFixture(t, WithTaskDeadline(time.Hour))
	ctx := context.Background()
	f.create(t, workflow.StateMachine{
		"start": {
			Action: &workflow.Action{
				ResponseEvent: "both.done",
				Parallel: []workflow.ActionSpec{
					{EventType: "a", ResponseEvent: "a.done"},
					{EventType: "b", ResponseEvent: "b.done"},
				},
			},
			Transitions: []workflow.Transition{{OnEvent: "both.done", ToState: "done"}},
		},
		"done": {IsTerminal: true},
	})
	plan, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	task, err := f.repo.LoadTask(ctx, plan.CorrelationIDs[0])
	require.NoError(t, err)
	require.NotNil(t, task.Deadline)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *task.Deadline, time.Minute)
}

// gatherGraph searches, then fans out into a nested gather state.
func gatherGraph() workflow.StateMachine {
	return workflow.StateMachine{
		"start": {DefaultNext: "search"},
		"search": {
			Action: &workflow.Action{
				EventType:     "search.requested",
				ResponseEvent: "search.completed",
			},
			Transitions: []workflow.Transition{{OnEvent: "search.completed", ToState: "gather"}},
		},
		"gather": {
			Action: &workflow.Action{
				ResponseEvent: "gather.completed",
				Parallel: []workflow.ActionSpec{
					{EventType: "fetch.web", ResponseEvent: "fetch.web.done"},
					{EventType: "fetch.docs", ResponseEvent: "fetch.docs.done"},
				},
			},
			Transitions: []workflow.Transition{{OnEvent: "gather.completed", ToState: "done"}},
		},
		"done": {IsTerminal: true},
	}
}

// faultyStore fails the next save of each kind whose counter is positive.
type faultyStore struct {
	storage.Store
	taskFaults atomic.Int32
	// planFault fails the first plan save that matches.
	planFault func(storage.Record) bool
}

func (s *faultyStore) Save(ctx context.Context, rec storage.Record) error {
	if rec.Kind == storage.KindTask && s.taskFaults.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	if rec.Kind == storage.KindPlan && s.planFault != nil && s.planFault(rec) {
		s.planFault = nil
		return errors.New("store unavailable")
	}
	return s.Store.Save(ctx, rec)
}

func newFaultyFixture(t *testing.T, store *faultyStore) *fixture {
	t.Helper()
	repo := storage.NewRepository(store)
	rec := dispatch.NewRecorder(nil)
	return &fixture{
		repo:   repo,
		rec:    rec,
		runner: New(repo, dispatch.New(rec, nil)),
	}
}

func TestNestedEntry_TaskWriteFailureIsRetried(t *testing.T) {
	store := &faultyStore{Store: storage.NewMemoryStore()}
	f := newFaultyFixture(t, store)
	ctx := context.Background()
	f.create(t, gatherGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	store.taskFaults.Store(1)
	trigger := result(t, "search.completed", "plan-1", map[string]any{"hits": 2})
	_, err = f.runner.Step(ctx, "plan-1", trigger)
	require.ErrorContains(t, err, "store unavailable")

	plan, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "search", plan.CurrentState, "plan does not move before its task is stored")
	assert.Len(t, f.rec.Requests(), 1)

	// Redelivery of the same trigger completes the entry.
	plan, err = f.runner.Step(ctx, "plan-1", trigger)
	require.NoError(t, err)
	assert.Equal(t, "gather", plan.CurrentState)

	tasks, err := f.repo.ListTasks(ctx, storage.Filter{OwnerID: "plan-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].Pending(), 2)
	assert.True(t, plan.Owns(tasks[0].ID))
	assert.Len(t, f.rec.Requests(), 3, "search plus both fetches")
}

func TestNestedEntry_PlanWriteFailureAdoptsTask(t *testing.T) {
	store := &faultyStore{Store: storage.NewMemoryStore()}
	f := newFaultyFixture(t, store)
	ctx := context.Background()
	f.create(t, gatherGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	store.planFault = func(rec storage.Record) bool {
		return bytes.Contains(rec.Data, []byte(`"current_state":"gather"`))
	}
	trigger := result(t, "search.completed", "plan-1", map[string]any{"hits": 2})
	_, err = f.runner.Step(ctx, "plan-1", trigger)
	require.Error(t, err)
	require.Len(t, f.rec.Requests(), 3, "task stored and dispatched")

	plan, err := f.runner.Step(ctx, "plan-1", trigger)
	require.NoError(t, err)
	assert.Equal(t, "gather", plan.CurrentState)
	assert.Len(t, plan.CorrelationIDs, 1)
	assert.Len(t, f.rec.Requests(), 3, "no second task")

	tasks, err := f.repo.ListTasks(ctx, storage.Filter{OwnerID: "plan-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, plan.CorrelationIDs[0], tasks[0].ID)
}

func TestNestedTaskFailureFailsPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, gatherGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)
	plan, err := f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", nil))
	require.NoError(t, err)
	taskID := plan.CorrelationIDs[0]

	require.NoError(t, f.runner.Tasks().Fail(ctx, taskID, "sub-task fetch.web exhausted 3 attempts"))
	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	failure := resps[0]
	assert.Equal(t, "gather.completed", failure.Type)

	plan, err = f.runner.Step(ctx, "plan-1", &failure)
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanFailed, plan.Status)
	assert.Equal(t, "gather", plan.CurrentState, "success transition not taken")
	assert.Contains(t, plan.Error, "exhausted 3 attempts")

	resps = f.rec.ByType("research.completed")
	require.Len(t, resps, 1)
	assert.Equal(t, "goal-corr", resps[0].CorrelationID)
	assert.Contains(t, resps[0].Data["error"], "task failed")
	assert.NotContains(t, resps[0].Data, "result")
}

func TestTaskResultWithErrorFieldFromAgentIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, researchGraph())
	_, err := f.runner.Step(ctx, "plan-1", nil)
	require.NoError(t, err)

	// A flat action's result is correlated to the plan id, not a task id.
	plan, err := f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", map[string]any{"error": "no hits", "task_id": "plan-1"}))
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanRunning, plan.Status)
	assert.Equal(t, "summarize", plan.CurrentState)
}

func dynamicGraph() workflow.StateMachine {
	return workflow.StateMachine{
		"start": {
			Dynamic: true,
			Transitions: []workflow.Transition{
				{OnEvent: "triage.escalate", ToState: "escalated"},
			},
		},
		"escalated": {IsTerminal: true},
	}
}

func available() discovery.Registry {
	return discovery.NewStaticRegistry(
		discovery.Capability{EventType: "search.requested", ResponseEvent: "search.completed"},
	)
}

func TestDynamicState_Dispatch(t *testing.T) {
	var seen decision.Trigger
	src := decision.SourceFunc(func(_ context.Context, tr decision.Trigger, caps []discovery.Capability) (decision.Decision, error) {
		seen = tr
		require.Len(t, caps, 1)
		return decision.Decision{
			Kind:          decision.KindDispatch,
			EventType:     "search.requested",
			ResponseEvent: "search.completed",
			Payload:       map[string]any{"q": "${event.question}"},
		}, nil
	})
	f := newFixture(t, WithDecisionSource(src, available()))
	ctx := context.Background()
	f.create(t, dynamicGraph())

	plan, err := f.runner.Step(ctx, "plan-1", result(t, "user.asked", "plan-1", map[string]any{"question": "why"}))
	require.NoError(t, err)
	assert.Equal(t, "start", plan.CurrentState, "dynamic dispatch stays in the state")
	assert.Equal(t, workflow.PlanRunning, plan.Status)
	assert.Equal(t, "user.asked", seen.EventType)
	assert.Equal(t, "jetstream", seen.Goal["topic"])

	reqs := f.rec.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "why", reqs[0].Data["q"])
	assert.Equal(t, "plan-1", reqs[0].CorrelationID)

	// Static transitions still win over the decision source.
	plan, err = f.runner.Step(ctx, "plan-1", result(t, "triage.escalate", "plan-1", nil))
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanCompleted, plan.Status)
}

func TestDynamicState_Complete(t *testing.T) {
	src := decision.SourceFunc(func(context.Context, decision.Trigger, []discovery.Capability) (decision.Decision, error) {
		return decision.Decision{Kind: decision.KindComplete, Result: map[string]any{"answer": 42}}, nil
	})
	f := newFixture(t, WithDecisionSource(src, nil))
	ctx := context.Background()
	f.create(t, dynamicGraph())

	plan, err := f.runner.Step(ctx, "plan-1", result(t, "search.completed", "plan-1", nil))
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanCompleted, plan.Status)
	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, map[string]any{"answer": 42}, resps[0].Data["result"])
}

func TestDynamicState_Wait(t *testing.T) {
	src := decision.SourceFunc(func(context.Context, decision.Trigger, []discovery.Capability) (decision.Decision, error) {
		return decision.Decision{Kind: decision.KindWait}, nil
	})
	f := newFixture(t, WithDecisionSource(src, available()))
	ctx := context.Background()
	f.create(t, dynamicGraph())

	plan, err := f.runner.Step(ctx, "plan-1", result(t, "noise", "plan-1", nil))
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanPending, plan.Status)
	assert.Empty(t, f.rec.All())
}

func TestDynamicState_InvalidDecisionFailsPlan(t *testing.T) {
	src := decision.SourceFunc(func(context.Context, decision.Trigger, []discovery.Capability) (decision.Decision, error) {
		return decision.Decision{Kind: decision.KindDispatch, EventType: "rm.rf", ResponseEvent: "rm.done"}, nil
	})
	f := newFixture(t, WithDecisionSource(src, available()))
	ctx := context.Background()
	f.create(t, dynamicGraph())

	_, err := f.runner.Step(ctx, "plan-1", result(t, "user.asked", "plan-1", nil))
	require.ErrorIs(t, err, decision.ErrInvalidDecision)

	loaded, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanFailed, loaded.Status)
	assert.Empty(t, f.rec.Requests(), "nothing dispatched for an invalid decision")
	resps := f.rec.Responses()
	require.Len(t, resps, 1)
	assert.Contains(t, resps[0].Data["error"], "rm.rf")
}

func TestDynamicState_SourceErrorPropagates(t *testing.T) {
	boom := errors.New("llm unavailable")
	src := decision.SourceFunc(func(context.Context, decision.Trigger, []discovery.Capability) (decision.Decision, error) {
		return decision.Decision{}, boom
	})
	f := newFixture(t, WithDecisionSource(src, available()))
	ctx := context.Background()
	f.create(t, dynamicGraph())

	_, err := f.runner.Step(ctx, "plan-1", result(t, "user.asked", "plan-1", nil))
	require.ErrorIs(t, err, boom)
	loaded, err := f.repo.LoadPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanPending, loaded.Status, "transport errors leave the plan for redelivery")
}

func TestLifecycleFacts(t *testing.T) {
	f := newFixture(t, WithLifecycleSignals(true))
	ctx := context.Background()
	f.create(t, researchGraph())
	_, err := f.runner.Pause(ctx, "plan-1", "hold", "")
	require.NoError(t, err)
	_, err = f.runner.Resume(ctx, "plan-1", nil)
	require.NoError(t, err)
	_, err = f.runner.Fail(ctx, "plan-1", errors.New("stop"))
	require.NoError(t, err)

	var types []string
	for _, fact := range f.rec.Facts() {
		types = append(types, fact.Type)
		assert.Equal(t, "plan-1", fact.Data["plan_id"])
		assert.Empty(t, fact.CorrelationID)
	}
	assert.Equal(t, []string{FactPlanStarted, FactPlanPaused, FactPlanResumed, FactPlanFailed}, types)
}

func TestLifecycleFactFailureIsIgnored(t *testing.T) {
	f := newFixture(t, WithLifecycleSignals(true))
	f.rec.FailOn(FactPlanStarted, errors.New("down"))
	f.create(t, researchGraph())
	assert.Empty(t, f.rec.Facts())
}
