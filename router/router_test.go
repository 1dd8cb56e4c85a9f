package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

func linearMachine() workflow.StateMachine {
	return workflow.StateMachine{
		"start": {DefaultNext: "done"},
		"done":  {IsTerminal: true},
	}
}

func seed(t *testing.T, repo *storage.Repository) {
	t.Helper()
	ctx := context.Background()

	plan, err := workflow.NewPlan(workflow.PlanSpec{
		ID:            "plan-1",
		ResponseEvent: "goal.done",
		StateMachine:  linearMachine(),
	})
	require.NoError(t, err)
	plan.AddCorrelationID("task-1")
	require.NoError(t, repo.SavePlan(ctx, plan))

	task, err := workflow.NewTask(workflow.TaskSpec{ID: "task-1", PlanID: "plan-1", ResponseEvent: "fanout.done"})
	require.NoError(t, err)
	task.SubTasks["sub-a"] = &workflow.SubTaskInfo{SubTaskID: "sub-a", EventType: "a", ResponseEvent: "a.done", Status: workflow.SubTaskPending}
	require.NoError(t, repo.SaveTask(ctx, task))
}

func result(t *testing.T, cid string) envelope.Envelope {
	t.Helper()
	env, err := envelope.NewResult("x.done", nil, cid, envelope.Scope{})
	require.NoError(t, err)
	return env
}

func TestResolve(t *testing.T) {
	repo := storage.NewRepository(storage.NewMemoryStore())
	seed(t, repo)
	r := New(repo, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		cid  string
		want Route
	}{
		{"plan id", "plan-1", Route{Kind: KindPlan, PlanID: "plan-1"}},
		{"historical correlation id wins over task", "task-1", Route{Kind: KindPlan, PlanID: "plan-1"}},
		{"sub-task id", "sub-a", Route{Kind: KindTask, PlanID: "plan-1", TaskID: "task-1", SubTaskID: "sub-a"}},
		{"unknown", "nobody", Route{Kind: KindNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, result(t, tt.cid))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_NotRoutable(t *testing.T) {
	repo := storage.NewRepository(storage.NewMemoryStore())
	seed(t, repo)
	r := New(repo, nil)

	req, err := envelope.NewRequest("x", nil, "x.done", "plan-1", envelope.Scope{})
	require.NoError(t, err)
	got, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, KindNone, got.Kind, "requests are matched by the handler table")

	fact, err := envelope.NewFact("y", nil, "", envelope.Scope{})
	require.NoError(t, err)
	got, err = r.Resolve(context.Background(), fact)
	require.NoError(t, err)
	assert.Equal(t, KindNone, got.Kind)
}

type brokenStore struct{ storage.Store }

func (brokenStore) GetByCorrelation(context.Context, storage.Kind, string) (storage.Record, error) {
	return storage.Record{}, errors.New("connection reset")
}

func TestResolve_StorageFailurePropagates(t *testing.T) {
	r := New(storage.NewRepository(brokenStore{storage.NewMemoryStore()}), nil)
	_, err := r.Resolve(context.Background(), result(t, "plan-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
