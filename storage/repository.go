package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/semflow/workflow"
)

// Task record status values used for filtering.
const (
	TaskStatusPending  = "pending"
	TaskStatusComplete = "complete"
)

// Repository gives typed access to plans and tasks over a Store.
type Repository struct {
	store Store
}

// NewRepository wraps store.
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() Store { return r.store }

// SavePlan bumps the plan version and persists it.
func (r *Repository) SavePlan(ctx context.Context, p *workflow.Plan) error {
	p.Touch()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	rec := Record{
		Kind:           KindPlan,
		ID:             p.ID,
		SessionID:      p.SessionID,
		OwnerID:        p.ParentPlanID,
		Status:         string(p.Status),
		CorrelationIDs: p.CorrelationIDs,
		Data:           data,
		UpdatedAt:      p.UpdatedAt,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

// LoadPlan reads a plan by id.
func (r *Repository) LoadPlan(ctx context.Context, id string) (*workflow.Plan, error) {
	rec, err := r.store.Get(ctx, KindPlan, id)
	if err != nil {
		return nil, planErr(id, err)
	}
	return decodePlan(rec)
}

// FindPlanByCorrelation reads the plan answering to correlationID, either its
// own id or one of its historical correlation ids.
func (r *Repository) FindPlanByCorrelation(ctx context.Context, correlationID string) (*workflow.Plan, error) {
	rec, err := r.store.GetByCorrelation(ctx, KindPlan, correlationID)
	if err != nil {
		return nil, planErr(correlationID, err)
	}
	return decodePlan(rec)
}

// ListPlans returns plans passing filter, ordered by id.
func (r *Repository) ListPlans(ctx context.Context, filter Filter) ([]*workflow.Plan, error) {
	recs, err := r.store.List(ctx, KindPlan, filter)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	plans := make([]*workflow.Plan, 0, len(recs))
	for _, rec := range recs {
		p, err := decodePlan(rec)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// DeletePlan removes a plan. Plans are never deleted by the runners.
func (r *Repository) DeletePlan(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, KindPlan, id); err != nil {
		return fmt.Errorf("delete plan %s: %w", id, err)
	}
	return nil
}

// SaveTask bumps the task version and persists it, indexing every sub-task
// id as a correlation id.
func (r *Repository) SaveTask(ctx context.Context, t *workflow.Task) error {
	t.Touch()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	status := TaskStatusComplete
	if !t.IsComplete() {
		status = TaskStatusPending
	}
	rec := Record{
		Kind:           KindTask,
		ID:             t.ID,
		OwnerID:        t.PlanID,
		Status:         status,
		CorrelationIDs: t.SubTaskIDs(),
		Data:           data,
		UpdatedAt:      t.UpdatedAt,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask reads a task by id.
func (r *Repository) LoadTask(ctx context.Context, id string) (*workflow.Task, error) {
	rec, err := r.store.Get(ctx, KindTask, id)
	if err != nil {
		return nil, taskErr(id, err)
	}
	return decodeTask(rec)
}

// FindTaskBySubTask reads the task owning subTaskID.
func (r *Repository) FindTaskBySubTask(ctx context.Context, subTaskID string) (*workflow.Task, error) {
	rec, err := r.store.GetByCorrelation(ctx, KindTask, subTaskID)
	if err != nil {
		return nil, taskErr(subTaskID, err)
	}
	if rec.ID == subTaskID {
		// A task id is not a sub-task id.
		return nil, taskErr(subTaskID, ErrNotFound)
	}
	return decodeTask(rec)
}

// ListTasks returns tasks passing filter, ordered by id.
func (r *Repository) ListTasks(ctx context.Context, filter Filter) ([]*workflow.Task, error) {
	recs, err := r.store.List(ctx, KindTask, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*workflow.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := decodeTask(rec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteTask removes a task and its sub-task index entries.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, KindTask, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// IsNotFound reports whether err is a plan, task or record miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, workflow.ErrPlanNotFound) ||
		errors.Is(err, workflow.ErrTaskNotFound)
}

func planErr(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("plan %s: %w: %w", id, workflow.ErrPlanNotFound, ErrNotFound)
	}
	return fmt.Errorf("load plan %s: %w", id, err)
}

func taskErr(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("task %s: %w: %w", id, workflow.ErrTaskNotFound, ErrNotFound)
	}
	return fmt.Errorf("load task %s: %w", id, err)
}

func decodePlan(rec Record) (*workflow.Plan, error) {
	var p workflow.Plan
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", rec.ID, err)
	}
	return &p, nil
}

func decodeTask(rec Record) (*workflow.Task, error) {
	var t workflow.Task
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", rec.ID, err)
	}
	if t.SubTasks == nil {
		t.SubTasks = make(map[string]*workflow.SubTaskInfo)
	}
	if t.State == nil {
		t.State = make(map[string]any)
	}
	return &t, nil
}
