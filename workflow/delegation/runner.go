// Package delegation runs tasks: units of work that fan out to one or more
// sub-requests and resume once their results are in.
//
// Every operation reloads the task from storage, so a runner keeps no
// in-memory state between calls and any replica can handle any result.
// New sub-tasks are persisted before their request is dispatched; a result
// can therefore never arrive for a sub-task the store does not know.
package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// SubRequest is one request a task delegates.
type SubRequest struct {
	EventType     string         `json:"event_type"`
	ResponseEvent string         `json:"response_event"`
	Data          map[string]any `json:"data,omitempty"`
}

func (s SubRequest) validate() error {
	if s.EventType == "" {
		return &workflow.ValidationError{Field: "event_type", Message: "required"}
	}
	if s.ResponseEvent == "" {
		return &workflow.ValidationError{Field: "response_event", Message: "required"}
	}
	return nil
}

// ResultHandler decides what happens after a sub-task result was recorded.
// It receives the freshly saved task and the sub-task the result was for.
type ResultHandler func(ctx context.Context, r *Runner, task *workflow.Task, sub *workflow.SubTaskInfo) error

// Runner implements task delegation over a repository and a dispatch port.
type Runner struct {
	repo   *storage.Repository
	port   dispatch.Port
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]ResultHandler
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDGenerator replaces the uuid generator used for task, sub-task and
// group ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHandler registers a custom result handler under name.
func WithHandler(name string, h ResultHandler) Option {
	return func(r *Runner) {
		r.handlers[name] = h
	}
}

// New creates a Runner with the aggregate and sequence handlers installed.
func New(repo *storage.Repository, port dispatch.Port, opts ...Option) *Runner {
	r := &Runner{
		repo:   repo,
		port:   port,
		logger: slog.Default(),
		newID:  func() string { return uuid.New().String() },
		now:    func() time.Time { return time.Now().UTC() },
		handlers: map[string]ResultHandler{
			workflow.HandlerAggregate: aggregateHandler,
			workflow.HandlerSequence:  sequenceHandler,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler installs or replaces a result handler.
func (r *Runner) RegisterHandler(name string, h ResultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (ResultHandler, bool) {
	if name == "" {
		name = workflow.HandlerAggregate
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// NewID mints an id with the runner's generator.
func (r *Runner) NewID() string { return r.newID() }

// CreateTask persists a new task. An empty spec id is minted.
func (r *Runner) CreateTask(ctx context.Context, spec workflow.TaskSpec) (*workflow.Task, error) {
	if spec.ID == "" {
		spec.ID = r.newID()
	}
	task, err := workflow.NewTask(spec)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := r.repo.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	r.logger.Debug("Created task", "task_id", task.ID, "plan_id", task.PlanID, "handler", task.Handler)
	return task, nil
}

// LoadTask reads a task.
func (r *Runner) LoadTask(ctx context.Context, taskID string) (*workflow.Task, error) {
	return r.repo.LoadTask(ctx, taskID)
}

// Delegate adds one pending sub-task, persists the task, then dispatches the
// request under the sub-task id. The sub-task id is returned even when the
// dispatch fails, since the sub-task is already durable.
func (r *Runner) Delegate(ctx context.Context, taskID string, req SubRequest) (string, error) {
	ids, err := r.delegateTo(ctx, taskID, []SubRequest{req}, "")
	if len(ids) == 0 {
		return "", err
	}
	return ids[0], err
}

// DelegateParallel adds every request as a pending sub-task of one new
// parallel group, persists once, then dispatches them concurrently. The
// first dispatch error is returned.
func (r *Runner) DelegateParallel(ctx context.Context, taskID string, reqs []SubRequest) (string, error) {
	if len(reqs) == 0 {
		return "", &workflow.ValidationError{Field: "requests", Message: "at least one required"}
	}
	groupID := r.newID()
	_, err := r.delegateTo(ctx, taskID, reqs, groupID)
	return groupID, err
}

func (r *Runner) delegateTo(ctx context.Context, taskID string, reqs []SubRequest, groupID string) ([]string, error) {
	if err := validateAll(reqs); err != nil {
		return nil, fmt.Errorf("delegate from task %s: %w", taskID, err)
	}
	task, err := r.repo.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	ids, _, err := r.delegate(ctx, task, reqs, groupID, nil)
	return ids, err
}

func validateAll(reqs []SubRequest) error {
	for _, req := range reqs {
		if err := req.validate(); err != nil {
			return err
		}
	}
	return nil
}

// delegate inserts reqs as pending sub-tasks of task, applies mutate, saves,
// and only then dispatches. saved reports whether the task reached the
// store, so callers can tell a lost write from a lost dispatch.
func (r *Runner) delegate(ctx context.Context, task *workflow.Task, reqs []SubRequest, groupID string, mutate func(*workflow.Task)) (ids []string, saved bool, err error) {
	now := r.now()
	ids = make([]string, len(reqs))
	out := make([]dispatch.Request, len(reqs))
	for i, req := range reqs {
		id := r.newID()
		ids[i] = id
		task.SubTasks[id] = &workflow.SubTaskInfo{
			SubTaskID:       id,
			EventType:       req.EventType,
			ResponseEvent:   req.ResponseEvent,
			Status:          workflow.SubTaskPending,
			ParallelGroupID: groupID,
			Data:            req.Data,
			Attempts:        1,
			// Sub-tasks of one group sort in request order.
			CreatedAt:     now.Add(time.Duration(i)),
			LastAttemptAt: now,
		}
		out[i] = dispatch.Request{
			EventType:     req.EventType,
			ResponseEvent: req.ResponseEvent,
			CorrelationID: id,
			Data:          req.Data,
			Scope:         task.Scope(),
		}
	}
	if mutate != nil {
		mutate(task)
	}

	if err := r.repo.SaveTask(ctx, task); err != nil {
		return nil, false, err
	}

	if len(out) == 1 {
		_, err = r.port.Request(ctx, out[0])
	} else {
		_, err = dispatch.RequestAll(ctx, r.port, out)
	}
	if err != nil {
		r.logger.Warn("Sub-task dispatch failed, left pending for redispatch",
			"task_id", task.ID, "sub_task_ids", ids, "error", err)
		return ids, true, fmt.Errorf("dispatch sub-tasks of task %s: %w", task.ID, err)
	}

	metrics.SubTasksTotal.WithLabelValues("dispatched").Add(float64(len(ids)))
	r.logger.Debug("Delegated sub-tasks",
		"task_id", task.ID, "group_id", groupID, "sub_task_ids", ids)
	return ids, true, nil
}

// UpdateSubTaskResult records the result of a sub-task. A sub-task that is
// already completed is left unchanged and false is returned.
func (r *Runner) UpdateSubTaskResult(ctx context.Context, taskID, subTaskID string, result map[string]any) (*workflow.Task, bool, error) {
	task, err := r.repo.LoadTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	sub, ok := task.SubTasks[subTaskID]
	if !ok {
		return nil, false, fmt.Errorf("task %s: %s: %w", taskID, subTaskID, workflow.ErrSubTaskNotFound)
	}
	if sub.Status == workflow.SubTaskCompleted {
		metrics.SubTasksTotal.WithLabelValues("duplicate").Inc()
		r.logger.Debug("Ignoring duplicate sub-task result", "task_id", taskID, "sub_task_id", subTaskID)
		return task, false, nil
	}

	now := r.now()
	sub.Status = workflow.SubTaskCompleted
	sub.Result = result
	sub.CompletedAt = &now
	if err := r.repo.SaveTask(ctx, task); err != nil {
		return nil, false, err
	}
	metrics.SubTasksTotal.WithLabelValues("completed").Inc()
	return task, true, nil
}

// AggregateParallelResults returns the results of a parallel group keyed by
// sub-task id, or false while any member is still pending.
func AggregateParallelResults(task *workflow.Task, groupID string) (map[string]any, bool) {
	members := task.Group(groupID)
	if len(members) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(members))
	for _, st := range members {
		if st.Status != workflow.SubTaskCompleted {
			return nil, false
		}
		out[st.SubTaskID] = st.Result
	}
	return out, true
}

// IsComplete reports whether every sub-task of the task has a result.
func IsComplete(task *workflow.Task) bool {
	return task.IsComplete()
}

// Complete responds on the task's response event under the task id and then
// deletes the task. A task that no longer exists is a no-op.
func (r *Runner) Complete(ctx context.Context, taskID string, result map[string]any) error {
	task, err := r.repo.LoadTask(ctx, taskID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	data := map[string]any{"task_id": task.ID, "result": result}
	return r.finish(ctx, task, data, "completed")
}

// Fail responds with an error payload and deletes the task. A task that no
// longer exists is a no-op.
func (r *Runner) Fail(ctx context.Context, taskID, reason string) error {
	task, err := r.repo.LoadTask(ctx, taskID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	data := map[string]any{"task_id": task.ID, "error": reason}
	return r.finish(ctx, task, data, "failed")
}

func (r *Runner) finish(ctx context.Context, task *workflow.Task, data map[string]any, outcome string) error {
	if _, err := r.port.Respond(ctx, dispatch.Response{
		EventType:     task.ResponseEvent,
		CorrelationID: task.ID,
		Data:          data,
		Scope:         task.Scope(),
	}); err != nil {
		return fmt.Errorf("respond for task %s: %w", task.ID, err)
	}
	if err := r.repo.DeleteTask(ctx, task.ID); err != nil {
		return err
	}
	r.logger.Info("Task finished", "task_id", task.ID, "plan_id", task.PlanID, "outcome", outcome)
	return nil
}

// Redispatch re-sends a pending sub-task under its original id. The bumped
// attempt count is persisted before the request goes out. Completed
// sub-tasks are left alone.
func (r *Runner) Redispatch(ctx context.Context, taskID, subTaskID string) error {
	task, err := r.repo.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	sub, ok := task.SubTasks[subTaskID]
	if !ok {
		return fmt.Errorf("task %s: %s: %w", taskID, subTaskID, workflow.ErrSubTaskNotFound)
	}
	if sub.Status != workflow.SubTaskPending {
		return nil
	}

	sub.Attempts++
	sub.LastAttemptAt = r.now()
	if err := r.repo.SaveTask(ctx, task); err != nil {
		return err
	}
	if _, err := r.port.Request(ctx, dispatch.Request{
		EventType:     sub.EventType,
		ResponseEvent: sub.ResponseEvent,
		CorrelationID: sub.SubTaskID,
		Data:          sub.Data,
		Scope:         task.Scope(),
	}); err != nil {
		return fmt.Errorf("redispatch %s of task %s: %w", subTaskID, taskID, err)
	}
	metrics.SubTasksTotal.WithLabelValues("redispatched").Inc()
	r.logger.Info("Redispatched sub-task",
		"task_id", taskID, "sub_task_id", subTaskID, "attempts", sub.Attempts)
	return nil
}

// HandleResult records a sub-task result and runs the task's handler. The
// handler also runs for duplicate results so a completion whose response
// failed earlier is retried; the built-in handlers act only on persisted
// state and are safe to repeat.
func (r *Runner) HandleResult(ctx context.Context, taskID, subTaskID string, result map[string]any) error {
	task, changed, err := r.UpdateSubTaskResult(ctx, taskID, subTaskID, result)
	if storage.IsNotFound(err) {
		// Completed and deleted between routing and now.
		r.logger.Debug("Result for finished task dropped", "task_id", taskID, "sub_task_id", subTaskID)
		return nil
	}
	if err != nil {
		return err
	}
	h, ok := r.handler(task.Handler)
	if !ok {
		return fmt.Errorf("task %s: unknown handler %q", task.ID, task.Handler)
	}
	r.logger.Debug("Sub-task result recorded",
		"task_id", task.ID, "sub_task_id", subTaskID, "new", changed, "pending", len(task.Pending()))
	return h(ctx, r, task, task.SubTasks[subTaskID])
}

// StartParallel creates an aggregate task and fans reqs out as one group.
// The task is first written together with its sub-tasks, so it is never
// stored empty. A nil task means nothing was stored; a task with an error
// means only the dispatch failed and the sub-tasks wait for redispatch.
func (r *Runner) StartParallel(ctx context.Context, spec workflow.TaskSpec, reqs []SubRequest) (*workflow.Task, string, error) {
	if len(reqs) == 0 {
		return nil, "", &workflow.ValidationError{Field: "requests", Message: "at least one required"}
	}
	spec.Handler = workflow.HandlerAggregate
	groupID := r.newID()
	task, err := r.start(ctx, spec, reqs, groupID, nil)
	return task, groupID, err
}

// StartSequence creates a sequence task holding steps and delegates the
// first one. Each following step is delegated when its predecessor's result
// arrives. Its results follow the same rules as StartParallel.
func (r *Runner) StartSequence(ctx context.Context, spec workflow.TaskSpec, steps []SubRequest) (*workflow.Task, error) {
	if len(steps) == 0 {
		return nil, &workflow.ValidationError{Field: "steps", Message: "at least one required"}
	}
	spec.Handler = workflow.HandlerSequence
	if spec.State == nil {
		spec.State = make(map[string]any)
	}
	spec.State[workflow.StateSteps] = steps
	spec.State[workflow.StateStepIndex] = 0
	return r.start(ctx, spec, steps[:1], "", func(t *workflow.Task) {
		t.State[workflow.StateStepIndex] = 1
	})
}

func (r *Runner) start(ctx context.Context, spec workflow.TaskSpec, reqs []SubRequest, groupID string, mutate func(*workflow.Task)) (*workflow.Task, error) {
	if err := validateAll(reqs); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	if spec.ID == "" {
		spec.ID = r.newID()
	}
	task, err := workflow.NewTask(spec)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	_, saved, err := r.delegate(ctx, task, reqs, groupID, mutate)
	if !saved {
		return nil, err
	}
	r.logger.Debug("Started task", "task_id", task.ID, "plan_id", task.PlanID, "handler", task.Handler)
	return task, err
}

// aggregateHandler completes the task once every sub-task has a result.
// The completion payload carries results by sub-task id and by event type.
func aggregateHandler(ctx context.Context, r *Runner, task *workflow.Task, _ *workflow.SubTaskInfo) error {
	if !task.IsComplete() {
		return nil
	}
	bySubTask := make(map[string]any, len(task.SubTasks))
	byEvent := make(map[string]any, len(task.SubTasks))
	for id, st := range task.SubTasks {
		bySubTask[id] = st.Result
		byEvent[st.EventType] = st.Result
	}
	return r.Complete(ctx, task.ID, map[string]any{
		"results":  bySubTask,
		"by_event": byEvent,
	})
}

// sequenceHandler delegates the next step once the current one is in, and
// completes with the ordered results after the last.
func sequenceHandler(ctx context.Context, r *Runner, task *workflow.Task, _ *workflow.SubTaskInfo) error {
	if len(task.Pending()) > 0 {
		return nil
	}
	steps, err := decodeSteps(task.State[workflow.StateSteps])
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	idx := stepIndex(task.State[workflow.StateStepIndex])

	if idx < len(steps) {
		_, _, err := r.delegate(ctx, task, steps[idx:idx+1], "", func(t *workflow.Task) {
			t.State[workflow.StateStepIndex] = idx + 1
		})
		return err
	}

	done := task.Group("")
	ordered := make([]any, 0, len(done))
	for _, st := range done {
		ordered = append(ordered, st.Result)
	}
	return r.Complete(ctx, task.ID, map[string]any{"results": ordered})
}

// decodeSteps accepts both the in-memory slice and its JSON-decoded form.
func decodeSteps(v any) ([]SubRequest, error) {
	if steps, ok := v.([]SubRequest); ok {
		return steps, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	var steps []SubRequest
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}

func stepIndex(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
