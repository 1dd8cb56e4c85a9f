// Package planrunner drives plans through their state machines.
//
// The runner holds no state between calls. Each operation reloads the plan,
// applies one step and persists it, so a plan can be advanced by any
// process that shares the store, and a restart loses nothing.
package planrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/decision"
	"github.com/c360studio/semflow/discovery"
	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/condition"
	"github.com/c360studio/semflow/workflow/delegation"
)

// Lifecycle fact event types.
const (
	FactPlanStarted   = "plan.started"
	FactPlanPaused    = "plan.paused"
	FactPlanResumed   = "plan.resumed"
	FactPlanCompleted = "plan.completed"
	FactPlanFailed    = "plan.failed"
)

// Runner implements the plan lifecycle.
type Runner struct {
	repo         *storage.Repository
	port         dispatch.Port
	tasks        *delegation.Runner
	source       decision.Source
	registry     discovery.Registry
	logger       *slog.Logger
	lifecycle    bool
	taskDeadline time.Duration
	newID        func() string
	now          func() time.Time
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

// WithTasks sets the delegation runner used for nested actions.
func WithTasks(tasks *delegation.Runner) Option {
	return func(r *Runner) { r.tasks = tasks }
}

// WithDecisionSource enables dynamic states. registry supplies the actions
// a decision may choose from; nil means none.
func WithDecisionSource(src decision.Source, registry discovery.Registry) Option {
	return func(r *Runner) {
		r.source = src
		r.registry = registry
	}
}

// WithLifecycleSignals turns plan lifecycle facts on or off.
func WithLifecycleSignals(enabled bool) Option {
	return func(r *Runner) { r.lifecycle = enabled }
}

// WithTaskDeadline gives tasks created for nested actions a deadline. Zero
// means no deadline.
func WithTaskDeadline(d time.Duration) Option {
	return func(r *Runner) { r.taskDeadline = d }
}

// WithIDGenerator replaces the uuid generator used for plan ids.
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

// New creates a Runner. Without WithTasks a delegation runner over the same
// repository and port is created.
func New(repo *storage.Repository, port dispatch.Port, opts ...Option) *Runner {
	r := &Runner{
		repo:   repo,
		port:   port,
		logger: slog.Default(),
		newID:  func() string { return uuid.New().String() },
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tasks == nil {
		r.tasks = delegation.New(repo, port, delegation.WithLogger(r.logger))
	}
	return r
}

// Tasks returns the delegation runner.
func (r *Runner) Tasks() *delegation.Runner { return r.tasks }

// CreatePlan validates the graph and persists a pending plan. An empty spec
// id is minted.
func (r *Runner) CreatePlan(ctx context.Context, spec workflow.PlanSpec) (*workflow.Plan, error) {
	if spec.ID == "" {
		spec.ID = r.newID()
	}
	plan, err := workflow.NewPlan(spec)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}
	metrics.PlansTotal.WithLabelValues("created").Inc()
	r.logger.Info("Plan created",
		"plan_id", plan.ID, "goal", plan.GoalEventType, "session_id", plan.SessionID)
	r.announce(ctx, plan, FactPlanStarted, nil)
	return plan, nil
}

// GetNextState scans the current state's transitions in declaration order
// and returns the target of the first one whose event matches and whose
// condition holds. A condition that fails to parse is an error.
func (r *Runner) GetNextState(plan *workflow.Plan, event envelope.Envelope) (string, bool, error) {
	cfg, err := plan.State()
	if err != nil {
		return "", false, err
	}
	var vars map[string]any
	for i, tr := range cfg.Transitions {
		if tr.OnEvent != event.Type {
			continue
		}
		if tr.Condition != "" {
			expr, err := condition.Parse(tr.Condition)
			if err != nil {
				return "", false, fmt.Errorf("plan %s: state %s transition %d: %w", plan.ID, cfg.Name, i, err)
			}
			if vars == nil {
				vars = condition.Vars(plan.Results, event.Data, plan.GoalData)
			}
			if !expr.Eval(vars) {
				continue
			}
		}
		return tr.ToState, true, nil
	}
	return "", false, nil
}

// ExecuteNext advances the plan by at most one state.
//
// Without a trigger the plan follows its current state's default next
// state, or re-sends the current state's action when there is none. With a
// trigger the first matching transition is taken; in a dynamic state with
// no match the decision source is consulted. The failure response of a task
// the plan delegated to fails the plan instead. Anything else is a no-op,
// as are finished and paused plans.
func (r *Runner) ExecuteNext(ctx context.Context, planID string, trigger *envelope.Envelope) (*workflow.Plan, error) {
	plan, err := r.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Finished() || plan.Status == workflow.PlanPaused {
		r.logger.Debug("Plan not advancing", "plan_id", plan.ID, "status", plan.Status)
		return plan, nil
	}
	cfg, err := plan.State()
	if err != nil {
		return nil, err
	}

	if trigger == nil {
		switch {
		case cfg.DefaultNext != "":
			err = r.enter(ctx, plan, cfg.DefaultNext, nil)
		case cfg.Action != nil:
			err = r.replay(ctx, plan, cfg)
		}
		if err != nil {
			return nil, err
		}
		return plan, nil
	}

	if cause := taskFailure(plan, trigger); cause != nil {
		return r.Fail(ctx, plan.ID, cause)
	}

	next, ok, err := r.GetNextState(plan, *trigger)
	if err != nil {
		return nil, err
	}
	switch {
	case ok:
		err = r.enter(ctx, plan, next, trigger)
	case cfg.Dynamic:
		err = r.decide(ctx, plan, trigger)
	default:
		r.logger.Debug("No transition matched",
			"plan_id", plan.ID, "state", plan.CurrentState, "event_type", trigger.Type)
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Step runs ExecuteNext and finalizes the plan when it has reached a
// terminal state.
func (r *Runner) Step(ctx context.Context, planID string, trigger *envelope.Envelope) (*workflow.Plan, error) {
	plan, err := r.ExecuteNext(ctx, planID, trigger)
	if err != nil {
		return nil, err
	}
	if plan.Status.Finished() || plan.Status == workflow.PlanPaused || !IsComplete(plan) {
		return plan, nil
	}
	if err := r.finalize(ctx, plan, TerminalResult(plan, trigger)); err != nil {
		return nil, err
	}
	return plan, nil
}

// IsComplete reports whether the plan sits in a terminal state.
func IsComplete(plan *workflow.Plan) bool {
	cfg, ok := plan.StateMachine[plan.CurrentState]
	return ok && cfg.IsTerminal
}

// TerminalResult is the final result of a plan in a terminal state: the
// state's rendered result template, else the trigger data, else the
// accumulated results.
func TerminalResult(plan *workflow.Plan, trigger *envelope.Envelope) map[string]any {
	var data map[string]any
	if trigger != nil {
		data = trigger.Data
	}
	cfg := plan.StateMachine[plan.CurrentState]
	switch {
	case cfg.Result != nil:
		return workflow.RenderMap(cfg.Result, workflow.TemplateScope(plan, data))
	case trigger != nil:
		return data
	default:
		return maps.Clone(plan.Results)
	}
}

// enter moves the plan into target. A flat action is dispatched before the
// plan is saved, under the plan id. A nested action is handed to
// delegateAction, which moves the plan only once its task is stored.
func (r *Runner) enter(ctx context.Context, plan *workflow.Plan, target string, trigger *envelope.Envelope) error {
	cfg, ok := plan.StateMachine[target]
	if !ok {
		return fmt.Errorf("plan %s: unknown state %q", plan.ID, target)
	}
	from := plan.CurrentState
	var data map[string]any
	if trigger != nil {
		data = trigger.Data
		plan.SetResult(trigger.Type, trigger.Data)
	}

	var err error
	if cfg.Action.Nested() {
		err = r.delegateAction(ctx, plan, target, cfg.Action, data)
	} else {
		plan.CurrentState = target
		plan.Status = workflow.PlanRunning
		if cfg.Action != nil {
			err = r.dispatchAction(ctx, plan, cfg.Action, data)
		}
		if err == nil {
			err = r.repo.SavePlan(ctx, plan)
		}
	}
	if err != nil {
		return err
	}

	metrics.TransitionsTotal.WithLabelValues(target).Inc()
	r.logger.Info("Plan transitioned", "plan_id", plan.ID, "from", from, "to", target)
	return nil
}

// replay re-sends the current state's action for a plan whose dispatch may
// have been lost. A nested action is only restarted when the plan owns no
// task any more; sub-tasks of a live task are the sweeper's to redispatch.
func (r *Runner) replay(ctx context.Context, plan *workflow.Plan, cfg workflow.StateConfig) error {
	if cfg.Action.Nested() {
		open, err := r.repo.ListTasks(ctx, storage.Filter{OwnerID: plan.ID})
		if err != nil {
			return err
		}
		if len(open) > 0 {
			r.logger.Debug("Nested action still in flight", "plan_id", plan.ID, "tasks", len(open))
			return nil
		}
		return r.delegateAction(ctx, plan, plan.CurrentState, cfg.Action, nil)
	}

	if err := r.dispatchAction(ctx, plan, cfg.Action, nil); err != nil {
		return err
	}
	plan.Status = workflow.PlanRunning
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return err
	}
	r.logger.Info("Replayed state action",
		"plan_id", plan.ID, "state", plan.CurrentState, "event_type", cfg.Action.EventType)
	return nil
}

func (r *Runner) dispatchAction(ctx context.Context, plan *workflow.Plan, a *workflow.Action, data map[string]any) error {
	vars := workflow.TemplateScope(plan, data)
	if _, err := r.port.Request(ctx, dispatch.Request{
		EventType:     a.EventType,
		ResponseEvent: a.ResponseEvent,
		CorrelationID: plan.ID,
		Data:          workflow.RenderMap(a.Payload, vars),
		Scope:         plan.Scope(),
	}); err != nil {
		return fmt.Errorf("plan %s: dispatch %s: %w", plan.ID, a.EventType, err)
	}
	return nil
}

// delegateAction starts the task behind a nested action and then moves the
// plan into target.
//
// Three writes are involved. The plan is saved first with the new task id
// but still in its old state, so the task's response can always be routed.
// Then the task is stored together with its sub-tasks. Only then is the
// plan saved in target. A failure before the task is stored leaves the plan
// where it was and a redelivered trigger starts over. A failure after it
// adopts the stored task on redelivery instead of starting a second one.
func (r *Runner) delegateAction(ctx context.Context, plan *workflow.Plan, target string, a *workflow.Action, data map[string]any) error {
	taskID, err := r.pendingTask(ctx, plan, target)
	if err != nil {
		return err
	}

	if taskID == "" {
		taskID = r.tasks.NewID()
		plan.AddCorrelationID(taskID)
		if err := r.repo.SavePlan(ctx, plan); err != nil {
			return err
		}
		if err := r.startTask(ctx, plan, taskID, target, a, data); err != nil {
			return err
		}
	} else {
		r.logger.Info("Adopting task from an earlier attempt",
			"plan_id", plan.ID, "task_id", taskID, "state", target)
	}

	plan.CurrentState = target
	plan.Status = workflow.PlanRunning
	return r.repo.SavePlan(ctx, plan)
}

// pendingTask returns the task an earlier attempt to enter target stored
// before failing to move the plan, or "" when there is none. Such a task is
// always the plan's most recent correlation id.
func (r *Runner) pendingTask(ctx context.Context, plan *workflow.Plan, target string) (string, error) {
	if plan.CurrentState == target || len(plan.CorrelationIDs) == 0 {
		return "", nil
	}
	last := plan.CorrelationIDs[len(plan.CorrelationIDs)-1]
	task, err := r.repo.LoadTask(ctx, last)
	if storage.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if task.PlanID != plan.ID || task.State[workflow.StatePlanState] != target {
		return "", nil
	}
	return task.ID, nil
}

func (r *Runner) startTask(ctx context.Context, plan *workflow.Plan, taskID, target string, a *workflow.Action, data map[string]any) error {
	vars := workflow.TemplateScope(plan, data)
	specs := a.Parallel
	if len(specs) == 0 {
		specs = a.Sequence
	}
	reqs := make([]delegation.SubRequest, len(specs))
	for i, s := range specs {
		reqs[i] = delegation.SubRequest{
			EventType:     s.EventType,
			ResponseEvent: s.ResponseEvent,
			Data:          workflow.RenderMap(s.Payload, vars),
		}
	}

	spec := workflow.TaskSpec{
		ID:            taskID,
		PlanID:        plan.ID,
		Data:          workflow.RenderMap(a.Payload, vars),
		ResponseEvent: a.ResponseEvent,
		State: map[string]any{
			workflow.StateParentPlan: plan.ID,
			workflow.StatePlanState:  target,
		},
		Scope: plan.Scope(),
	}
	if r.taskDeadline > 0 {
		deadline := r.now().Add(r.taskDeadline)
		spec.Deadline = &deadline
	}

	var (
		task *workflow.Task
		err  error
	)
	if len(a.Parallel) > 0 {
		task, _, err = r.tasks.StartParallel(ctx, spec, reqs)
	} else {
		task, err = r.tasks.StartSequence(ctx, spec, reqs)
	}
	switch {
	case err == nil:
		return nil
	case task != nil:
		// Stored but not sent: the sweeper redispatches pending sub-tasks.
		r.logger.Warn("Nested action stored but not dispatched",
			"plan_id", plan.ID, "task_id", taskID, "error", err)
		return nil
	default:
		return fmt.Errorf("plan %s: delegate state %s: %w", plan.ID, target, err)
	}
}

// taskFailure returns the error carried by the response of a task this plan
// delegated to, or nil when the trigger is not such a failure.
func taskFailure(plan *workflow.Plan, trigger *envelope.Envelope) error {
	id := trigger.CorrelationID
	if id == "" || id == plan.ID || !plan.Owns(id) {
		return nil
	}
	if taskID, _ := trigger.Data["task_id"].(string); taskID != id {
		return nil
	}
	reason, ok := trigger.Data["error"].(string)
	if !ok {
		return nil
	}
	return fmt.Errorf("%w: task %s: %s", workflow.ErrTaskFailed, id, reason)
}

// decide consults the decision source for a dynamic state. An invalid
// decision fails the plan and the validation error is returned.
func (r *Runner) decide(ctx context.Context, plan *workflow.Plan, trigger *envelope.Envelope) error {
	if r.source == nil {
		r.logger.Debug("Dynamic state without decision source", "plan_id", plan.ID, "state", plan.CurrentState)
		return nil
	}

	var available []discovery.Capability
	if r.registry != nil {
		var err error
		available, err = r.registry.Discover(ctx, envelope.TopicRequest)
		if err != nil {
			return fmt.Errorf("plan %s: discover actions: %w", plan.ID, err)
		}
	}

	d, err := r.source.Decide(ctx, decision.Trigger{
		PlanID:    plan.ID,
		State:     plan.CurrentState,
		EventType: trigger.Type,
		Data:      trigger.Data,
		Results:   plan.Results,
		Goal:      plan.GoalData,
	}, available)
	if err == nil {
		err = decision.Validate(d, available)
	}
	if err != nil {
		if !errors.Is(err, decision.ErrInvalidDecision) {
			return fmt.Errorf("plan %s: decide: %w", plan.ID, err)
		}
		metrics.DecisionsTotal.WithLabelValues(string(d.Kind), "false").Inc()
		r.logger.Warn("Rejected decision", "plan_id", plan.ID, "error", err)
		if _, ferr := r.Fail(ctx, plan.ID, err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	metrics.DecisionsTotal.WithLabelValues(string(d.Kind), "true").Inc()
	r.logger.Info("Decision taken",
		"plan_id", plan.ID, "kind", d.Kind, "event_type", d.EventType, "rationale", d.Rationale)

	switch d.Kind {
	case decision.KindDispatch:
		plan.SetResult(trigger.Type, trigger.Data)
		vars := workflow.TemplateScope(plan, trigger.Data)
		if _, err := r.port.Request(ctx, dispatch.Request{
			EventType:     d.EventType,
			ResponseEvent: d.ResponseEvent,
			CorrelationID: plan.ID,
			Data:          workflow.RenderMap(d.Payload, vars),
			Scope:         plan.Scope(),
		}); err != nil {
			return fmt.Errorf("plan %s: dispatch %s: %w", plan.ID, d.EventType, err)
		}
		plan.Status = workflow.PlanRunning
		return r.repo.SavePlan(ctx, plan)
	case decision.KindComplete:
		plan.SetResult(trigger.Type, trigger.Data)
		return r.finalize(ctx, plan, d.Result)
	}
	return nil
}

// Finalize completes the plan and sends its one response. Finalizing a
// finished plan does nothing.
func (r *Runner) Finalize(ctx context.Context, planID string, result map[string]any) (*workflow.Plan, error) {
	plan, err := r.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := r.finalize(ctx, plan, result); err != nil {
		return nil, err
	}
	return plan, nil
}

func (r *Runner) finalize(ctx context.Context, plan *workflow.Plan, result map[string]any) error {
	if plan.Status.Finished() {
		return nil
	}
	plan.Status = workflow.PlanCompleted
	plan.SetResult(workflow.ResultFinal, result)

	if _, err := r.port.Respond(ctx, dispatch.Response{
		EventType:     plan.ResponseEvent,
		CorrelationID: responseCorrelation(plan),
		Data:          map[string]any{"plan_id": plan.ID, "result": result},
		Scope:         plan.Scope(),
	}); err != nil {
		return fmt.Errorf("plan %s: respond: %w", plan.ID, err)
	}
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return err
	}

	metrics.PlansTotal.WithLabelValues("completed").Inc()
	r.logger.Info("Plan completed", "plan_id", plan.ID, "state", plan.CurrentState)
	r.announce(ctx, plan, FactPlanCompleted, nil)
	return nil
}

// Fail marks the plan failed and responds once with the error. Failing a
// finished plan does nothing.
func (r *Runner) Fail(ctx context.Context, planID string, cause error) (*workflow.Plan, error) {
	plan, err := r.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Finished() {
		return plan, nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	plan.Status = workflow.PlanFailed
	plan.Error = msg
	plan.SetResult(workflow.ResultError, msg)

	if _, err := r.port.Respond(ctx, dispatch.Response{
		EventType:     plan.ResponseEvent,
		CorrelationID: responseCorrelation(plan),
		Data:          map[string]any{"plan_id": plan.ID, "error": msg},
		Scope:         plan.Scope(),
	}); err != nil {
		return nil, fmt.Errorf("plan %s: respond: %w", plan.ID, err)
	}
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	metrics.PlansTotal.WithLabelValues("failed").Inc()
	r.logger.Warn("Plan failed", "plan_id", plan.ID, "state", plan.CurrentState, "error", msg)
	r.announce(ctx, plan, FactPlanFailed, map[string]any{"error": msg})
	return plan, nil
}

// Pause stops the plan from advancing until Resume or its resume event.
// There is no pause timeout.
func (r *Runner) Pause(ctx context.Context, planID, reason, resumeEvent string) (*workflow.Plan, error) {
	plan, err := r.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Finished() {
		return nil, fmt.Errorf("pause plan %s: %w", plan.ID, workflow.ErrPlanFinished)
	}
	if resumeEvent == "" {
		resumeEvent = workflow.DefaultResumeEvent
	}
	plan.Status = workflow.PlanPaused
	plan.PauseReason = reason
	plan.ResumeEvent = resumeEvent
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	metrics.PlansTotal.WithLabelValues("paused").Inc()
	r.logger.Info("Plan paused", "plan_id", plan.ID, "reason", reason, "resume_event", resumeEvent)
	r.announce(ctx, plan, FactPlanPaused, map[string]any{"reason": reason, "resume_event": resumeEvent})
	return plan, nil
}

// Resume merges input into results["userInput"], sets the plan running and
// steps it. Resuming a plan that is not paused does nothing.
func (r *Runner) Resume(ctx context.Context, planID string, input map[string]any) (*workflow.Plan, error) {
	plan, err := r.repo.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Finished() {
		return nil, fmt.Errorf("resume plan %s: %w", plan.ID, workflow.ErrPlanFinished)
	}
	if plan.Status != workflow.PlanPaused {
		return plan, nil
	}

	merged := map[string]any{}
	if prev, ok := plan.Results[workflow.ResultUserInput].(map[string]any); ok {
		maps.Copy(merged, prev)
	}
	maps.Copy(merged, input)
	plan.SetResult(workflow.ResultUserInput, merged)
	plan.Status = workflow.PlanRunning
	plan.PauseReason = ""
	plan.ResumeEvent = ""
	if err := r.repo.SavePlan(ctx, plan); err != nil {
		return nil, err
	}

	metrics.PlansTotal.WithLabelValues("resumed").Inc()
	r.logger.Info("Plan resumed", "plan_id", plan.ID, "state", plan.CurrentState)
	r.announce(ctx, plan, FactPlanResumed, nil)
	return r.Step(ctx, plan.ID, nil)
}

// announce publishes a lifecycle fact. Facts carry the plan id in their
// data only, so they never route back into a plan. Failures are logged.
func (r *Runner) announce(ctx context.Context, plan *workflow.Plan, eventType string, extra map[string]any) {
	if !r.lifecycle {
		return
	}
	data := map[string]any{
		"plan_id": plan.ID,
		"state":   plan.CurrentState,
		"status":  string(plan.Status),
		"goal":    plan.GoalEventType,
	}
	maps.Copy(data, extra)
	if _, err := r.port.Announce(ctx, dispatch.Fact{
		EventType: eventType,
		Data:      data,
		Scope:     plan.Scope(),
	}); err != nil {
		r.logger.Warn("Lifecycle fact not published", "plan_id", plan.ID, "event_type", eventType, "error", err)
	}
}

func responseCorrelation(plan *workflow.Plan) string {
	if plan.GoalCorrelationID != "" {
		return plan.GoalCorrelationID
	}
	return plan.ID
}
