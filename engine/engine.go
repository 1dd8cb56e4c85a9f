// Package engine is the choreographer: it takes every inbound envelope and
// decides which plan, task or registered handler reacts to it.
//
// Dispatch order: the handler table first (goal requests and control
// events), then correlation routing to a plan or task. An envelope nobody
// owns is dropped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/router"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/catalog"
	"github.com/c360studio/semflow/workflow/delegation"
	"github.com/c360studio/semflow/workflow/planrunner"
)

// Control event types on the system topic, addressed by correlation id.
const (
	ControlPause  = "plan.pause"
	ControlResume = workflow.DefaultResumeEvent
	ControlCancel = "plan.cancel"
)

// ErrPlanCancelled is the failure cause recorded for cancelled plans.
var ErrPlanCancelled = errors.New("plan cancelled")

const tracerName = "github.com/c360studio/semflow/engine"

// Engine wires the handler table, router and runners together.
type Engine struct {
	repo     *storage.Repository
	plans    *planrunner.Runner
	router   *router.Router
	handlers *envelope.HandlerTable
	tracer   trace.Tracer
	logger   *slog.Logger

	mu    sync.Mutex
	goals map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New creates an Engine and registers the control handlers.
func New(repo *storage.Repository, plans *planrunner.Runner, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		plans:    plans,
		handlers: envelope.NewHandlerTable(),
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
		goals:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.router = router.New(repo, e.logger)

	e.handlers.Replace(envelope.TopicSystem, ControlPause, e.handlePause)
	e.handlers.Replace(envelope.TopicSystem, ControlResume, e.handleResume)
	e.handlers.Replace(envelope.TopicSystem, ControlCancel, e.handleCancel)
	return e
}

// Handlers exposes the handler table for custom registrations.
func (e *Engine) Handlers() *envelope.HandlerTable { return e.handlers }

// Plans returns the plan runner.
func (e *Engine) Plans() *planrunner.Runner { return e.plans }

// RegisterTaskHandler installs a custom task result handler.
func (e *Engine) RegisterTaskHandler(name string, h delegation.ResultHandler) {
	e.plans.Tasks().RegisterHandler(name, h)
}

// RegisterTemplate installs the goal handler for t. A goal event can only
// be claimed once.
func (e *Engine) RegisterTemplate(t catalog.Template) error {
	if err := e.handlers.Register(envelope.TopicRequest, t.GoalEvent, e.goalHandler(t)); err != nil {
		return err
	}
	e.mu.Lock()
	e.goals[t.GoalEvent] = true
	e.mu.Unlock()
	e.logger.Info("Registered plan template", "name", t.Name, "goal", t.GoalEvent)
	return nil
}

// SyncTemplates makes the registered goal handlers match ts exactly.
// Plans already running keep the graph they were created with.
func (e *Engine) SyncTemplates(ts []catalog.Template) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]bool, len(ts))
	for _, t := range ts {
		e.handlers.Replace(envelope.TopicRequest, t.GoalEvent, e.goalHandler(t))
		next[t.GoalEvent] = true
	}
	for goal := range e.goals {
		if !next[goal] {
			e.handlers.Remove(envelope.TopicRequest, goal)
			e.logger.Info("Unregistered plan template", "goal", goal)
		}
	}
	e.goals = next
	e.logger.Info("Plan templates synced", "count", len(next))
}

// Handle processes one inbound envelope. Routing misses are not errors.
func (e *Engine) Handle(ctx context.Context, env envelope.Envelope) error {
	ctx, span := e.tracer.Start(ctx, "semflow.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("semflow.topic", string(env.Topic)),
			attribute.String("semflow.event_type", env.Type),
			attribute.String("semflow.correlation_id", env.CorrelationID),
			attribute.String("semflow.envelope_id", env.ID),
		))
	defer span.End()

	err := e.handle(ctx, env, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) handle(ctx context.Context, env envelope.Envelope, span trace.Span) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("handle envelope %s: %w", env.ID, err)
	}

	if h, ok := e.handlers.Lookup(env.Topic, env.Type); ok {
		span.SetAttributes(attribute.String("semflow.route", "handler"))
		return h(ctx, env)
	}

	route, err := e.router.Resolve(ctx, env)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("semflow.route", string(route.Kind)))

	switch route.Kind {
	case router.KindPlan:
		span.SetAttributes(attribute.String("semflow.plan_id", route.PlanID))
		return e.handlePlanEvent(ctx, route.PlanID, env)
	case router.KindTask:
		span.SetAttributes(
			attribute.String("semflow.task_id", route.TaskID),
			attribute.String("semflow.sub_task_id", route.SubTaskID))
		return e.plans.Tasks().HandleResult(ctx, route.TaskID, route.SubTaskID, env.Data)
	}
	return nil
}

// handlePlanEvent advances a plan. A paused plan only reacts to its resume
// event.
func (e *Engine) handlePlanEvent(ctx context.Context, planID string, env envelope.Envelope) error {
	plan, err := e.repo.LoadPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status == workflow.PlanPaused {
		if env.Type != plan.ResumeEvent {
			e.logger.Debug("Paused plan ignoring event", "plan_id", planID, "event_type", env.Type)
			return nil
		}
		_, err := e.plans.Resume(ctx, planID, env.Data)
		return err
	}
	_, err = e.plans.Step(ctx, planID, &env)
	return err
}

func (e *Engine) goalHandler(t catalog.Template) envelope.Handler {
	return func(ctx context.Context, env envelope.Envelope) error {
		_, err := e.StartGoal(ctx, t, env)
		return err
	}
}

// StartGoal creates a plan for a goal request and takes its first step. The
// plan id is the goal envelope id, so a redelivered goal finds its plan
// instead of starting a second one. A goal correlated to another plan, as
// when one plan's action requests another template's goal, records that
// plan as its parent.
func (e *Engine) StartGoal(ctx context.Context, t catalog.Template, env envelope.Envelope) (*workflow.Plan, error) {
	planID := env.ID
	existing, err := e.repo.LoadPlan(ctx, planID)
	switch {
	case err == nil:
		e.logger.Debug("Goal redelivered", "plan_id", planID, "status", existing.Status)
		if existing.Status != workflow.PlanPending && !planrunner.IsComplete(existing) {
			return existing, nil
		}
		return e.plans.Step(ctx, planID, nil)
	case !storage.IsNotFound(err):
		return nil, err
	}

	responseEvent := env.ResponseEvent
	if responseEvent == "" {
		responseEvent = t.ResponseEvent
	}
	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = env.ID
	}
	sessionID, _ := env.Data["session_id"].(string)
	parentID, err := e.parentPlan(ctx, env)
	if err != nil {
		return nil, err
	}

	if _, err := e.plans.CreatePlan(ctx, workflow.PlanSpec{
		ID:                planID,
		GoalEventType:     env.Type,
		GoalData:          env.Data,
		GoalCorrelationID: correlationID,
		ResponseEvent:     responseEvent,
		StateMachine:      t.StateMachine,
		ParentPlanID:      parentID,
		SessionID:         sessionID,
		Scope:             env.Scope(),
	}); err != nil {
		return nil, err
	}
	return e.plans.Step(ctx, planID, nil)
}

// parentPlan returns the id of the plan whose correlation id the goal
// carries, or "" for a goal from outside.
func (e *Engine) parentPlan(ctx context.Context, env envelope.Envelope) (string, error) {
	if env.CorrelationID == "" || env.CorrelationID == env.ID {
		return "", nil
	}
	parent, err := e.repo.FindPlanByCorrelation(ctx, env.CorrelationID)
	switch {
	case storage.IsNotFound(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("resolve parent of goal %s: %w", env.ID, err)
	}
	return parent.ID, nil
}

// controlTarget resolves the plan a control event addresses.
func (e *Engine) controlTarget(ctx context.Context, env envelope.Envelope) (string, bool, error) {
	route, err := e.router.Resolve(ctx, env)
	if err != nil {
		return "", false, err
	}
	if route.Kind != router.KindPlan {
		e.logger.Debug("Control event for unknown plan", "event_type", env.Type, "correlation_id", env.CorrelationID)
		return "", false, nil
	}
	return route.PlanID, true, nil
}

func (e *Engine) handlePause(ctx context.Context, env envelope.Envelope) error {
	planID, ok, err := e.controlTarget(ctx, env)
	if err != nil || !ok {
		return err
	}
	reason, _ := env.Data["reason"].(string)
	resumeEvent, _ := env.Data["resume_event"].(string)
	_, err = e.plans.Pause(ctx, planID, reason, resumeEvent)
	if errors.Is(err, workflow.ErrPlanFinished) {
		e.logger.Debug("Pause of finished plan ignored", "plan_id", planID)
		return nil
	}
	return err
}

func (e *Engine) handleResume(ctx context.Context, env envelope.Envelope) error {
	planID, ok, err := e.controlTarget(ctx, env)
	if err != nil || !ok {
		return err
	}
	input := env.Data
	if nested, ok := env.Data["input"].(map[string]any); ok {
		input = nested
	}
	_, err = e.plans.Resume(ctx, planID, input)
	if errors.Is(err, workflow.ErrPlanFinished) {
		e.logger.Debug("Resume of finished plan ignored", "plan_id", planID)
		return nil
	}
	return err
}

func (e *Engine) handleCancel(ctx context.Context, env envelope.Envelope) error {
	planID, ok, err := e.controlTarget(ctx, env)
	if err != nil || !ok {
		return err
	}
	cause := ErrPlanCancelled
	if reason, _ := env.Data["reason"].(string); reason != "" {
		cause = fmt.Errorf("%w: %s", ErrPlanCancelled, reason)
	}
	_, err = e.plans.Fail(ctx, planID, cause)
	return err
}
