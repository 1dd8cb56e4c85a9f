// Package router maps an inbound envelope to the plan or task that owns its
// correlation id.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/storage"
)

// Kind says what owns an envelope.
type Kind string

const (
	KindNone Kind = "none"
	KindPlan Kind = "plan"
	KindTask Kind = "task"
)

// Route is the result of resolving an envelope.
type Route struct {
	Kind      Kind
	PlanID    string
	TaskID    string
	SubTaskID string
}

// Router resolves routes through the persistence port only.
type Router struct {
	repo   *storage.Repository
	logger *slog.Logger
}

// New creates a Router.
func New(repo *storage.Repository, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{repo: repo, logger: logger}
}

// Routable reports whether env is answered by correlation lookup. Requests
// are addressed by event type through the handler table instead.
func Routable(env envelope.Envelope) bool {
	return env.CorrelationID != "" && env.Topic != envelope.TopicRequest
}

// Resolve finds the owner of env.CorrelationID: a plan by id or historical
// correlation id first, then the task owning a sub-task with that id. A miss
// returns KindNone without error; storage failures are returned.
func (r *Router) Resolve(ctx context.Context, env envelope.Envelope) (Route, error) {
	if !Routable(env) {
		metrics.RoutingTotal.WithLabelValues("miss").Inc()
		return Route{Kind: KindNone}, nil
	}
	cid := env.CorrelationID

	plan, err := r.repo.FindPlanByCorrelation(ctx, cid)
	switch {
	case err == nil:
		metrics.RoutingTotal.WithLabelValues("plan").Inc()
		return Route{Kind: KindPlan, PlanID: plan.ID}, nil
	case !storage.IsNotFound(err):
		return Route{}, fmt.Errorf("resolve %s: %w", cid, err)
	}

	task, err := r.repo.FindTaskBySubTask(ctx, cid)
	switch {
	case err == nil:
		metrics.RoutingTotal.WithLabelValues("task").Inc()
		return Route{Kind: KindTask, PlanID: task.PlanID, TaskID: task.ID, SubTaskID: cid}, nil
	case !storage.IsNotFound(err):
		return Route{}, fmt.Errorf("resolve %s: %w", cid, err)
	}

	metrics.RoutingTotal.WithLabelValues("miss").Inc()
	r.logger.Debug("No owner for envelope",
		"event_type", env.Type,
		"topic", env.Topic,
		"correlation_id", cid)
	return Route{Kind: KindNone}, nil
}
