// Package workflow holds the durable data model shared by the plan and task
// runners: plans, their state-machine graphs, tasks and sub-tasks.
package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// PlanStatus is the lifecycle status of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Finished reports whether the status is terminal.
func (s PlanStatus) Finished() bool {
	return s == PlanCompleted || s == PlanFailed
}

func (s PlanStatus) String() string { return string(s) }

// Well-known result keys.
const (
	ResultFinal     = "final"
	ResultUserInput = "userInput"
	ResultError     = "error"
)

// DefaultResumeEvent is the event type that resumes a paused plan when the
// pause did not name one.
const DefaultResumeEvent = "plan.resume"

// Plan is one durable execution of a state machine toward a goal.
type Plan struct {
	ID            string         `json:"plan_id"`
	GoalEventType string         `json:"goal_event_type"`
	GoalData      map[string]any `json:"goal_data,omitempty"`
	// GoalCorrelationID is the correlation id of the goal request; the
	// completion response is sent under it.
	GoalCorrelationID string         `json:"goal_correlation_id,omitempty"`
	ResponseEvent     string         `json:"response_event"`
	Status            PlanStatus     `json:"status"`
	StateMachine      StateMachine   `json:"state_machine"`
	CurrentState      string         `json:"current_state"`
	Results           map[string]any `json:"results"`
	ParentPlanID      string         `json:"parent_plan_id,omitempty"`
	SessionID         string         `json:"session_id,omitempty"`
	TenantID          string         `json:"tenant_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	// CorrelationIDs holds every id besides the plan id that routes back to
	// this plan, such as tasks it delegated to.
	CorrelationIDs []string  `json:"correlation_ids,omitempty"`
	PauseReason    string    `json:"pause_reason,omitempty"`
	ResumeEvent    string    `json:"resume_event,omitempty"`
	Error          string    `json:"error,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PlanSpec is the input for creating a plan.
type PlanSpec struct {
	ID                string
	GoalEventType     string
	GoalData          map[string]any
	GoalCorrelationID string
	ResponseEvent     string
	StateMachine      StateMachine
	ParentPlanID      string
	SessionID         string
	Scope             envelope.Scope
}

// NewPlan builds a pending plan from spec after validating its graph.
func NewPlan(spec PlanSpec) (*Plan, error) {
	if spec.ID == "" {
		return nil, &ValidationError{Field: "plan_id", Message: "required"}
	}
	if spec.ResponseEvent == "" {
		return nil, &ValidationError{Field: "response_event", Message: "required"}
	}
	sm := spec.StateMachine.Normalize()
	if err := sm.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Plan{
		ID:                spec.ID,
		GoalEventType:     spec.GoalEventType,
		GoalData:          spec.GoalData,
		GoalCorrelationID: spec.GoalCorrelationID,
		ResponseEvent:     spec.ResponseEvent,
		Status:            PlanPending,
		StateMachine:      sm,
		CurrentState:      StartState,
		Results:           make(map[string]any),
		ParentPlanID:      spec.ParentPlanID,
		SessionID:         spec.SessionID,
		TenantID:          spec.Scope.TenantID,
		UserID:            spec.Scope.UserID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Scope returns the tenant and user tokens captured from the goal.
func (p *Plan) Scope() envelope.Scope {
	return envelope.Scope{TenantID: p.TenantID, UserID: p.UserID}
}

// State returns the configuration of the current state.
func (p *Plan) State() (StateConfig, error) {
	cfg, ok := p.StateMachine[p.CurrentState]
	if !ok {
		return StateConfig{}, fmt.Errorf("plan %s: unknown current state %q", p.ID, p.CurrentState)
	}
	return cfg, nil
}

// Owns reports whether id routes to this plan.
func (p *Plan) Owns(id string) bool {
	return id != "" && (id == p.ID || slices.Contains(p.CorrelationIDs, id))
}

// AddCorrelationID records an extra id that routes back to the plan.
func (p *Plan) AddCorrelationID(id string) {
	if id == "" || p.Owns(id) {
		return
	}
	p.CorrelationIDs = append(p.CorrelationIDs, id)
}

// AllCorrelationIDs returns the plan id followed by its historical ids.
func (p *Plan) AllCorrelationIDs() []string {
	return append([]string{p.ID}, p.CorrelationIDs...)
}

// SetResult stores a value under key.
func (p *Plan) SetResult(key string, value any) {
	if p.Results == nil {
		p.Results = make(map[string]any)
	}
	p.Results[key] = value
}

// Touch bumps the version and update time before a save.
func (p *Plan) Touch() {
	p.Version++
	p.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy through the persisted form.
func (p *Plan) Clone() (*Plan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	var out Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &out, nil
}
