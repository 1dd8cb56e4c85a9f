package workflow

import (
	"sort"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// SubTaskStatus is the status of one delegated request.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskCompleted SubTaskStatus = "completed"
)

// Task handlers decide what happens after a sub-task result arrives.
const (
	HandlerAggregate = "aggregate"
	HandlerSequence  = "sequence"
)

// Keys in Task.State used by the built-in handlers.
const (
	StateSteps      = "steps"
	StateStepIndex  = "step_index"
	StateParentPlan = "parent_plan"
	StatePlanState  = "plan_state"
)

// SubTaskInfo tracks one delegated request. SubTaskID doubles as the
// correlation id on the wire.
type SubTaskInfo struct {
	SubTaskID       string         `json:"sub_task_id"`
	EventType       string         `json:"event_type"`
	ResponseEvent   string         `json:"response_event"`
	Status          SubTaskStatus  `json:"status"`
	ParallelGroupID string         `json:"parallel_group_id,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Attempts        int            `json:"attempts"`
	CreatedAt       time.Time      `json:"created_at"`
	LastAttemptAt   time.Time      `json:"last_attempt_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Task is one durable delegation scope owned by a plan.
type Task struct {
	ID            string                  `json:"task_id"`
	PlanID        string                  `json:"plan_id"`
	Data          map[string]any          `json:"data,omitempty"`
	ResponseEvent string                  `json:"response_event"`
	SubTasks      map[string]*SubTaskInfo `json:"sub_tasks"`
	State         map[string]any          `json:"state"`
	Handler       string                  `json:"handler,omitempty"`
	TenantID      string                  `json:"tenant_id,omitempty"`
	UserID        string                  `json:"user_id,omitempty"`
	Deadline      *time.Time              `json:"deadline,omitempty"`
	Version       int64                   `json:"version"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// TaskSpec is the input for creating a task.
type TaskSpec struct {
	ID            string
	PlanID        string
	Data          map[string]any
	ResponseEvent string
	Handler       string
	State         map[string]any
	Scope         envelope.Scope
	Deadline      *time.Time
}

// NewTask builds an empty task.
func NewTask(spec TaskSpec) (*Task, error) {
	if spec.ID == "" {
		return nil, &ValidationError{Field: "task_id", Message: "required"}
	}
	if spec.ResponseEvent == "" {
		return nil, &ValidationError{Field: "response_event", Message: "required"}
	}
	state := spec.State
	if state == nil {
		state = make(map[string]any)
	}
	now := time.Now().UTC()
	return &Task{
		ID:            spec.ID,
		PlanID:        spec.PlanID,
		Data:          spec.Data,
		ResponseEvent: spec.ResponseEvent,
		SubTasks:      make(map[string]*SubTaskInfo),
		State:         state,
		Handler:       spec.Handler,
		TenantID:      spec.Scope.TenantID,
		UserID:        spec.Scope.UserID,
		Deadline:      spec.Deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Scope returns the tenant and user tokens of the task.
func (t *Task) Scope() envelope.Scope {
	return envelope.Scope{TenantID: t.TenantID, UserID: t.UserID}
}

// IsComplete reports whether every sub-task has completed. A task with no
// sub-tasks is complete.
func (t *Task) IsComplete() bool {
	for _, st := range t.SubTasks {
		if st.Status != SubTaskCompleted {
			return false
		}
	}
	return true
}

// Pending returns pending sub-tasks ordered by creation.
func (t *Task) Pending() []*SubTaskInfo {
	var out []*SubTaskInfo
	for _, st := range t.SubTasks {
		if st.Status == SubTaskPending {
			out = append(out, st)
		}
	}
	sortSubTasks(out)
	return out
}

// Group returns the sub-tasks sharing a parallel group id, ordered by creation.
func (t *Task) Group(groupID string) []*SubTaskInfo {
	var out []*SubTaskInfo
	for _, st := range t.SubTasks {
		if st.ParallelGroupID == groupID {
			out = append(out, st)
		}
	}
	sortSubTasks(out)
	return out
}

// SubTaskIDs returns every sub-task id, sorted.
func (t *Task) SubTaskIDs() []string {
	ids := make([]string, 0, len(t.SubTasks))
	for id := range t.SubTasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expired reports whether the deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// Touch bumps the version and update time before a save.
func (t *Task) Touch() {
	t.Version++
	t.UpdatedAt = time.Now().UTC()
}

func sortSubTasks(s []*SubTaskInfo) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].SubTaskID < s[j].SubTaskID
	})
}
