package workflow

import (
	"errors"
	"strings"
)

var (
	// ErrPlanNotFound is returned when no plan matches an id.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrTaskNotFound is returned when no task matches an id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSubTaskNotFound is returned when a task does not own a sub-task id.
	ErrSubTaskNotFound = errors.New("sub-task not found")
	// ErrInvalidStateMachine wraps every construction-time graph error.
	ErrInvalidStateMachine = errors.New("invalid state machine")
	// ErrPlanFinished is returned by operations that require a live plan.
	ErrPlanFinished = errors.New("plan already finished")
	// ErrTaskFailed is the cause recorded on a plan whose delegated task
	// timed out or ran out of attempts.
	ErrTaskFailed = errors.New("task failed")
)

// ValidationError is a single field-level problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors accumulates problems found while checking a definition.
type ValidationErrors []*ValidationError

// Add appends a problem.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, &ValidationError{Field: field, Message: message})
}

// Err returns nil when no problems were recorded.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "invalid state machine: " + strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidStateMachine) hold.
func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidStateMachine
}
