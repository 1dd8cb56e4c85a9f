package workflow

import (
	"fmt"
	"sort"

	"github.com/c360studio/semflow/workflow/condition"
)

// StartState is the entry node every state machine must declare.
const StartState = "start"

// Transition moves a plan to ToState when an event of type OnEvent arrives
// and the optional Condition holds.
type Transition struct {
	OnEvent   string `json:"on_event" yaml:"on"`
	ToState   string `json:"to_state" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"if,omitempty"`
}

// ActionSpec is one sub-request of a nested delegation.
type ActionSpec struct {
	EventType     string         `json:"event_type" yaml:"event_type"`
	ResponseEvent string         `json:"response_event" yaml:"response_event"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Action is the request dispatched when a plan enters a state.
//
// When Parallel or Sequence is set, the action is carried out by a task the
// plan owns and the task's completion comes back as ResponseEvent.
type Action struct {
	EventType     string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	ResponseEvent string         `json:"response_event" yaml:"response_event"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Parallel      []ActionSpec   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Sequence      []ActionSpec   `json:"sequence,omitempty" yaml:"sequence,omitempty"`
}

// Nested reports whether the action delegates through a task.
func (a *Action) Nested() bool {
	return a != nil && (len(a.Parallel) > 0 || len(a.Sequence) > 0)
}

// StateConfig is one node of the graph.
type StateConfig struct {
	Name        string         `json:"name" yaml:"name,omitempty"`
	Action      *Action        `json:"action,omitempty" yaml:"action,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	DefaultNext string         `json:"default_next,omitempty" yaml:"default_next,omitempty"`
	IsTerminal  bool           `json:"is_terminal,omitempty" yaml:"terminal,omitempty"`
	Dynamic     bool           `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
	Result      map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
}

// StateMachine maps state names to their configuration.
type StateMachine map[string]StateConfig

// Normalize fills each config's Name from its key.
func (m StateMachine) Normalize() StateMachine {
	out := make(StateMachine, len(m))
	for name, cfg := range m {
		cfg.Name = name
		out[name] = cfg
	}
	return out
}

// Names returns the state names in sorted order.
func (m StateMachine) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the graph before any plan using it is persisted.
func (m StateMachine) Validate() error {
	var errs ValidationErrors

	if len(m) == 0 {
		errs.Add("state_machine", "no states declared")
		return errs.Err()
	}
	if _, ok := m[StartState]; !ok {
		errs.Add("state_machine", "missing \"start\" state")
	}

	for _, name := range m.Names() {
		m.validateState(name, m[name], &errs)
	}

	if _, ok := m[StartState]; ok {
		reachable := m.Reachable(StartState)
		canFinish := false
		for _, name := range m.Names() {
			if !reachable[name] {
				errs.Add("states."+name, "unreachable from start")
				continue
			}
			if cfg := m[name]; cfg.IsTerminal || cfg.Dynamic {
				canFinish = true
			}
		}
		if !canFinish {
			errs.Add("state_machine", "no terminal state reachable from start")
		}
	}

	return errs.Err()
}

func (m StateMachine) validateState(name string, cfg StateConfig, errs *ValidationErrors) {
	field := "states." + name

	if cfg.Name != "" && cfg.Name != name {
		errs.Add(field+".name", fmt.Sprintf("name %q does not match key", cfg.Name))
	}

	if cfg.IsTerminal {
		if len(cfg.Transitions) > 0 || cfg.DefaultNext != "" {
			errs.Add(field, "terminal state declares outgoing transitions")
		}
		if cfg.Action != nil {
			errs.Add(field+".action", "terminal state cannot dispatch")
		}
		return
	}

	if len(cfg.Transitions) == 0 && cfg.DefaultNext == "" && !cfg.Dynamic {
		errs.Add(field, "dead end: non-terminal state has no transitions")
	}
	if cfg.DefaultNext != "" {
		if _, ok := m[cfg.DefaultNext]; !ok {
			errs.Add(field+".default_next", fmt.Sprintf("unknown state %q", cfg.DefaultNext))
		}
	}

	validateAction(field+".action", cfg.Action, errs)

	type guard struct {
		unconditional bool
		conditions    map[string]bool
	}
	seen := make(map[string]*guard)

	for i, tr := range cfg.Transitions {
		tf := fmt.Sprintf("%s.transitions[%d]", field, i)
		if tr.OnEvent == "" {
			errs.Add(tf+".on", "event type required")
		}
		if _, ok := m[tr.ToState]; !ok {
			errs.Add(tf+".to", fmt.Sprintf("unknown state %q", tr.ToState))
		}

		g := seen[tr.OnEvent]
		if g == nil {
			g = &guard{conditions: make(map[string]bool)}
			seen[tr.OnEvent] = g
		}
		if g.unconditional {
			errs.Add(tf, fmt.Sprintf("shadowed by an earlier unconditional transition on %q", tr.OnEvent))
		}

		if tr.Condition == "" {
			g.unconditional = true
			continue
		}
		expr, err := condition.Parse(tr.Condition)
		if err != nil {
			errs.Add(tf+".if", err.Error())
			continue
		}
		key := expr.String()
		if g.conditions[key] {
			errs.Add(tf+".if", fmt.Sprintf("duplicate condition on %q", tr.OnEvent))
		}
		g.conditions[key] = true
	}
}

func validateAction(field string, a *Action, errs *ValidationErrors) {
	if a == nil {
		return
	}
	if a.ResponseEvent == "" {
		errs.Add(field+".response_event", "required")
	}
	if len(a.Parallel) > 0 && len(a.Sequence) > 0 {
		errs.Add(field, "parallel and sequence are mutually exclusive")
	}
	if !a.Nested() && a.EventType == "" {
		errs.Add(field+".event_type", "required")
	}
	specs := a.Parallel
	kind := "parallel"
	if len(a.Sequence) > 0 {
		specs, kind = a.Sequence, "sequence"
	}
	for i, s := range specs {
		sf := fmt.Sprintf("%s.%s[%d]", field, kind, i)
		if s.EventType == "" {
			errs.Add(sf+".event_type", "required")
		}
		if s.ResponseEvent == "" {
			errs.Add(sf+".response_event", "required")
		}
	}
}

// Reachable returns every state reachable from the named state through
// transitions or default edges.
func (m StateMachine) Reachable(from string) map[string]bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		cfg := m[name]
		next := make([]string, 0, len(cfg.Transitions)+1)
		if cfg.DefaultNext != "" {
			next = append(next, cfg.DefaultNext)
		}
		for _, tr := range cfg.Transitions {
			next = append(next, tr.ToState)
		}
		for _, n := range next {
			if _, ok := m[n]; ok && !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return seen
}

// EventTypes returns every event type the graph dispatches, sorted.
func (m StateMachine) EventTypes() []string {
	set := make(map[string]bool)
	for _, cfg := range m {
		if cfg.Action == nil {
			continue
		}
		if cfg.Action.EventType != "" {
			set[cfg.Action.EventType] = true
		}
		for _, s := range append(append([]ActionSpec{}, cfg.Action.Parallel...), cfg.Action.Sequence...) {
			set[s.EventType] = true
		}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
