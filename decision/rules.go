package decision

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/discovery"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/condition"
)

// Rule fires Then when every set field of When matches.
type Rule struct {
	When When     `yaml:"when"`
	Then Decision `yaml:"then"`
}

// When matches a trigger. Empty fields match anything.
type When struct {
	Event     string `yaml:"event,omitempty"`
	State     string `yaml:"state,omitempty"`
	Condition string `yaml:"condition,omitempty"`
}

// RuleTable is an ordered rule list. The first matching rule wins; no match
// means wait.
type RuleTable struct {
	rules []Rule
	conds []*condition.Expr
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleTable compiles rules.
func NewRuleTable(rules []Rule) (*RuleTable, error) {
	t := &RuleTable{rules: rules, conds: make([]*condition.Expr, len(rules))}
	for i, r := range rules {
		if r.When.Condition != "" {
			expr, err := condition.Parse(r.When.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			t.conds[i] = expr
		}
		switch r.Then.Kind {
		case KindDispatch:
			if r.Then.EventType == "" {
				return nil, fmt.Errorf("rule %d: dispatch without event_type", i)
			}
		case KindComplete, KindWait:
		default:
			return nil, fmt.Errorf("rule %d: unknown kind %q", i, r.Then.Kind)
		}
	}
	return t, nil
}

// ParseRules decodes a YAML rule document.
func ParseRules(data []byte) (*RuleTable, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return NewRuleTable(f.Rules)
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// Len returns the number of rules.
func (t *RuleTable) Len() int { return len(t.rules) }

// Decide implements Source. Payload and result templates are rendered
// against the trigger.
func (t *RuleTable) Decide(_ context.Context, trigger Trigger, available []discovery.Capability) (Decision, error) {
	vars := condition.Vars(trigger.Results, trigger.Data, trigger.Goal)
	vars["plan"] = map[string]any{"id": trigger.PlanID, "state": trigger.State}

	for i, r := range t.rules {
		if r.When.Event != "" && r.When.Event != trigger.EventType {
			continue
		}
		if r.When.State != "" && r.When.State != trigger.State {
			continue
		}
		if t.conds[i] != nil && !t.conds[i].Eval(vars) {
			continue
		}
		d := r.Then
		d.Payload = workflow.RenderMap(d.Payload, vars)
		d.Result = workflow.RenderMap(d.Result, vars)
		if d.Rationale == "" {
			d.Rationale = fmt.Sprintf("rule %d", i)
		}
		return withDefaultResponse(d, available), nil
	}
	return Decision{Kind: KindWait, Rationale: "no rule matched"}, nil
}
