package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/semflow/discovery"
	"github.com/c360studio/semflow/llm"
)

const systemPrompt = `You coordinate autonomous agents that communicate only through events.
Given the current state of a plan and the actions that can be requested, choose exactly one:
- "dispatch": request one of the available actions (use its event_type verbatim)
- "complete": the goal is achieved; put the outcome in "result"
- "wait": nothing useful can be done until more events arrive
Reply with a single JSON object:
{"kind": "...", "event_type": "...", "response_event": "...", "payload": {...}, "result": {...}, "rationale": "..."}`

// Reasoner asks a language model to decide.
type Reasoner struct {
	llm         llm.Completer
	temperature *float64
	logger      *slog.Logger
}

// ReasonerOption configures a Reasoner.
type ReasonerOption func(*Reasoner)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ReasonerOption {
	return func(r *Reasoner) {
		r.temperature = &t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ReasonerOption {
	return func(r *Reasoner) {
		r.logger = logger
	}
}

// NewReasoner creates a Reasoner over client.
func NewReasoner(client llm.Completer, opts ...ReasonerOption) *Reasoner {
	r := &Reasoner{llm: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide implements Source. Transport failures are returned as is; a reply
// that holds no decision is ErrInvalidDecision.
func (r *Reasoner) Decide(ctx context.Context, trigger Trigger, available []discovery.Capability) (Decision, error) {
	prompt, err := buildPrompt(trigger, available)
	if err != nil {
		return Decision{}, err
	}
	resp, err := r.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: r.temperature,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reasoner: %w", err)
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return Decision{}, fmt.Errorf("%w: reply holds no JSON object", ErrInvalidDecision)
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	d.Kind = Kind(strings.ToLower(strings.TrimSpace(string(d.Kind))))

	r.logger.Debug("Reasoner decided",
		"plan_id", trigger.PlanID,
		"kind", d.Kind,
		"event_type", d.EventType,
		"rationale", d.Rationale)
	return withDefaultResponse(d, available), nil
}

func buildPrompt(trigger Trigger, available []discovery.Capability) (string, error) {
	t, err := json.MarshalIndent(trigger, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode trigger: %w", err)
	}
	var b strings.Builder
	b.WriteString("Plan state:\n")
	b.Write(t)
	b.WriteString("\n\nAvailable actions:\n")
	if len(available) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range available {
		fmt.Fprintf(&b, "- %s -> replies %s", c.EventType, c.ResponseEvent)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
