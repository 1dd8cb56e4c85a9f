// Package dispatch is the outbound side of the choreography: it turns
// requests, responses and facts into envelopes and hands them to a
// Publisher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/metrics"
)

// ErrInvalidRequest is returned when a dispatch call is missing a required field.
var ErrInvalidRequest = errors.New("invalid dispatch request")

// Request asks another agent to do something and reply with ResponseEvent
// under CorrelationID.
type Request struct {
	EventType     string
	ResponseEvent string
	CorrelationID string
	Data          map[string]any
	Scope         envelope.Scope
}

// Response answers an earlier request.
type Response struct {
	EventType     string
	CorrelationID string
	Data          map[string]any
	Scope         envelope.Scope
}

// Fact announces something that happened. Nobody is expected to reply.
type Fact struct {
	EventType     string
	CorrelationID string
	Data          map[string]any
	Scope         envelope.Scope
}

// Port is what the runners use to talk to the outside world. Every method
// returns the id of the envelope it published.
type Port interface {
	Request(ctx context.Context, req Request) (string, error)
	Respond(ctx context.Context, resp Response) (string, error)
	Announce(ctx context.Context, fact Fact) (string, error)
}

// Publisher delivers a built envelope to the transport.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// Dispatcher implements Port over a Publisher.
type Dispatcher struct {
	pub    Publisher
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(pub Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pub: pub, logger: logger}
}

// Request publishes a request envelope.
func (d *Dispatcher) Request(ctx context.Context, req Request) (string, error) {
	switch {
	case req.EventType == "":
		return "", fmt.Errorf("%w: event type required", ErrInvalidRequest)
	case req.ResponseEvent == "":
		return "", fmt.Errorf("%w: %s: response event required", ErrInvalidRequest, req.EventType)
	case req.CorrelationID == "":
		return "", fmt.Errorf("%w: %s: correlation id required", ErrInvalidRequest, req.EventType)
	}
	env, err := envelope.NewRequest(req.EventType, req.Data, req.ResponseEvent, req.CorrelationID, req.Scope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d.publish(ctx, env)
}

// Respond publishes a result envelope.
func (d *Dispatcher) Respond(ctx context.Context, resp Response) (string, error) {
	switch {
	case resp.EventType == "":
		return "", fmt.Errorf("%w: event type required", ErrInvalidRequest)
	case resp.CorrelationID == "":
		return "", fmt.Errorf("%w: %s: correlation id required", ErrInvalidRequest, resp.EventType)
	}
	env, err := envelope.NewResult(resp.EventType, resp.Data, resp.CorrelationID, resp.Scope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d.publish(ctx, env)
}

// Announce publishes a fact envelope.
func (d *Dispatcher) Announce(ctx context.Context, fact Fact) (string, error) {
	if fact.EventType == "" {
		return "", fmt.Errorf("%w: event type required", ErrInvalidRequest)
	}
	env, err := envelope.NewFact(fact.EventType, fact.Data, fact.CorrelationID, fact.Scope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return d.publish(ctx, env)
}

func (d *Dispatcher) publish(ctx context.Context, env envelope.Envelope) (string, error) {
	if err := d.pub.Publish(ctx, env); err != nil {
		metrics.DispatchTotal.WithLabelValues(string(env.Topic), "error").Inc()
		return "", fmt.Errorf("publish %s %s: %w", env.Topic, env.Type, err)
	}
	metrics.DispatchTotal.WithLabelValues(string(env.Topic), "ok").Inc()
	d.logger.Debug("Dispatched envelope",
		"topic", env.Topic,
		"event_type", env.Type,
		"correlation_id", env.CorrelationID,
		"envelope_id", env.ID)
	return env.ID, nil
}

// RequestAll sends every request concurrently and returns the envelope ids
// in input order. The first error cancels the remaining sends and is
// returned.
func RequestAll(ctx context.Context, p Port, reqs []Request) ([]string, error) {
	ids := make([]string, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			id, err := p.Request(gctx, req)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

var _ Port = (*Dispatcher)(nil)
