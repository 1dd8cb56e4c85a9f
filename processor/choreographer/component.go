// Package choreographer runs the engine behind a durable JetStream consumer.
// Every replica shares one consumer, so each envelope is handled once per
// delivery; a handler error naks the message for redelivery.
package choreographer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/semflow/decision"
	"github.com/c360studio/semflow/dispatch/natsbus"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/processor"
	"github.com/c360studio/semflow/workflow"
)

// Name is the component name.
const Name = "choreographer"

// Component consumes the envelope stream and feeds the engine.
type Component struct {
	config     Config
	natsClient *natsclient.Client
	engine     *engine.Engine
	logger     *slog.Logger
	consumer   *natsbus.Consumer

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	// lastActivity is unix nanos of the latest delivery. It is kept off mu
	// because Stop holds mu while the consumer drains.
	lastActivity atomic.Int64
}

// NewComponent creates the choreographer over e. The JetStream context
// comes from deps.NATSClient when the component starts.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, e *engine.Engine) (*Component, error) {
	config := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Ports == nil {
		config.Ports = defaultPorts(config.SubjectPrefix, config.Stream)
	}
	if e == nil {
		return nil, errors.New("engine required")
	}

	return &Component{
		config:     config,
		natsClient: deps.NATSClient,
		engine:     e,
		logger:     deps.GetLogger(),
	}, nil
}

// Initialize logs the wiring.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized choreographer",
		"stream", c.config.Stream,
		"consumer", c.config.Consumer,
		"prefix", c.config.SubjectPrefix)
	return nil
}

// Start ensures the stream exists and begins consuming.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	if _, err := natsbus.EnsureStream(ctx, js, c.config.Stream, c.config.SubjectPrefix); err != nil {
		return err
	}
	consumer := natsbus.NewConsumer(js, natsbus.ConsumerConfig{
		Stream:     c.config.Stream,
		Durable:    c.config.Consumer,
		Prefix:     c.config.SubjectPrefix,
		AckWait:    c.config.AckWait,
		MaxDeliver: c.config.MaxDeliver,
		NakDelay:   c.config.NakDelay,
		Permanent:  Permanent,
	}, c.handle, c.logger)
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	c.consumer = consumer
	c.running = true
	c.startTime = time.Now()
	c.logger.Info("choreographer started", "stream", c.config.Stream, "consumer", c.config.Consumer)
	return nil
}

func (c *Component) handle(ctx context.Context, env envelope.Envelope) error {
	c.lastActivity.Store(time.Now().UnixNano())
	return c.engine.Handle(ctx, env)
}

// Stop drains in-flight deliveries.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.consumer.Stop()
	c.running = false

	handled, failed, terminated := c.consumer.Stats()
	c.logger.Info("choreographer stopped",
		"handled", handled,
		"failed", failed,
		"terminated", terminated)
	return nil
}

// Stats reports deliveries handled, failed (nak'd) and terminated since
// start.
func (c *Component) Stats() (handled, failed, terminated int64) {
	c.mu.RLock()
	consumer := c.consumer
	c.mu.RUnlock()
	if consumer == nil {
		return 0, 0, 0
	}
	return consumer.Stats()
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        Name,
		Type:        "processor",
		Description: "Drives plans from the envelope stream",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	return processor.Ports(c.config.Ports.Inputs, component.DirectionInput)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	return processor.Ports(c.config.Ports.Outputs, component.DirectionOutput)
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return choreographerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:   running,
		Status:    processor.StatusStopped,
		LastCheck: time.Now(),
	}
	if running {
		status.Status = processor.StatusRunning
		status.Uptime = time.Since(startTime)
	}
	_, failed, terminated := c.Stats()
	status.ErrorCount = int(failed + terminated)
	return status
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	var rate float64
	handled, failed, terminated := c.Stats()
	if total := handled + failed + terminated; total > 0 {
		rate = float64(failed+terminated) / float64(total)
	}
	return component.FlowMetrics{
		ErrorRate:    rate,
		LastActivity: last,
	}
}

// Permanent reports whether redelivering the envelope cannot change the
// outcome: malformed envelopes, broken graphs and rejected decisions.
func Permanent(err error) bool {
	var envErr *envelope.ValidationError
	return errors.As(err, &envErr) ||
		errors.Is(err, workflow.ErrInvalidStateMachine) ||
		errors.Is(err, decision.ErrInvalidDecision)
}

var (
	_ component.Discoverable = (*Component)(nil)
	_ processor.Lifecycle    = (*Component)(nil)
)
