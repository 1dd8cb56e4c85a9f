// Package retrysweeper provides a processor that re-sends sub-tasks whose
// results never arrived and fails tasks that ran past their deadline.
package retrysweeper

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
	"github.com/c360studio/semstreams/pkg/retry"
	"golang.org/x/time/rate"

	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/processor"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/delegation"
)

// Name is the component name.
const Name = "retry-sweeper"

// Component implements the retry sweeper.
type Component struct {
	config  Config
	repo    *storage.Repository
	tasks   *delegation.Runner
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	checksPerformed atomic.Int64
	redispatched    atomic.Int64
	exhausted       atomic.Int64
	expired         atomic.Int64
	errors          atomic.Int64
	lastCheckMu     sync.RWMutex
	lastCheck       time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithClock replaces the wall clock used for age and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(c *Component) {
		if now != nil {
			c.now = now
		}
	}
}

// NewComponent creates a sweeper from raw JSON config. Omitted fields take
// their defaults.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, repo *storage.Repository, tasks *delegation.Runner, opts ...Option) (*Component, error) {
	var config Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if repo == nil || tasks == nil {
		return nil, errors.New("repository and task runner required")
	}
	return New(repo, tasks, config, deps.GetLogger(), opts...)
}

// New creates a sweeper over repo, re-sending through tasks.
func New(repo *storage.Repository, tasks *delegation.Runner, cfg Config, logger *slog.Logger, opts ...Option) (*Component, error) {
	defaults := DefaultConfig()
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.RedispatchAfter == 0 {
		cfg.RedispatchAfter = defaults.RedispatchAfter
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Ports == nil {
		cfg.Ports = defaults.Ports
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Component{
		config:  cfg,
		repo:    repo,
		tasks:   tasks,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized retry-sweeper",
		"check_interval", c.config.CheckInterval,
		"redispatch_after", c.config.RedispatchAfter,
		"max_attempts", c.config.MaxAttempts)
	return nil
}

// Start begins the sweep loop.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.checkLoop(subCtx, c.done)

	c.logger.Info("retry-sweeper started",
		"check_interval", c.config.CheckInterval,
		"redispatch_after", c.config.RedispatchAfter)
	return nil
}

func (c *Component) checkLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	c.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over the pending tasks.
func (c *Component) Sweep(ctx context.Context) {
	c.checksPerformed.Add(1)
	c.updateLastCheck()

	var tasks []*workflow.Task
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		tasks, err = c.repo.ListTasks(ctx, storage.Filter{Status: storage.TaskStatusPending})
		return err
	})
	if err != nil {
		c.errors.Add(1)
		c.logger.Error("Failed to list pending tasks", "error", err)
		return
	}

	c.logger.Debug("Sweeping pending tasks", "pending_tasks", len(tasks))

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := c.checkTask(ctx, t); err != nil {
			c.errors.Add(1)
			c.logger.Warn("Failed to sweep task", "task_id", t.ID, "error", err)
		}
	}
}

func (c *Component) checkTask(ctx context.Context, t *workflow.Task) error {
	now := c.now()
	if t.Expired(now) {
		c.expired.Add(1)
		metrics.SubTasksTotal.WithLabelValues("expired").Inc()
		c.logger.Info("Task deadline exceeded", "task_id", t.ID, "plan_id", t.PlanID, "deadline", t.Deadline)
		return c.fail(ctx, t.ID, "task deadline exceeded")
	}

	for _, sub := range t.Pending() {
		last := sub.LastAttemptAt
		if last.IsZero() {
			last = sub.CreatedAt
		}
		if now.Sub(last) < c.config.RedispatchAfter {
			continue
		}

		if c.config.MaxAttempts > 0 && sub.Attempts >= c.config.MaxAttempts {
			c.exhausted.Add(1)
			c.logger.Warn("Sub-task out of attempts",
				"task_id", t.ID, "sub_task_id", sub.SubTaskID, "attempts", sub.Attempts)
			return c.fail(ctx, t.ID,
				fmt.Sprintf("sub-task %s (%s) got no result after %d attempts", sub.SubTaskID, sub.EventType, sub.Attempts))
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.tasks.Redispatch(ctx, t.ID, sub.SubTaskID); err != nil {
			return err
		}
		c.redispatched.Add(1)
	}
	return nil
}

// fail answers the owner with a failure. Fail is idempotent once the task
// is deleted, so transient store or bus errors are retried.
func (c *Component) fail(ctx context.Context, taskID, reason string) error {
	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.tasks.Fail(ctx, taskID, reason)
	})
}

// Stop cancels the loop and waits for the current sweep to finish.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.running = false
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("retry-sweeper did not stop within %s", timeout)
	}

	c.logger.Info("retry-sweeper stopped",
		"checks_performed", c.checksPerformed.Load(),
		"redispatched", c.redispatched.Load(),
		"exhausted", c.exhausted.Load(),
		"expired", c.expired.Load())
	return nil
}

// Stats is a snapshot of the sweeper counters.
type Stats struct {
	ChecksPerformed int64
	Redispatched    int64
	Exhausted       int64
	Expired         int64
	Errors          int64
}

// Stats returns the counters since creation.
func (c *Component) Stats() Stats {
	return Stats{
		ChecksPerformed: c.checksPerformed.Load(),
		Redispatched:    c.redispatched.Load(),
		Exhausted:       c.exhausted.Load(),
		Expired:         c.expired.Load(),
		Errors:          c.errors.Load(),
	}
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        Name,
		Type:        "processor",
		Description: "Re-sends stale sub-tasks and fails expired tasks",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return processor.Ports(c.config.Ports.Inputs, component.DirectionInput)
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}
	return processor.Ports(c.config.Ports.Outputs, component.DirectionOutput)
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return sweeperSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := processor.StatusStopped
	var uptime time.Duration
	if running {
		status = processor.StatusRunning
		uptime = time.Since(startTime)
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  c.getLastCheck(),
		ErrorCount: int(c.errors.Load()),
		Uptime:     uptime,
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastCheck(),
	}
}

func (c *Component) updateLastCheck() {
	c.lastCheckMu.Lock()
	c.lastCheck = time.Now()
	c.lastCheckMu.Unlock()
}

func (c *Component) getLastCheck() time.Time {
	c.lastCheckMu.RLock()
	defer c.lastCheckMu.RUnlock()
	return c.lastCheck
}

var (
	_ component.Discoverable = (*Component)(nil)
	_ processor.Lifecycle    = (*Component)(nil)
)
