// Package processor hosts the long-running parts of semflow (choreographer,
// retry sweeper, plan API). Each registers a factory; the manager builds
// them from raw JSON config, starts them in order and stops them in
// reverse.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
)

// Lifecycle is the start/stop surface every semflow component implements
// alongside component.Discoverable.
type Lifecycle interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Status strings reported by components.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Manager is a component registry plus the ordered set of instances built
// from it.
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	factories  map[string]component.RegistrationConfig
	components []component.Discoverable
	started    []component.Discoverable
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, factories: make(map[string]component.RegistrationConfig)}
}

// RegisterWithConfig records a factory under its name.
func (m *Manager) RegisterWithConfig(cfg component.RegistrationConfig) error {
	if cfg.Name == "" {
		return errors.New("registration name is required")
	}
	if cfg.Factory == nil {
		return fmt.Errorf("%s: factory is required", cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.factories[cfg.Name]; ok {
		return fmt.Errorf("%s already registered", cfg.Name)
	}
	m.factories[cfg.Name] = cfg
	return nil
}

// Registered reports whether a factory exists for name.
func (m *Manager) Registered(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.factories[name]
	return ok
}

// Create builds the named component from rawConfig and queues it for
// StartAll. Components created after StartAll are not started.
func (m *Manager) Create(name string, rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	m.mu.Lock()
	reg, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("component %s not registered", name)
	}
	if deps.Logger == nil {
		deps.Logger = m.logger
	}

	c, err := reg.Factory(rawConfig, deps)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	if _, ok := c.(Lifecycle); !ok {
		return nil, fmt.Errorf("create %s: component has no lifecycle", name)
	}

	m.mu.Lock()
	m.components = append(m.components, c)
	m.mu.Unlock()
	return c, nil
}

// StartAll initializes and starts every component. If one fails, the ones
// already started are stopped again.
func (m *Manager) StartAll(ctx context.Context, stopTimeout time.Duration) error {
	m.mu.Lock()
	components := append([]component.Discoverable(nil), m.components...)
	m.mu.Unlock()

	for _, c := range components {
		name := c.Meta().Name
		lc := c.(Lifecycle)
		if err := lc.Initialize(); err != nil {
			m.rollback(stopTimeout)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		if err := lc.Start(ctx); err != nil {
			m.rollback(stopTimeout)
			return fmt.Errorf("start %s: %w", name, err)
		}
		m.mu.Lock()
		m.started = append(m.started, c)
		m.mu.Unlock()
		m.logger.Info("Component started", "name", name)
	}
	return nil
}

// StopAll stops started components in reverse order.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		name := c.Meta().Name
		if err := c.(Lifecycle).Stop(timeout); err != nil {
			m.logger.Error("Component stop failed", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		m.logger.Info("Component stopped", "name", name)
	}
	return errors.Join(errs...)
}

func (m *Manager) rollback(timeout time.Duration) {
	if err := m.StopAll(timeout); err != nil {
		m.logger.Warn("Rollback after failed start was incomplete", "error", err)
	}
}

// Health reports every created component by name.
func (m *Manager) Health() map[string]component.HealthStatus {
	m.mu.Lock()
	components := append([]component.Discoverable(nil), m.components...)
	m.mu.Unlock()

	out := make(map[string]component.HealthStatus, len(components))
	for _, c := range components {
		out[c.Meta().Name] = c.Health()
	}
	return out
}
