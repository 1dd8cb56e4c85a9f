// Package planapi serves a read-only HTTP view of plans and tasks, plus
// health and Prometheus metrics.
package planapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/processor"
	"github.com/c360studio/semflow/storage"
)

// Name is the component name.
const Name = "plan-api"

// HealthSource reports component health by name.
type HealthSource interface {
	Health() map[string]component.HealthStatus
}

var apiSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the plan API.
type Config struct {
	Addr string `json:"addr"`
	// RequestsPerMinute limits each client IP. Zero disables limiting.
	RequestsPerMinute int `json:"requests_per_minute"`
}

// FromConfig converts the file configuration.
func FromConfig(c config.APIConfig) Config {
	return Config{Addr: c.Addr, RequestsPerMinute: c.RequestsPerMinute}
}

// Component runs the HTTP server.
type Component struct {
	config Config
	repo   *storage.Repository
	health HealthSource
	logger *slog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	server    *http.Server
	listener  net.Listener
	serveErr  chan error
}

// NewComponent creates the API from raw JSON config.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, repo *storage.Repository, health HealthSource) (*Component, error) {
	cfg := FromConfig(config.DefaultConfig().API)
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return New(repo, health, cfg, deps.GetLogger()), nil
}

// New creates the component. health may be nil.
func New(repo *storage.Repository, health HealthSource, cfg Config, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{config: cfg, repo: repo, health: health, logger: logger}
}

// Initialize checks the configuration.
func (c *Component) Initialize() error {
	if c.config.Addr == "" {
		return errors.New("addr is required")
	}
	if c.repo == nil {
		return errors.New("repository required")
	}
	return nil
}

// Start binds the listener and serves in the background.
func (c *Component) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}

	ln, err := net.Listen("tcp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.config.Addr, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	c.server = srv
	c.listener = ln
	c.serveErr = serveErr
	c.running = true
	c.startTime = time.Now()
	c.logger.Info("plan-api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (c *Component) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown plan-api: %w", err)
	}
	err := <-c.serveErr
	c.listener = nil
	c.logger.Info("plan-api stopped")
	return err
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        Name,
		Type:        "processor",
		Description: "Read-only HTTP view of plans and tasks",
		Version:     "0.1.0",
	}
}

// InputPorts returns no ports; the API reads the store directly.
func (c *Component) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns no ports.
func (c *Component) OutputPorts() []component.Port {
	return []component.Port{}
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return apiSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := component.HealthStatus{
		Healthy:   c.running,
		Status:    processor.StatusStopped,
		LastCheck: time.Now(),
	}
	if c.running {
		status.Status = processor.StatusRunning
		status.Uptime = time.Since(c.startTime)
	}
	return status
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

var (
	_ component.Discoverable = (*Component)(nil)
	_ processor.Lifecycle    = (*Component)(nil)
)
