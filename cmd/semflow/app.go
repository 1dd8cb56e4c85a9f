package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/decision"
	"github.com/c360studio/semflow/discovery"
	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/dispatch/natsbus"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/processor"
	"github.com/c360studio/semflow/processor/choreographer"
	planapi "github.com/c360studio/semflow/processor/plan-api"
	retrysweeper "github.com/c360studio/semflow/processor/retry-sweeper"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/storage/backend"
	"github.com/c360studio/semflow/workflow/catalog"
	"github.com/c360studio/semflow/workflow/planrunner"
)

// App wires the engine, its store and the long-running components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsClient     *natsclient.Client
	natsConn       *nats.Conn
	js             jetstream.JetStream
	discoverySub   *nats.Subscription

	// Storage
	store storage.Store
	repo  *storage.Repository

	// Engine
	engine   *engine.Engine
	catalog  *catalog.Catalog
	watcher  *catalog.Watcher
	manager  *processor.Manager
	registry discovery.Registry
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, manager: processor.NewManager(logger)}, nil
}

// Start connects NATS, opens the store and starts every component with the
// choreographer consuming the JetStream stream.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}

	port := dispatch.New(natsbus.NewPublisher(a.js, a.cfg.NATS.SubjectPrefix), a.logger)
	if err := a.buildEngine(ctx, port); err != nil {
		return err
	}

	if err := choreographer.Register(a.manager, a.engine); err != nil {
		return err
	}
	if err := a.createComponent(choreographer.Name, choreographer.FromConfig(a.cfg.NATS)); err != nil {
		return err
	}
	if err := a.addSupportComponents(); err != nil {
		return err
	}
	if err := a.manager.StartAll(ctx, 5*time.Second); err != nil {
		return err
	}
	a.logger.Info("semflow ready",
		"version", Version,
		"store", a.cfg.Store.Backend,
		"templates", a.catalog.Len())
	return nil
}

// RunLocal runs the engine over an in-memory bus. Envelopes are read as
// JSON lines from in; everything the engine emits is written to out as
// JSON lines. It returns when in is exhausted and the bus is idle, or when
// ctx is cancelled.
func (a *App) RunLocal(ctx context.Context, in io.Reader, out io.Writer) error {
	if a.cfg.Store.Backend == config.BackendNATSKV {
		a.cfg.Store.Backend = config.BackendMemory
	}
	if err := a.openStore(ctx); err != nil {
		return err
	}

	bus := dispatch.NewMemoryBus(dispatch.WithBufferSize(1024))
	port := dispatch.New(bus, a.logger)
	if err := a.buildEngine(ctx, port); err != nil {
		return err
	}
	if err := a.addSupportComponents(); err != nil {
		return err
	}
	if err := a.manager.StartAll(ctx, 5*time.Second); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineSub := bus.Subscribe(dispatch.Filter{})
	defer engineSub.Close()
	served := make(chan error, 1)
	go func() { served <- a.engine.Serve(ctx, engineSub) }()

	var (
		mu    sync.Mutex
		input = make(map[string]bool)
	)
	printSub := bus.Subscribe(dispatch.Filter{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		enc := json.NewEncoder(out)
		for {
			select {
			case <-printSub.Done():
				return
			case env := <-printSub.C():
				mu.Lock()
				fromInput := input[env.ID]
				mu.Unlock()
				if fromInput {
					continue
				}
				if err := enc.Encode(env); err != nil {
					a.logger.Warn("Failed to write envelope", "error", err)
				}
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := envelope.Decode(line, fillEnvelope)
		if err != nil {
			a.logger.Error("Skipping malformed envelope", "error", err)
			continue
		}
		mu.Lock()
		input[env.ID] = true
		mu.Unlock()
		if err := bus.Publish(ctx, env); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read envelopes: %w", err)
	}

	// Give in-flight envelopes a moment to drain before closing.
	idle := time.NewTimer(200 * time.Millisecond)
	defer idle.Stop()
	select {
	case <-idle.C:
	case <-ctx.Done():
	}
	_ = printSub.Close()
	<-printed
	cancel()
	if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fillEnvelope lets hand-written input omit the id and timestamp.
func fillEnvelope(env *envelope.Envelope) {
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL
	if url == "" || a.cfg.NATS.Embedded {
		a.logger.Info("Starting embedded NATS server", "store_dir", a.cfg.NATS.StoreDir)
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}
		a.embeddedServer = ns
		url = ns.ClientURL()
	}

	a.logger.Info("Connecting to NATS", "url", url)
	client, err := natsclient.NewClient(url,
		natsclient.WithName("semflow"),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Connect(connCtx); err != nil {
			return err
		}
		return client.WaitForConnection(connCtx)
	})
	if err != nil {
		return wrapNATSError(err, url)
	}
	a.natsClient = client
	a.natsConn = client.GetConnection()

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError adds guidance when the server is unreachable.
func wrapNATSError(err error, url string) error {
	msg := err.Error()
	if errors.Is(err, nats.ErrNoServers) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no servers available") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a server, point nats.url (or SEMFLOW_NATS_URL) at one, or set
nats.embedded to true.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := backend.Open(ctx, a.cfg.Store, a.js, a.logger)
	if err != nil {
		return err
	}
	a.store = store
	a.repo = storage.NewRepository(store)
	return nil
}

// buildEngine creates the runners and engine over port and registers the
// template catalog.
func (a *App) buildEngine(ctx context.Context, port dispatch.Port) error {
	opts := []planrunner.Option{
		planrunner.WithLogger(a.logger),
		planrunner.WithLifecycleSignals(a.cfg.Engine.LifecycleSignals),
		planrunner.WithTaskDeadline(a.cfg.Engine.TaskDeadline),
	}
	src, err := a.decisionSource()
	if err != nil {
		return err
	}
	if src != nil {
		registry, err := a.discoveryRegistry()
		if err != nil {
			return err
		}
		opts = append(opts, planrunner.WithDecisionSource(src, registry))
	}

	plans := planrunner.New(a.repo, port, opts...)
	a.engine = engine.New(a.repo, plans, engine.WithLogger(a.logger))

	c, err := catalog.Load(a.cfg.Engine.TemplatesDir, a.cfg.Engine.TemplatesGlob, a.logger)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	a.catalog = c
	a.engine.SyncTemplates(c.All())

	if a.cfg.Engine.Watch {
		w, err := catalog.NewWatcher(c, catalog.DefaultDebounce, a.engine.SyncTemplates)
		if err != nil {
			return fmt.Errorf("create template watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start template watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// addSupportComponents registers and creates the sweeper and API when
// they are enabled.
func (a *App) addSupportComponents() error {
	if a.cfg.Sweeper.Enabled {
		if err := retrysweeper.Register(a.manager, a.repo, a.engine.Plans().Tasks()); err != nil {
			return err
		}
		if err := a.createComponent(retrysweeper.Name, retrysweeper.FromConfig(a.cfg.Sweeper)); err != nil {
			return err
		}
	}
	if a.cfg.API.Enabled {
		if err := planapi.Register(a.manager, a.repo, a.manager); err != nil {
			return err
		}
		if err := a.createComponent(planapi.Name, planapi.FromConfig(a.cfg.API)); err != nil {
			return err
		}
	}
	return nil
}

// createComponent builds a registered component from its typed config.
func (a *App) createComponent(name string, cfg any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal %s config: %w", name, err)
	}
	_, err = a.manager.Create(name, raw, component.Dependencies{
		NATSClient: a.natsClient,
		Logger:     a.logger,
	})
	return err
}

// decisionSource builds the configured source, or nil when dynamic states
// are not used.
func (a *App) decisionSource() (decision.Source, error) {
	switch a.cfg.Decision.Source {
	case config.DecisionRules:
		rules, err := decision.LoadRules(a.cfg.Decision.RulesFile)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Decision source: rules", "file", a.cfg.Decision.RulesFile, "rules", rules.Len())
		return rules, nil
	case config.DecisionLLM:
		lc := a.cfg.Decision.LLM
		retryCfg := llm.DefaultRetryConfig()
		if lc.MaxRetries > 0 {
			retryCfg.MaxAttempts = lc.MaxRetries
		}
		opts := []llm.ClientOption{llm.WithRetryConfig(retryCfg), llm.WithLogger(a.logger)}
		if lc.Timeout > 0 {
			opts = append(opts, llm.WithHTTPClient(&http.Client{Timeout: lc.Timeout}))
		}
		client, err := llm.NewClient(llm.Endpoint{
			Provider:  lc.Provider,
			URL:       lc.URL,
			Model:     lc.Model,
			APIKey:    os.Getenv(lc.APIKeyEnv),
			MaxTokens: lc.MaxTokens,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("create llm client: %w", err)
		}
		a.logger.Info("Decision source: llm", "provider", lc.Provider, "model", lc.Model)
		return decision.NewReasoner(client,
			decision.WithTemperature(lc.Temperature),
			decision.WithLogger(a.logger)), nil
	}
	return nil, nil
}

// discoveryRegistry builds the registry dynamic states choose from. A
// static registry is also served on the discovery subject when NATS is
// up, so agents and other replicas can query it.
func (a *App) discoveryRegistry() (discovery.Registry, error) {
	dc := a.cfg.Discovery
	switch dc.Mode {
	case config.DiscoveryNATS:
		if a.natsConn == nil {
			return nil, errors.New("nats discovery requires a NATS connection")
		}
		a.registry = discovery.NewCachedRegistry(discovery.NewNATSRegistry(a.natsConn, dc.Subject, dc.Timeout), dc.TTL)
	default:
		caps := make([]discovery.Capability, 0, len(dc.Static))
		for _, c := range dc.Static {
			caps = append(caps, discovery.Capability{
				Topic:         envelope.Topic(c.Topic),
				EventType:     c.EventType,
				ResponseEvent: c.ResponseEvent,
				Description:   c.Description,
			})
		}
		static := discovery.NewStaticRegistry(caps...)
		a.registry = static
		if a.natsConn != nil {
			sub, err := discovery.Serve(a.natsConn, dc.Subject, static, a.logger)
			if err != nil {
				return nil, fmt.Errorf("serve discovery: %w", err)
			}
			a.discoverySub = sub
		}
	}
	return a.registry, nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	if err := a.manager.StopAll(timeout); err != nil {
		a.logger.Error("Error stopping components", "error", err)
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Template watcher stop failed", "error", err)
		}
	}
	if a.discoverySub != nil {
		_ = a.discoverySub.Unsubscribe()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", "error", err)
		}
	}

	if a.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.natsClient.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
		cancel()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
	a.logger.Info("semflow shutdown complete")
}
