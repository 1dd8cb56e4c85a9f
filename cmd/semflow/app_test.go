package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/dispatch/natsbus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/workflow"
)

const echoTemplate = `
name: echo
goal_event: echo.requested
response_event: echo.completed
states:
  start:
    action:
      event_type: shout.requested
      response_event: shout.done
      payload:
        text: ${goal.text}
    transitions:
      - on: shout.done
        to: done
  done:
    terminal: true
    result:
      heard: ${event.heard}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	templates := filepath.Join(dir, "plans")
	require.NoError(t, os.MkdirAll(templates, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "echo.yaml"), []byte(echoTemplate), 0o644))

	cfg := config.DefaultConfig()
	cfg.NATS.StoreDir = filepath.Join(dir, "jetstream")
	cfg.NATS.AckWait = time.Second
	cfg.NATS.NakDelay = 10 * time.Millisecond
	cfg.Engine.TemplatesDir = templates
	cfg.Engine.LifecycleSignals = false
	cfg.API.Addr = "127.0.0.1:0"
	return cfg
}

func TestAppStartStop(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))

	assert.NotNil(t, app.natsConn)
	assert.NotNil(t, app.js)
	assert.NotNil(t, app.store)
	require.NotNil(t, app.embeddedServer)
	assert.Equal(t, 1, app.catalog.Len())

	health := app.manager.Health()
	for _, name := range []string{"choreographer", "retry-sweeper", "plan-api"} {
		require.Contains(t, health, name)
		assert.True(t, health[name].Healthy, name)
	}

	app.Shutdown(5 * time.Second)
	assert.False(t, app.embeddedServer.Running())
}

func TestAppRunsGoalOverJetStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweeper.Enabled = false
	cfg.API.Enabled = false
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	defer app.Shutdown(5 * time.Second)

	// The agent: answer every shout.
	agent := dispatch.New(natsbus.NewPublisher(app.js, cfg.NATS.SubjectPrefix), nil)
	shouts := envelope.SubjectFor(cfg.NATS.SubjectPrefix, envelope.TopicRequest, "shout.requested")
	sub, err := app.natsConn.Subscribe(shouts, func(msg *nats.Msg) {
		req, err := envelope.Unmarshal(msg.Data)
		if err != nil {
			return
		}
		_, _ = agent.Respond(context.Background(), dispatch.Response{
			EventType:     req.ResponseEvent,
			CorrelationID: req.CorrelationID,
			Data:          map[string]any{"heard": strings.ToUpper(req.Data["text"].(string))},
		})
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	completed := make(chan envelope.Envelope, 1)
	done, err := app.natsConn.Subscribe(
		envelope.SubjectFor(cfg.NATS.SubjectPrefix, envelope.TopicResult, "echo.completed"),
		func(msg *nats.Msg) {
			if env, err := envelope.Unmarshal(msg.Data); err == nil {
				completed <- env
			}
		})
	require.NoError(t, err)
	defer func() { _ = done.Unsubscribe() }()

	client := dispatch.New(natsbus.NewPublisher(app.js, cfg.NATS.SubjectPrefix), nil)
	goalID, err := client.Request(ctx, dispatch.Request{
		EventType:     "echo.requested",
		ResponseEvent: "echo.completed",
		CorrelationID: "client-7",
		Data:          map[string]any{"text": "hello"},
	})
	require.NoError(t, err)

	select {
	case env := <-completed:
		assert.Equal(t, "client-7", env.CorrelationID)
		assert.Equal(t, goalID, env.Data["plan_id"])
		assert.Equal(t, map[string]any{"heard": "HELLO"}, env.Data["result"])
	case <-time.After(10 * time.Second):
		t.Fatal("plan did not complete")
	}

	plan, err := app.repo.LoadPlan(ctx, goalID)
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanCompleted, plan.Status)
}

func TestRunLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendNATSKV
	cfg.Sweeper.Enabled = false
	cfg.API.Enabled = false
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)
	defer app.Shutdown(time.Second)

	in := strings.Join([]string{
		`{"id":"goal-1","type":"echo.requested","topic":"request","correlation_id":"client-1","response_event":"echo.completed","data":{"text":"hi"}}`,
		`not json`,
		`{"type":"shout.done","topic":"result","correlation_id":"goal-1","data":{"heard":"HI"}}`,
	}, "\n")
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.RunLocal(ctx, strings.NewReader(in), &out))
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend, "local mode has no KV bucket")

	var emitted []envelope.Envelope
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var env envelope.Envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		emitted = append(emitted, env)
	}
	require.Len(t, emitted, 2, "stdin envelopes are not echoed")

	assert.Equal(t, "shout.requested", emitted[0].Type)
	assert.Equal(t, "goal-1", emitted[0].CorrelationID)
	assert.Equal(t, "hi", emitted[0].Data["text"])

	assert.Equal(t, "echo.completed", emitted[1].Type)
	assert.Equal(t, "client-1", emitted[1].CorrelationID)
	assert.Equal(t, map[string]any{"heard": "HI"}, emitted[1].Data["result"])
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "floppy"
	_, err := NewApp(cfg, nil)
	assert.Error(t, err)
}

func TestDecisionSource(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
rules:
  - when: {event: triage.needed}
    then: {kind: complete}
`), 0o644))

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantNil bool
		wantErr bool
	}{
		{"none", func(c *config.Config) {}, true, false},
		{"rules", func(c *config.Config) {
			c.Decision.Source = config.DecisionRules
			c.Decision.RulesFile = rules
		}, false, false},
		{"missing rules", func(c *config.Config) {
			c.Decision.Source = config.DecisionRules
			c.Decision.RulesFile = filepath.Join(dir, "missing.yaml")
		}, true, true},
		{"llm", func(c *config.Config) {
			c.Decision.Source = config.DecisionLLM
		}, false, false},
		{"unknown provider", func(c *config.Config) {
			c.Decision.Source = config.DecisionLLM
			c.Decision.LLM.Provider = "carrier-pigeon"
		}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			app, err := NewApp(cfg, nil)
			require.NoError(t, err)

			src, err := app.decisionSource()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, src == nil)
		})
	}
}

func TestDiscoveryRegistry_Static(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Discovery.Static = []config.CapabilityConfig{
		{Topic: "request", EventType: "search.web", ResponseEvent: "search.web.done"},
		{Topic: "request", EventType: "search.docs", ResponseEvent: "search.docs.done"},
	}
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	reg, err := app.discoveryRegistry()
	require.NoError(t, err)
	caps, err := reg.Discover(context.Background(), envelope.TopicRequest)
	require.NoError(t, err)
	assert.Len(t, caps, 2)
	assert.Nil(t, app.discoverySub, "nothing to serve on without NATS")
}

func TestDiscoveryRegistry_NATSRequiresConnection(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Discovery.Mode = config.DiscoveryNATS
	app, err := NewApp(cfg, nil)
	require.NoError(t, err)

	_, err = app.discoveryRegistry()
	assert.Error(t, err)
}

func TestWrapNATSError(t *testing.T) {
	err := wrapNATSError(nats.ErrNoServers, "nats://localhost:4222")
	assert.ErrorIs(t, err, nats.ErrNoServers)
	assert.Contains(t, err.Error(), "nats.embedded")

	other := wrapNATSError(assert.AnError, "nats://localhost:4222")
	assert.NotContains(t, other.Error(), "nats.embedded")
}
