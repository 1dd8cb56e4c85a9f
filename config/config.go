// Package config provides configuration loading and management for semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATSKV = "natskv"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendBadger = "badger"
)

// Decision sources.
const (
	DecisionNone  = "none"
	DecisionRules = "rules"
	DecisionLLM   = "llm"
)

// Discovery modes.
const (
	DiscoveryStatic = "static"
	DiscoveryNATS   = "nats"
)

// Config represents the complete semflow configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Decision  DecisionConfig  `yaml:"decision"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// NATSConfig configures the NATS connection and the inbound stream
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is where the embedded server keeps JetStream data
	StoreDir string `yaml:"store_dir"`
	// SubjectPrefix roots every envelope subject (<prefix>.<topic>.<type>)
	SubjectPrefix string `yaml:"subject_prefix"`
	// Stream is the JetStream stream capturing the prefix
	Stream string `yaml:"stream"`
	// Consumer is the durable consumer name shared by replicas
	Consumer string `yaml:"consumer"`
	// AckWait is how long the broker waits before redelivering
	AckWait time.Duration `yaml:"ack_wait"`
	// MaxDeliver caps redeliveries of a failing message
	MaxDeliver int `yaml:"max_deliver"`
	// NakDelay delays redelivery after a handler error
	NakDelay time.Duration `yaml:"nak_delay"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	// Backend is one of memory, natskv, sqlite, redis, badger
	Backend string `yaml:"backend"`
	// Path is the sqlite file or badger directory
	Path string `yaml:"path"`
	// KVHistory is the revision history kept by natskv buckets
	KVHistory int `yaml:"kv_history"`
	// Redis configures the redis backend
	Redis RedisConfig `yaml:"redis"`
	// Instrument wraps the backend with Prometheus metrics
	Instrument bool `yaml:"instrument"`
}

// RedisConfig configures the redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EngineConfig configures the choreographer
type EngineConfig struct {
	// TemplatesDir holds plan template YAML files
	TemplatesDir string `yaml:"templates_dir"`
	// TemplatesGlob selects template files inside TemplatesDir
	TemplatesGlob string `yaml:"templates_glob"`
	// Watch reloads templates when files change
	Watch bool `yaml:"watch"`
	// LifecycleSignals announces plan.started/completed/... facts
	LifecycleSignals bool `yaml:"lifecycle_signals"`
	// TaskDeadline is applied to tasks created for nested delegation (0 = none)
	TaskDeadline time.Duration `yaml:"task_deadline"`
}

// DecisionConfig selects the decision source consulted by dynamic states
type DecisionConfig struct {
	// Source is one of none, rules, llm
	Source string `yaml:"source"`
	// RulesFile is the rule table for the rules source
	RulesFile string `yaml:"rules_file"`
	// LLM configures the llm source
	LLM LLMConfig `yaml:"llm"`
}

// LLMConfig configures the LLM-backed reasoner
type LLMConfig struct {
	// Provider is openai, ollama or anthropic
	Provider string `yaml:"provider"`
	// URL is the provider base URL
	URL string `yaml:"url"`
	// Model is the model name
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Temperature controls randomness (0.0-1.0)
	Temperature float64 `yaml:"temperature"`
	// MaxTokens caps the completion length
	MaxTokens int `yaml:"max_tokens"`
	// Timeout bounds one completion request
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the retry budget for transient failures
	MaxRetries int `yaml:"max_retries"`
}

// DiscoveryConfig configures how available actions are discovered
type DiscoveryConfig struct {
	// Mode is static or nats
	Mode string `yaml:"mode"`
	// Subject is the request/reply subject for nats discovery
	Subject string `yaml:"subject"`
	// TTL is how long discovered capabilities are cached
	TTL time.Duration `yaml:"ttl"`
	// Timeout bounds one discovery request
	Timeout time.Duration `yaml:"timeout"`
	// Static lists capabilities for static mode
	Static []CapabilityConfig `yaml:"static,omitempty"`
}

// CapabilityConfig is one statically configured action
type CapabilityConfig struct {
	Topic         string `yaml:"topic"`
	EventType     string `yaml:"event_type"`
	ResponseEvent string `yaml:"response_event"`
	Description   string `yaml:"description"`
}

// SweeperConfig configures the pending sub-task sweeper
type SweeperConfig struct {
	Enabled bool `yaml:"enabled"`
	// CheckInterval is how often tasks are scanned
	CheckInterval time.Duration `yaml:"check_interval"`
	// RedispatchAfter is how long a sub-task may stay pending before resend
	RedispatchAfter time.Duration `yaml:"redispatch_after"`
	// MaxAttempts caps dispatches per sub-task
	MaxAttempts int `yaml:"max_attempts"`
	// RatePerSecond limits re-dispatches
	RatePerSecond float64 `yaml:"rate_per_second"`
	// Burst is the limiter burst
	Burst int `yaml:"burst"`
}

// APIConfig configures the read-only inspection API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// RequestsPerMinute limits each client IP
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "",
			Embedded:      true,
			SubjectPrefix: "semflow",
			Stream:        "SEMFLOW",
			Consumer:      "semflow-choreographer",
			AckWait:       30 * time.Second,
			MaxDeliver:    10,
			NakDelay:      2 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendNATSKV,
			KVHistory:  5,
			Instrument: true,
		},
		Engine: EngineConfig{
			TemplatesDir:     "plans",
			TemplatesGlob:    "**/*.{yaml,yml}",
			Watch:            false,
			LifecycleSignals: true,
		},
		Decision: DecisionConfig{
			Source: DecisionNone,
			LLM: LLMConfig{
				Provider:    "ollama",
				URL:         "http://localhost:11434/v1",
				Model:       "qwen2.5-coder:32b",
				Temperature: 0.2,
				MaxTokens:   1024,
				Timeout:     2 * time.Minute,
				MaxRetries:  3,
			},
		},
		Discovery: DiscoveryConfig{
			Mode:    DiscoveryStatic,
			Subject: "semflow-discovery",
			TTL:     5 * time.Minute,
			Timeout: 2 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:         true,
			CheckInterval:   time.Minute,
			RedispatchAfter: 5 * time.Minute,
			MaxAttempts:     5,
			RatePerSecond:   10,
			Burst:           20,
		},
		API: APIConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:8480",
			RequestsPerMinute: 600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required")
	}
	if c.NATS.Stream == "" || c.NATS.Consumer == "" {
		return fmt.Errorf("nats.stream and nats.consumer are required")
	}

	switch c.Store.Backend {
	case BackendMemory, BackendNATSKV:
	case BackendSQLite, BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, natskv, sqlite, redis, badger", c.Store.Backend)
	}
	if c.Store.KVHistory < 0 || c.Store.KVHistory > 64 {
		return fmt.Errorf("store.kv_history must be between 0 and 64")
	}

	switch c.Decision.Source {
	case DecisionNone, "":
	case DecisionRules:
		if c.Decision.RulesFile == "" {
			return fmt.Errorf("decision.rules_file is required for the rules source")
		}
	case DecisionLLM:
		if c.Decision.LLM.URL == "" || c.Decision.LLM.Model == "" {
			return fmt.Errorf("decision.llm.url and decision.llm.model are required for the llm source")
		}
		if c.Decision.LLM.Temperature < 0 || c.Decision.LLM.Temperature > 1 {
			return fmt.Errorf("decision.llm.temperature must be between 0 and 1")
		}
	default:
		return fmt.Errorf("decision.source %q is not one of none, rules, llm", c.Decision.Source)
	}

	switch c.Discovery.Mode {
	case DiscoveryStatic, DiscoveryNATS:
	default:
		return fmt.Errorf("discovery.mode %q is not one of static, nats", c.Discovery.Mode)
	}
	if c.Discovery.Subject == c.NATS.SubjectPrefix || strings.HasPrefix(c.Discovery.Subject, c.NATS.SubjectPrefix+".") {
		return fmt.Errorf("discovery.subject %q must be outside nats.subject_prefix, which the stream captures", c.Discovery.Subject)
	}

	if c.Sweeper.Enabled {
		if c.Sweeper.CheckInterval <= 0 {
			return fmt.Errorf("sweeper.check_interval must be positive")
		}
		if c.Sweeper.RedispatchAfter <= 0 {
			return fmt.Errorf("sweeper.redispatch_after must be positive")
		}
		if c.Sweeper.RatePerSecond <= 0 {
			return fmt.Errorf("sweeper.rate_per_second must be positive")
		}
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// loadOverlay parses a file without defaults, for merging.
func loadOverlay(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// SaveToFile atomically writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	setString(&c.NATS.StoreDir, other.NATS.StoreDir)
	setString(&c.NATS.SubjectPrefix, other.NATS.SubjectPrefix)
	setString(&c.NATS.Stream, other.NATS.Stream)
	setString(&c.NATS.Consumer, other.NATS.Consumer)
	setDuration(&c.NATS.AckWait, other.NATS.AckWait)
	setInt(&c.NATS.MaxDeliver, other.NATS.MaxDeliver)
	setDuration(&c.NATS.NakDelay, other.NATS.NakDelay)

	// Store
	setString(&c.Store.Backend, other.Store.Backend)
	setString(&c.Store.Path, other.Store.Path)
	setInt(&c.Store.KVHistory, other.Store.KVHistory)
	setString(&c.Store.Redis.Addr, other.Store.Redis.Addr)
	setString(&c.Store.Redis.Password, other.Store.Redis.Password)
	setInt(&c.Store.Redis.DB, other.Store.Redis.DB)
	setString(&c.Store.Redis.Prefix, other.Store.Redis.Prefix)

	// Engine
	setString(&c.Engine.TemplatesDir, other.Engine.TemplatesDir)
	setString(&c.Engine.TemplatesGlob, other.Engine.TemplatesGlob)
	if other.Engine.Watch {
		c.Engine.Watch = true
	}
	setDuration(&c.Engine.TaskDeadline, other.Engine.TaskDeadline)

	// Decision
	setString(&c.Decision.Source, other.Decision.Source)
	setString(&c.Decision.RulesFile, other.Decision.RulesFile)
	setString(&c.Decision.LLM.Provider, other.Decision.LLM.Provider)
	setString(&c.Decision.LLM.URL, other.Decision.LLM.URL)
	setString(&c.Decision.LLM.Model, other.Decision.LLM.Model)
	setString(&c.Decision.LLM.APIKeyEnv, other.Decision.LLM.APIKeyEnv)
	if other.Decision.LLM.Temperature != 0 {
		c.Decision.LLM.Temperature = other.Decision.LLM.Temperature
	}
	setInt(&c.Decision.LLM.MaxTokens, other.Decision.LLM.MaxTokens)
	setDuration(&c.Decision.LLM.Timeout, other.Decision.LLM.Timeout)
	setInt(&c.Decision.LLM.MaxRetries, other.Decision.LLM.MaxRetries)

	// Discovery
	setString(&c.Discovery.Mode, other.Discovery.Mode)
	setString(&c.Discovery.Subject, other.Discovery.Subject)
	setDuration(&c.Discovery.TTL, other.Discovery.TTL)
	setDuration(&c.Discovery.Timeout, other.Discovery.Timeout)
	if len(other.Discovery.Static) > 0 {
		c.Discovery.Static = other.Discovery.Static
	}

	// Sweeper
	setDuration(&c.Sweeper.CheckInterval, other.Sweeper.CheckInterval)
	setDuration(&c.Sweeper.RedispatchAfter, other.Sweeper.RedispatchAfter)
	setInt(&c.Sweeper.MaxAttempts, other.Sweeper.MaxAttempts)
	if other.Sweeper.RatePerSecond != 0 {
		c.Sweeper.RatePerSecond = other.Sweeper.RatePerSecond
	}
	setInt(&c.Sweeper.Burst, other.Sweeper.Burst)

	// API
	setString(&c.API.Addr, other.API.Addr)
	setInt(&c.API.RequestsPerMinute, other.API.RequestsPerMinute)

	// Log
	setString(&c.Log.Level, other.Log.Level)
	setString(&c.Log.Format, other.Log.Format)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
