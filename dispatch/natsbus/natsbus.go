// Package natsbus carries envelopes over NATS JetStream. Envelopes are
// published on <prefix>.<topic>.<type> with the envelope id as Nats-Msg-Id,
// so the stream drops duplicate publishes inside its dedupe window.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/metrics"
)

// DefaultDuplicateWindow is the stream dedupe window.
const DefaultDuplicateWindow = 2 * time.Minute

// Publisher implements dispatch.Publisher on JetStream.
type Publisher struct {
	js     jetstream.JetStream
	prefix string
}

// NewPublisher creates a publisher rooted at prefix.
func NewPublisher(js jetstream.JetStream, prefix string) *Publisher {
	if prefix == "" {
		prefix = envelope.DefaultSubjectPrefix
	}
	return &Publisher{js: js, prefix: prefix}
}

// Publish implements dispatch.Publisher.
func (p *Publisher) Publish(ctx context.Context, env envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := nats.NewMsg(env.Subject(p.prefix))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", msg.Subject, err)
	}
	return nil
}

// EnsureStream creates or updates the stream that captures every subject
// under prefix.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) (jetstream.Stream, error) {
	if prefix == "" {
		prefix = envelope.DefaultSubjectPrefix
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "semflow envelopes",
		Subjects:    []string{envelope.WildcardSubject(prefix)},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  DefaultDuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return stream, nil
}

// ConsumerConfig configures the durable consumer that feeds a handler.
type ConsumerConfig struct {
	Stream     string
	Durable    string
	Prefix     string
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
	// HandleTimeout bounds a single handler call.
	HandleTimeout time.Duration
	// Permanent classifies handler errors that redelivery cannot fix.
	// Such messages are terminated instead of naked.
	Permanent func(error) bool
}

// Consumer delivers stream messages to an envelope.Handler, acking on
// success, naking with delay on error and terminating undecodable messages
// and permanent failures. Redelivery is the only retry mechanism.
type Consumer struct {
	js      jetstream.JetStream
	cfg     ConsumerConfig
	handler envelope.Handler
	logger  *slog.Logger

	mu      sync.Mutex
	consume jetstream.ConsumeContext

	handled    atomic.Int64
	failed     atomic.Int64
	terminated atomic.Int64
}

// NewConsumer creates a consumer. Call Start to begin delivery.
func NewConsumer(js jetstream.JetStream, cfg ConsumerConfig, handler envelope.Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = envelope.DefaultSubjectPrefix
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = cfg.AckWait
	}
	return &Consumer{js: js, cfg: cfg, handler: handler, logger: logger}
}

// Start creates (or updates) the durable consumer and begins delivery.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consume != nil {
		return errors.New("consumer already started")
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Name:          c.cfg.Durable,
		Durable:       c.cfg.Durable,
		FilterSubject: envelope.WildcardSubject(c.cfg.Prefix),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	consumeCtx, err := cons.Consume(c.handleMsg)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", c.cfg.Durable, err)
	}
	c.consume = consumeCtx

	c.logger.Info("Consuming envelopes",
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Durable,
		"subject", envelope.WildcardSubject(c.cfg.Prefix))
	return nil
}

// Stop drains in-flight deliveries.
func (c *Consumer) Stop() {
	c.mu.Lock()
	consume := c.consume
	c.consume = nil
	c.mu.Unlock()
	if consume == nil {
		return
	}
	consume.Drain()
	<-consume.Closed()
}

// Stats returns handled, failed and terminated message counts.
func (c *Consumer) Stats() (handled, failed, terminated int64) {
	return c.handled.Load(), c.failed.Load(), c.terminated.Load()
}

func (c *Consumer) handleMsg(msg jetstream.Msg) {
	env, err := envelope.Unmarshal(msg.Data())
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		c.logger.Error("Failed to decode envelope",
			"subject", msg.Subject(),
			"error", err)
		metrics.ConsumedTotal.WithLabelValues("term").Inc()
		c.terminated.Add(1)
		_ = msg.Term() // Malformed data is never retryable
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandleTimeout)
	defer cancel()

	if err := c.handler(ctx, env); err != nil {
		if c.cfg.Permanent != nil && c.cfg.Permanent(err) {
			c.logger.Error("Envelope handler failed permanently, terminating",
				"event_type", env.Type,
				"correlation_id", env.CorrelationID,
				"envelope_id", env.ID,
				"error", err)
			metrics.ConsumedTotal.WithLabelValues("term").Inc()
			c.terminated.Add(1)
			_ = msg.Term()
			return
		}
		c.logger.Warn("Envelope handler failed, will redeliver",
			"event_type", env.Type,
			"correlation_id", env.CorrelationID,
			"envelope_id", env.ID,
			"error", err)
		metrics.ConsumedTotal.WithLabelValues("nak").Inc()
		c.failed.Add(1)
		if c.cfg.NakDelay > 0 {
			_ = msg.NakWithDelay(c.cfg.NakDelay)
		} else {
			_ = msg.Nak()
		}
		return
	}

	metrics.ConsumedTotal.WithLabelValues("ack").Inc()
	c.handled.Add(1)
	if err := msg.Ack(); err != nil {
		c.logger.Error("Failed to ack message", "envelope_id", env.ID, "error", err)
	}
}

var _ dispatch.Publisher = (*Publisher)(nil)
