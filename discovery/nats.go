package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/semflow/envelope"
)

// DefaultSubject is the request/reply subject for discovery. It must stay
// outside the envelope subject prefix captured by the stream.
const DefaultSubject = "semflow-discovery"

type discoverRequest struct {
	Topic envelope.Topic `json:"topic,omitempty"`
}

type discoverReply struct {
	Capabilities []Capability `json:"capabilities"`
	Error        string       `json:"error,omitempty"`
}

// NATSRegistry asks a registry service over NATS request/reply.
type NATSRegistry struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATSRegistry creates a client for subject.
func NewNATSRegistry(nc *nats.Conn, subject string, timeout time.Duration) *NATSRegistry {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSRegistry{nc: nc, subject: subject, timeout: timeout}
}

// Discover implements Registry.
func (r *NATSRegistry) Discover(ctx context.Context, topic envelope.Topic) ([]Capability, error) {
	payload, err := json.Marshal(discoverRequest{Topic: topic})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.subject, payload)
	if err != nil {
		return nil, fmt.Errorf("discovery request on %s: %w", r.subject, err)
	}
	var reply discoverReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode discovery reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("discovery service: %s", reply.Error)
	}
	if reply.Capabilities == nil {
		reply.Capabilities = []Capability{}
	}
	return reply.Capabilities, nil
}

// Serve answers discovery requests on subject from registry. Close the
// returned subscription to stop serving.
func Serve(nc *nats.Conn, subject string, registry Registry, logger *slog.Logger) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var req discoverRequest
		var reply discoverReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "malformed request"
		} else if caps, err := registry.Discover(context.Background(), req.Topic); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Capabilities = caps
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			logger.Warn("Failed to answer discovery request", "error", err)
		}
	})
}
