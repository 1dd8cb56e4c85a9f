package choreographer

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/envelope"
)

var choreographerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the choreographer.
type Config struct {
	// SubjectPrefix roots every envelope subject.
	SubjectPrefix string `json:"subject_prefix"`

	// Stream is the JetStream stream capturing the prefix.
	Stream string `json:"stream"`

	// Consumer is the durable consumer shared by replicas.
	Consumer string `json:"consumer"`

	AckWait    time.Duration `json:"ack_wait"`
	MaxDeliver int           `json:"max_deliver"`
	NakDelay   time.Duration `json:"nak_delay"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns the defaults of the nats section.
func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig().NATS)
}

// FromConfig converts the file configuration.
func FromConfig(c config.NATSConfig) Config {
	return Config{
		SubjectPrefix: c.SubjectPrefix,
		Stream:        c.Stream,
		Consumer:      c.Consumer,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		NakDelay:      c.NakDelay,
	}
}

// defaultPorts describes the stream the choreographer reads and the
// subjects it writes for a given prefix.
func defaultPorts(prefix, stream string) *component.PortConfig {
	return &component.PortConfig{
		Inputs: []component.PortDefinition{
			{
				Name:        "envelopes",
				Type:        "jetstream",
				Subject:     envelope.WildcardSubject(prefix),
				StreamName:  stream,
				Description: "Goals, requests, results and facts",
				Required:    true,
			},
		},
		Outputs: []component.PortDefinition{
			{
				Name:        "requests",
				Type:        "jetstream",
				Subject:     envelope.SubjectFor(prefix, envelope.TopicRequest, ">"),
				StreamName:  stream,
				Description: "Actions dispatched to agents",
				Required:    true,
			},
			{
				Name:        "results",
				Type:        "jetstream",
				Subject:     envelope.SubjectFor(prefix, envelope.TopicResult, ">"),
				StreamName:  stream,
				Description: "Plan results sent to submitters",
				Required:    true,
			},
			{
				Name:        "lifecycle",
				Type:        "jetstream",
				Subject:     envelope.SubjectFor(prefix, envelope.TopicFact, ">"),
				StreamName:  stream,
				Description: "Plan lifecycle facts",
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if c.Stream == "" {
		return fmt.Errorf("stream is required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if c.AckWait <= 0 {
		return fmt.Errorf("ack_wait must be positive")
	}
	if c.NakDelay < 0 {
		return fmt.Errorf("nak_delay must not be negative")
	}
	return nil
}
