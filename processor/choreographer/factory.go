package choreographer

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/engine"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the choreographer with the given registry. Instances
// built from the registration drive e.
func Register(registry RegistryInterface, e *engine.Engine) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: Name,
		Factory: func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			c, err := NewComponent(rawConfig, deps, e)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Schema:      choreographerSchema,
		Type:        "processor",
		Protocol:    "envelope",
		Domain:      "workflow",
		Description: "Consumes the envelope stream and drives plans through their state machines",
		Version:     "0.1.0",
	})
}
