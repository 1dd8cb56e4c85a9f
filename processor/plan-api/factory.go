package planapi

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/storage"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the plan API with the given registry. health may be
// nil.
func Register(registry RegistryInterface, repo *storage.Repository, health HealthSource) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: Name,
		Factory: func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			c, err := NewComponent(rawConfig, deps, repo, health)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Schema:      apiSchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "workflow",
		Description: "Serves plans, tasks, health and metrics over HTTP",
		Version:     "0.1.0",
	})
}
