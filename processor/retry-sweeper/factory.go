package retrysweeper

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow/delegation"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the retry sweeper with the given registry. Instances
// scan repo and re-send through tasks.
func Register(registry RegistryInterface, repo *storage.Repository, tasks *delegation.Runner) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: Name,
		Factory: func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			c, err := NewComponent(rawConfig, deps, repo, tasks)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Schema:      sweeperSchema,
		Type:        "processor",
		Protocol:    "task",
		Domain:      "workflow",
		Description: "Re-dispatches stale sub-tasks and fails tasks past their deadline",
		Version:     "0.1.0",
	})
}
