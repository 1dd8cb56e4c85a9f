package processor

import "github.com/c360studio/semstreams/component"

// Ports converts port definitions into NATS ports facing dir.
func Ports(defs []component.PortDefinition, dir component.Direction) []component.Port {
	ports := make([]component.Port, len(defs))
	for i, def := range defs {
		ports[i] = component.Port{
			Name:        def.Name,
			Direction:   dir,
			Required:    def.Required,
			Description: def.Description,
			Config: component.NATSPort{
				Subject: def.Subject,
			},
		}
	}
	return ports
}
