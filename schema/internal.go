package schema

import "fmt"

// HealthService is the fully qualified name of the built-in health service.
const HealthService = "mesh.health.v1.Health"

// Services known to every process. They are never uploaded to the registry.
var builtin = &Descriptor{
	Services: map[string]*ServiceSchema{
		HealthService: {
			Methods: map[string]Method{
				"Check": {RequestType: "HealthCheckRequest", ResponseType: "HealthCheckResponse"},
			},
		},
	},
}

// IsInternal reports whether name is served from the built-in table.
func IsInternal(name string) bool {
	_, ok := builtin.Services[name]
	return ok
}

// LoadInternal returns a built-in service.
func LoadInternal(name string, opts LoadOptions) (*Service, *Descriptor, error) {
	if !IsInternal(name) {
		return nil, nil, fmt.Errorf("%w: %q is not an internal service", ErrUnknownService, name)
	}
	svc, err := builtin.Service(name, opts)
	if err != nil {
		return nil, nil, err
	}
	return svc, builtin, nil
}
