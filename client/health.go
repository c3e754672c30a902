package client

import "mini-mesh/schema"

var healthCheckPath = "/" + schema.HealthService + "/Check"

// HealthResponse is the reply of the health service's Check method.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthService returns a definition of the built-in health service served
// on routes. Health checks bypass token verification.
func HealthService(routes ...string) ServiceDefinition {
	return ServiceDefinition{
		ServiceName: schema.HealthService,
		Routes:      routes,
		Internal:    true,
		Handlers: map[string]HandlerFunc{
			"Check": func(*Call, []byte) ([]byte, error) {
				return []byte(`{"status":"SERVING"}`), nil
			},
		},
	}
}
