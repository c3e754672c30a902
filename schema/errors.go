package schema

import "errors"

var (
	// ErrUnknownService is returned when a schema does not define the requested service.
	ErrUnknownService = errors.New("schema: unknown service")
	// ErrUnsupportedOption is returned for load option combinations the loader rejects.
	ErrUnsupportedOption = errors.New("schema: unsupported load option")
)
