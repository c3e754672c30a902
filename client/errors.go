package client

import "errors"

var (
	// ErrAlreadyConnecting is returned by every Connect after the first.
	ErrAlreadyConnecting = errors.New("client: already connecting")
	// ErrNotConnected is returned by GetStub before Connect completes or after Close.
	ErrNotConnected = errors.New("client: not connected")
	// ErrRegisterAfterConnect is returned by RegisterService once Connect was called.
	ErrRegisterAfterConnect = errors.New("client: cannot register a service after connect")
	// ErrInvalidService is returned for a ServiceDefinition that fails validation.
	ErrInvalidService = errors.New("client: invalid service")
	// ErrNoService is returned by GetStub when a route cannot be resolved in time.
	ErrNoService = errors.New("client: no service available")
	// ErrSessionExpired is reported through Hooks.OnError when the store session is lost.
	ErrSessionExpired = errors.New("client: coordination store session expired")
)
