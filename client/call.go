package client

import (
	"context"
	"time"

	"mini-mesh/interceptor"
	"mini-mesh/message"
	"mini-mesh/schema"
)

// HandlerFunc serves one RPC method of a registered service. It receives
// the raw request payload and returns the raw response payload.
type HandlerFunc func(call *Call, req []byte) ([]byte, error)

// Call is the inbound call a handler is serving. Stubs obtained from it make
// nested calls that inherit its deadline and cancellation.
type Call struct {
	client  *ServiceClient
	service *schema.Service
	parent  *interceptor.CallContext
}

// Context is cancelled when the caller cancels or the deadline passes.
func (c *Call) Context() context.Context {
	return c.parent.Context()
}

// Method returns the full method path being served.
func (c *Call) Method() string {
	return c.parent.Method
}

// Metadata returns the caller's headers.
func (c *Call) Metadata() message.Metadata {
	return c.parent.Metadata
}

// Deadline returns the inbound deadline; ok is false when there is none.
func (c *Call) Deadline() (deadline time.Time, ok bool) {
	return c.parent.Deadline, !c.parent.Deadline.IsZero()
}

// ForwardedFor returns the chain of processes the call passed through.
func (c *Call) ForwardedFor() string {
	return c.parent.Metadata.Get(message.KeyForwardedFor)
}

// Decode unmarshals the request payload according to the service's load options.
func (c *Call) Decode(req []byte, v any) error {
	return c.service.Unmarshal(req, v)
}

// GetStub resolves route and returns a stub whose calls are nested under c.
func (c *Call) GetStub(route string, opts ...CallOption) (*Stub, error) {
	stub, err := c.client.GetStub(c.Context(), route, opts...)
	if err != nil {
		return nil, err
	}
	stub.parent = c.parent
	return stub, nil
}
