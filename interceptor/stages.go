package interceptor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"mini-mesh/message"
	"mini-mesh/status"
)

// Identity returns the name a process adds to the forwarding chain.
func Identity(app string) string {
	return fmt.Sprintf("%s-%d", app, os.Getpid())
}

// Tracing extends the forwarding chain, tags the route and request id, and
// injects the trace context of the issuing context into the metadata.
type Tracing struct {
	Identity   string
	Propagator propagation.TextMapPropagator // nil uses the global propagator
}

func (Tracing) Priority() int { return PriorityTracing }

func (t Tracing) Intercept(c *Call) error {
	chain := t.Identity
	if c.Parent != nil {
		if prev := c.Parent.Metadata.Get(message.KeyForwardedFor); prev != "" {
			chain = prev + " " + t.Identity
		}
	}
	c.Metadata.Set(message.KeyForwardedFor, chain)
	c.Metadata.Set(message.KeyRoute, c.Route)
	c.Metadata.SetDefault(message.KeyRequestID, uuid.NewString())

	if _, ok := c.Propagation(); !ok {
		c.SetPropagate(PropagateDefaults &^ (PropagateDeadline | PropagateCancellation))
	}
	p, _ := c.Propagation()
	c.SetPropagate(p | PropagateStatsContext | PropagateTracingContext)

	prop := t.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	ctx := c.Context()
	// A nested call continues the trace of its inbound call unless the
	// issuing context carries a span of its own.
	if c.Parent != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = c.Parent.Context()
	}
	prop.Inject(ctx, propagation.MapCarrier(c.Metadata))
	return nil
}

// MetadataDefaults fills in call options the caller left unset.
type MetadataDefaults struct {
	WaitForReady bool
}

func (MetadataDefaults) Priority() int { return PriorityMetadata }

func (m MetadataDefaults) Intercept(c *Call) error {
	if c.WaitForReady == nil {
		v := m.WaitForReady
		c.WaitForReady = &v
	}
	return nil
}

// TokenSource supplies the credential attached to outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns itself.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Auth attaches a token to the call metadata.
type Auth struct {
	Source TokenSource
}

func (Auth) Priority() int { return PriorityAuth }

func (a Auth) Intercept(c *Call) error {
	if a.Source == nil {
		return nil
	}
	tok, err := a.Source.Token(c.Context())
	if err != nil {
		return status.Errorf(status.Unauthenticated, "token for %s: %v", c.Route, err)
	}
	if tok == "" {
		return status.Errorf(status.Unauthenticated, "empty token for %s", c.Route)
	}
	c.Metadata.Set(message.KeyToken, tok)
	return nil
}

// Deadline settles the call's deadline.
//
//   - nested call: the parent's deadline replaces any explicit one
//   - explicit "no deadline": none
//   - nothing set: now + Default
//   - otherwise the explicit deadline stands
//
// Nested calls always propagate the deadline since Parent forces the flag.
type Deadline struct {
	Default time.Duration
	Now     func() time.Time // nil uses time.Now
}

func (Deadline) Priority() int { return PriorityDeadline }

func (d Deadline) Intercept(c *Call) error {
	switch {
	case c.Parent != nil:
		c.SetDeadline(c.Parent.Deadline)
	case c.DeadlineSet:
	default:
		now := time.Now
		if d.Now != nil {
			now = d.Now
		}
		c.SetDeadline(now().Add(d.Default))
	}
	return nil
}

// Parent links a nested call to the inbound call it is made from and forces
// deadline and cancellation propagation.
type Parent struct {
	Call *CallContext
}

func (Parent) Priority() int { return PriorityParent }

func (p Parent) Intercept(c *Call) error {
	if c.Parent == nil {
		c.Parent = p.Call
	}
	if c.Parent == nil {
		return nil
	}
	if _, ok := c.Propagation(); !ok {
		c.SetPropagate(PropagateDefaults &^ (PropagateStatsContext | PropagateTracingContext))
	}
	flags, _ := c.Propagation()
	c.SetPropagate(flags | PropagateDeadline | PropagateCancellation)
	return nil
}
