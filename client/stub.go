package client

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mini-mesh/interceptor"
	"mini-mesh/message"
	"mini-mesh/middleware"
	"mini-mesh/resolver"
	"mini-mesh/schema"
	"mini-mesh/status"
)

// CallOption adjusts one outbound call.
type CallOption func(*callOptions)

type callOptions struct {
	call        *interceptor.Call
	affinityKey string
}

// WithDeadline sets an absolute deadline. Ignored for nested calls, which
// always carry the inbound deadline.
func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) { o.call.SetDeadline(t) }
}

// WithTimeout sets a deadline relative to now; d <= 0 means no deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.call.SetTimeout(d) }
}

// NoDeadline lets the call run until it completes or is cancelled.
func NoDeadline() CallOption {
	return func(o *callOptions) { o.call.SetDeadline(time.Time{}) }
}

// WithMetadata adds headers to the call.
func WithMetadata(md message.Metadata) CallOption {
	return func(o *callOptions) {
		for k, v := range md {
			o.call.Metadata.Set(k, v)
		}
	}
}

// WithWaitForReady overrides whether the call waits for a reachable
// connection instead of failing at once.
func WithWaitForReady(wait bool) CallOption {
	return func(o *callOptions) { o.call.WaitForReady = &wait }
}

// WithPropagate sets the propagation flags explicitly.
func WithPropagate(p interceptor.Propagate) CallOption {
	return func(o *callOptions) { o.call.SetPropagate(p) }
}

// WithAffinityKey makes hashing balancers pick connections by key instead
// of by route.
func WithAffinityKey(key string) CallOption {
	return func(o *callOptions) { o.affinityKey = key }
}

// Stub calls the methods of the service behind one route.
type Stub struct {
	client   *ServiceClient
	handle   *resolver.ServiceHandle
	parent   *interceptor.CallContext
	defaults []CallOption
}

// Route returns the route the stub was resolved for.
func (s *Stub) Route() string {
	return s.handle.Route
}

// Service returns the resolved service.
func (s *Stub) Service() *schema.Service {
	return s.handle.Service
}

// Connections returns the providers currently serving the route.
func (s *Stub) Connections() []string {
	return s.handle.Connections()
}

// Invoke calls method with the raw request payload.
func (s *Stub) Invoke(ctx context.Context, method string, req []byte, opts ...CallOption) ([]byte, error) {
	svc := s.handle.Service
	if !svc.HasMethod(method) {
		return nil, status.Errorf(status.Unimplemented, "%s has no method %q", svc.FullName, method)
	}
	path := svc.Path(method)

	// A nested call issued on a fresh context continues the inbound trace.
	if s.parent != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(s.parent.Context()))
	}
	ctx, span := s.client.tracer.Start(ctx, path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("mesh.route", s.handle.Route)))
	defer span.End()

	resp, err := s.invoke(ctx, path, req, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, status.CodeOf(err).String())
	}
	return resp, err
}

func (s *Stub) invoke(ctx context.Context, path string, payload []byte, opts []CallOption) ([]byte, error) {
	call := interceptor.NewCall(ctx, s.handle.Route, path)
	call.Parent = s.parent
	co := callOptions{call: call}
	for _, opt := range s.defaults {
		opt(&co)
	}
	for _, opt := range opts {
		opt(&co)
	}

	chain := s.client.chain
	if s.parent != nil {
		chain = chain.With(interceptor.Parent{Call: s.parent})
	}
	if err := chain.Apply(call); err != nil {
		return nil, err
	}

	cctx, cancel := call.Effective()
	defer cancel()

	target := s.handle.Target(s.client.opts.Balancer, co.affinityKey)
	if target == "" {
		return nil, status.Errorf(status.Unavailable, "no connections for route %q", s.handle.Route)
	}

	req := &message.RPCMessage{ServiceMethod: path, Metadata: call.Metadata, Payload: payload}
	req.SetDeadline(call.Deadline)
	wait := call.WaitForReady != nil && *call.WaitForReady

	s.client.logger.Debug("invoke",
		zap.String("route", s.handle.Route),
		zap.String("method", path),
		zap.Bool("nested", s.parent != nil),
		zap.Time("deadline", call.Deadline))

	resp := s.client.outbound(withTarget(cctx, target, wait), req)
	if err := middleware.ReplyError(resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// InvokeJSON marshals req as JSON, calls method and decodes the reply into
// resp using the service's load options.
func (s *Stub) InvokeJSON(ctx context.Context, method string, req, resp any, opts ...CallOption) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return status.Errorf(status.InvalidArgument, "marshal request: %v", err)
	}
	out, err := s.Invoke(ctx, method, payload, opts...)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	if err := s.handle.Service.Unmarshal(out, resp); err != nil {
		return status.Errorf(status.Internal, "unmarshal response: %v", err)
	}
	return nil
}

type targetKey struct{}

type roundTripTarget struct {
	target string
	wait   bool
}

func withTarget(ctx context.Context, target string, wait bool) context.Context {
	return context.WithValue(ctx, targetKey{}, roundTripTarget{target: target, wait: wait})
}

// roundTrip is the innermost outbound handler: it sends req over the pool
// to the target stored in ctx.
func (c *ServiceClient) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	t, _ := ctx.Value(targetKey{}).(roundTripTarget)
	resp, err := c.pool.Invoke(ctx, t.target, t.wait, req)
	if err != nil {
		return middleware.ErrorReply(req, err)
	}
	return resp
}
