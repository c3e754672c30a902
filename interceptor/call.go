// Package interceptor prepares every outbound call before it reaches the
// transport. A Chain of prioritised stages fills in metadata, credentials,
// the deadline and the link to the inbound call a nested call is made from.
package interceptor

import (
	"context"
	"time"

	"mini-mesh/message"
)

// Propagate selects what a nested call inherits from its parent.
type Propagate uint16

const (
	PropagateDeadline Propagate = 1 << iota
	PropagateStatsContext
	PropagateTracingContext
	PropagateCancellation

	PropagateDefaults Propagate = 0xffff
)

// Has reports whether every flag in f is set.
func (p Propagate) Has(f Propagate) bool {
	return p&f == f
}

// CallContext is an inbound call as seen by its handler. It becomes the
// parent of every call the handler makes.
type CallContext struct {
	ctx      context.Context
	Method   string
	Metadata message.Metadata
	Deadline time.Time // zero when the caller set none
}

// NewCallContext wraps the context of an inbound call. The deadline is read
// from ctx.
func NewCallContext(ctx context.Context, method string, md message.Metadata) *CallContext {
	if md == nil {
		md = message.Metadata{}
	}
	deadline, _ := ctx.Deadline()
	return &CallContext{ctx: ctx, Method: method, Metadata: md, Deadline: deadline}
}

// Context returns the inbound call's context. It is cancelled when the
// caller cancels or the deadline passes.
func (c *CallContext) Context() context.Context {
	return c.ctx
}

// Call is an outbound call under construction.
type Call struct {
	ctx context.Context

	Route    string
	Method   string
	Metadata message.Metadata

	// Deadline is meaningful once DeadlineSet is true; a zero Deadline then
	// means the call has no deadline.
	Deadline    time.Time
	DeadlineSet bool

	// Parent is the inbound call this call is issued from, nil otherwise.
	Parent *CallContext

	WaitForReady *bool

	propagate    Propagate
	propagateSet bool
}

// NewCall starts an outbound call issued under ctx.
func NewCall(ctx context.Context, route, method string) *Call {
	return &Call{ctx: ctx, Route: route, Method: method, Metadata: message.Metadata{}}
}

// Context returns the context the call was issued under.
func (c *Call) Context() context.Context {
	return c.ctx
}

// SetDeadline requests an absolute deadline. The zero time requests none.
func (c *Call) SetDeadline(t time.Time) {
	c.Deadline = t
	c.DeadlineSet = true
}

// SetTimeout requests a deadline relative to now. d <= 0 requests none.
func (c *Call) SetTimeout(d time.Duration) {
	if d <= 0 {
		c.SetDeadline(time.Time{})
		return
	}
	c.SetDeadline(time.Now().Add(d))
}

// SetPropagate sets the propagation flags explicitly.
func (c *Call) SetPropagate(p Propagate) {
	c.propagate = p
	c.propagateSet = true
}

// Propagation returns the flags and whether they have been set.
func (c *Call) Propagation() (Propagate, bool) {
	return c.propagate, c.propagateSet
}

// Infinite reports whether the call was settled on having no deadline.
func (c *Call) Infinite() bool {
	return c.DeadlineSet && c.Deadline.IsZero()
}

// Effective returns the context to run the call under: the issuing context
// bounded by the call's deadline and, for nested calls, cancelled together
// with the parent when cancellation propagates.
func (c *Call) Effective() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.ctx)

	if c.Parent != nil && c.propagate.Has(PropagateCancellation) {
		stop := context.AfterFunc(c.Parent.Context(), cancel)
		inner := cancel
		cancel = func() {
			stop()
			inner()
		}
	}

	if !c.Deadline.IsZero() {
		dctx, dcancel := context.WithDeadline(ctx, c.Deadline)
		outer := cancel
		return dctx, func() {
			dcancel()
			outer()
		}
	}
	return ctx, cancel
}
