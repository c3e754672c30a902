package interceptor

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// Priorities of the built-in stages. Lower runs first.
const (
	PriorityTracing  = 10
	PriorityMetadata = 20
	PriorityAuth     = 30
	PriorityDeadline = 40
	PriorityParent   = 50
)

// Interceptor is one stage of the chain.
type Interceptor interface {
	Priority() int
	Intercept(c *Call) error
}

// Func adapts a function to an Interceptor.
type Func struct {
	Order int
	Fn    func(c *Call) error
}

func (f Func) Priority() int           { return f.Order }
func (f Func) Intercept(c *Call) error { return f.Fn(c) }

// Chain runs its stages in priority order. Stages with equal priority keep
// the order they were given in.
type Chain struct {
	stages []Interceptor
}

// NewChain returns a chain of the given stages.
func NewChain(stages ...Interceptor) *Chain {
	ch := &Chain{}
	return ch.With(stages...)
}

// With returns a new chain that also contains stages.
func (ch *Chain) With(stages ...Interceptor) *Chain {
	all := make([]Interceptor, 0, len(ch.stages)+len(stages))
	all = append(all, ch.stages...)
	all = append(all, stages...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Priority() < all[j].Priority()
	})
	return &Chain{stages: all}
}

// Apply runs every stage on c, stopping at the first error.
func (ch *Chain) Apply(c *Call) error {
	for _, s := range ch.stages {
		if err := s.Intercept(c); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stages.
func (ch *Chain) Len() int {
	return len(ch.stages)
}

// Options configure the built-in stages.
type Options struct {
	Identity        string
	Token           TokenSource
	WaitForReady    bool
	DefaultDeadline time.Duration
	Propagator      propagation.TextMapPropagator
}

// Standard returns the chain every outbound call goes through. Nested calls
// add a Parent stage on top of it.
func Standard(o Options) *Chain {
	return NewChain(
		Tracing{Identity: o.Identity, Propagator: o.Propagator},
		MetadataDefaults{WaitForReady: o.WaitForReady},
		Auth{Source: o.Token},
		Deadline{Default: o.DefaultDeadline},
	)
}
