package interceptor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"mini-mesh/message"
	"mini-mesh/status"
)

const defaultDeadline = 30 * time.Second

func standard() *Chain {
	return Standard(Options{
		Identity:        "tester-1",
		Token:           StaticToken("secret"),
		WaitForReady:    true,
		DefaultDeadline: defaultDeadline,
		Propagator:      propagation.TraceContext{},
	})
}

func TestChainOrder(t *testing.T) {
	var order []int
	rec := func(p int) Interceptor {
		return Func{Order: p, Fn: func(*Call) error { order = append(order, p); return nil }}
	}
	ch := NewChain(rec(50), rec(10), rec(30)).With(rec(20), rec(40))
	require.NoError(t, ch.Apply(NewCall(context.Background(), "R", "/a.B/C")))
	assert.Equal(t, []int{10, 20, 30, 40, 50}, order)
	assert.Equal(t, 5, ch.Len())
}

func TestChainStopsOnError(t *testing.T) {
	ran := false
	ch := NewChain(
		Auth{Source: StaticToken("")},
		Func{Order: PriorityDeadline, Fn: func(*Call) error { ran = true; return nil }},
	)
	err := ch.Apply(NewCall(context.Background(), "R", "/a.B/C"))
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))
	assert.False(t, ran)
}

type failingSource struct{}

func (failingSource) Token(context.Context) (string, error) { return "", errors.New("vault sealed") }

func TestAuthSourceError(t *testing.T) {
	err := Auth{Source: failingSource{}}.Intercept(NewCall(context.Background(), "R", "/a.B/C"))
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))
}

func TestDefaultDeadline(t *testing.T) {
	c := NewCall(context.Background(), "R", "/a.B/C")
	require.NoError(t, standard().Apply(c))

	assert.False(t, c.Infinite())
	assert.WithinDuration(t, time.Now().Add(defaultDeadline), c.Deadline, time.Second)
}

func TestNoDeadline(t *testing.T) {
	for _, set := range []func(*Call){
		func(c *Call) { c.SetDeadline(time.Time{}) },
		func(c *Call) { c.SetTimeout(0) },
		func(c *Call) { c.SetTimeout(-time.Second) },
	} {
		c := NewCall(context.Background(), "R", "/a.B/C")
		set(c)
		require.NoError(t, standard().Apply(c))
		assert.True(t, c.Infinite())

		ctx, cancel := c.Effective()
		_, has := ctx.Deadline()
		cancel()
		assert.False(t, has)
	}
}

func TestExplicitDeadlineKept(t *testing.T) {
	want := time.Now().Add(3 * time.Second)
	c := NewCall(context.Background(), "R", "/a.B/C")
	c.SetDeadline(want)
	require.NoError(t, standard().Apply(c))
	assert.True(t, want.Equal(c.Deadline))
}

func TestNestedCallUsesParentDeadline(t *testing.T) {
	parentDeadline := time.Now().Add(2 * time.Second)
	pctx, pcancel := context.WithDeadline(context.Background(), parentDeadline)
	defer pcancel()
	parent := NewCallContext(pctx, "/a.B/Outer", message.Metadata{message.KeyForwardedFor: "edge-7"})

	c := NewCall(context.Background(), "R4", "/a.B/Inner")
	c.Parent = parent
	c.SetTimeout(time.Hour)
	require.NoError(t, standard().With(Parent{Call: parent}).Apply(c))

	assert.True(t, parentDeadline.Equal(c.Deadline))
	flags, ok := c.Propagation()
	require.True(t, ok)
	assert.True(t, flags.Has(PropagateDeadline|PropagateCancellation|PropagateTracingContext|PropagateStatsContext))
	assert.Equal(t, "edge-7 tester-1", c.Metadata.Get(message.KeyForwardedFor))

	ctx, cancel := c.Effective()
	defer cancel()
	got, ok := ctx.Deadline()
	require.True(t, ok)
	assert.True(t, parentDeadline.Equal(got))

	// Cancelling the parent cancels the nested call.
	pcancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("nested call not cancelled with parent")
	}
}

func TestParentStageFlags(t *testing.T) {
	parent := NewCallContext(context.Background(), "/a.B/Outer", nil)

	c := NewCall(context.Background(), "R", "/a.B/C")
	require.NoError(t, Parent{Call: parent}.Intercept(c))
	flags, _ := c.Propagation()
	assert.Same(t, parent, c.Parent)
	assert.False(t, flags.Has(PropagateTracingContext))
	assert.False(t, flags.Has(PropagateStatsContext))
	assert.True(t, flags.Has(PropagateDeadline|PropagateCancellation))

	// Explicit flags keep their bits but still gain deadline and cancellation.
	c = NewCall(context.Background(), "R", "/a.B/C")
	c.SetPropagate(PropagateStatsContext)
	require.NoError(t, Parent{Call: parent}.Intercept(c))
	flags, _ = c.Propagation()
	assert.Equal(t, PropagateStatsContext|PropagateDeadline|PropagateCancellation, flags)

	// Not a nested call: nothing to link.
	c = NewCall(context.Background(), "R", "/a.B/C")
	require.NoError(t, Parent{}.Intercept(c))
	_, ok := c.Propagation()
	assert.False(t, ok)
}

func TestMetadata(t *testing.T) {
	c := NewCall(context.Background(), "R1", "/a.B/C")
	require.NoError(t, standard().Apply(c))

	assert.Equal(t, "tester-1", c.Metadata.Get(message.KeyForwardedFor))
	assert.Equal(t, "R1", c.Metadata.Get(message.KeyRoute))
	assert.Equal(t, "secret", c.Metadata.Get(message.KeyToken))
	assert.NotEmpty(t, c.Metadata.Get(message.KeyRequestID))
	require.NotNil(t, c.WaitForReady)
	assert.True(t, *c.WaitForReady)

	off := false
	c = NewCall(context.Background(), "R1", "/a.B/C")
	c.WaitForReady = &off
	c.Metadata.Set(message.KeyRequestID, "req-1")
	require.NoError(t, standard().Apply(c))
	assert.False(t, *c.WaitForReady)
	assert.Equal(t, "req-1", c.Metadata.Get(message.KeyRequestID))
}

func TestTracingInjectsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "outer")
	c := NewCall(ctx, "R", "/a.B/C")
	require.NoError(t, standard().Apply(c))
	span.End()

	traceparent := c.Metadata.Get("traceparent")
	require.NotEmpty(t, traceparent)
	assert.True(t, strings.Contains(traceparent, span.SpanContext().TraceID().String()))
	assert.Len(t, exporter.GetSpans(), 1)
}

func TestIdentity(t *testing.T) {
	assert.True(t, strings.HasPrefix(Identity("app"), "app-"))
}
