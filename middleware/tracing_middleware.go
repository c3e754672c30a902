package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"mini-mesh/message"
)

// TracingMiddleware continues the caller's trace from the request metadata
// and records one server span per request. A nil provider or propagator
// falls back to the otel globals.
func TracingMiddleware(tp trace.TracerProvider, prop propagation.TextMapPropagator) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	tracer := tp.Tracer("mini-mesh/server")

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx = prop.Extract(ctx, propagation.MapCarrier(req.Metadata))
			ctx, span := tracer.Start(ctx, req.ServiceMethod,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "mini-mesh"),
					attribute.String("rpc.method", req.ServiceMethod),
					attribute.String("mesh.route", req.Metadata.Get(message.KeyRoute)),
				))
			defer span.End()

			resp := next(ctx, req)
			span.SetAttributes(attribute.Int("rpc.status_code", int(resp.Code)))
			if err := ReplyError(resp); err != nil {
				span.SetStatus(codes.Error, resp.Error)
			}
			return resp
		}
	}
}
