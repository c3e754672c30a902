// Package middleware wraps RPC handlers in an onion of cross-cutting layers.
//
// The same HandlerFunc shape serves both directions: the server wraps its
// dispatcher with inbound layers (logging, tracing, auth, deadline, rate
// limit), and the client wraps the transport round trip with outbound layers
// such as RetryMiddleware.
package middleware

import (
	"context"

	"mini-mesh/message"
	"mini-mesh/status"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost layer:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ErrorReply builds the response for a failed request.
func ErrorReply(req *message.RPCMessage, err error) *message.RPCMessage {
	se := status.Convert(err)
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Code:          uint16(se.Code),
		Error:         se.Message,
	}
}

// ReplyError returns the status error carried by resp, or nil on success.
func ReplyError(resp *message.RPCMessage) error {
	if resp.Code == uint16(status.OK) && resp.Error == "" {
		return nil
	}
	code := status.Code(resp.Code)
	if code == status.OK {
		code = status.Unknown
	}
	return status.New(code, resp.Error)
}
