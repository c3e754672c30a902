package middleware

import (
	"context"
	"time"

	"mini-mesh/message"
	"mini-mesh/status"
)

// TimeoutMiddleware caps the time a handler may run. The request context
// already carries the caller's deadline; the cap only shortens it. A handler
// still running when the context ends is abandoned and the caller gets
// DeadlineExceeded or Canceled.
func TimeoutMiddleware(max time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if max > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
			if err := status.FromContext(ctx); err != nil {
				return ErrorReply(req, err)
			}

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return ErrorReply(req, status.FromContext(ctx))
			}
		}
	}
}
