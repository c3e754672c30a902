package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"mini-mesh/message"
	"mini-mesh/status"
)

// RetryMiddleware is an outbound layer that repeats a call answered with
// Unavailable, up to maxRetries extra attempts with exponential backoff
// starting at baseDelay. The call's context bounds the whole sequence.
// Only use it for idempotent methods.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = baseDelay

			attempt := 0
			resp, err := backoff.Retry(ctx, func() (*message.RPCMessage, error) {
				attempt++
				resp := next(ctx, req)
				if status.Code(resp.Code) == status.Unavailable {
					logger.Debug("retrying unavailable call",
						zap.String("method", req.ServiceMethod),
						zap.Int("attempt", attempt),
						zap.String("error", resp.Error))
					return resp, ReplyError(resp)
				}
				return resp, nil
			},
				backoff.WithBackOff(b),
				backoff.WithMaxTries(uint(maxRetries+1)),
				backoff.WithMaxElapsedTime(0),
			)
			if resp == nil {
				return ErrorReply(req, err)
			}
			return resp
		}
	}
}
