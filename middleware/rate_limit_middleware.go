package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-mesh/message"
	"mini-mesh/status"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket of
// size burst) with ResourceExhausted.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return ErrorReply(req, status.New(status.ResourceExhausted, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
