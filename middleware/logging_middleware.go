package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-mesh/message"
	"mini-mesh/status"
)

// LoggingMiddleware logs the method, duration and outcome of every request.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", req.Metadata.Get(message.KeyRequestID)),
				zap.String("forwarded_for", req.Metadata.Get(message.KeyForwardedFor)),
			}
			if err := ReplyError(resp); err != nil {
				logger.Info("request failed", append(fields,
					zap.Stringer("code", status.Code(resp.Code)),
					zap.String("error", resp.Error))...)
			} else {
				logger.Debug("request served", fields...)
			}
			return resp
		}
	}
}
