package middleware

import (
	"context"
	"crypto/subtle"

	"mini-mesh/message"
	"mini-mesh/status"
)

// TokenAuth rejects requests whose token metadata does not equal token,
// except for the whitelisted method paths.
func TokenAuth(token string, whitelist ...string) Middleware {
	open := make(map[string]bool, len(whitelist))
	for _, m := range whitelist {
		open[m] = true
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			got := req.Metadata.Get(message.KeyToken)
			if !open[req.ServiceMethod] && subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return ErrorReply(req, status.New(status.Unauthenticated, "auth metadata not correct"))
			}
			return next(ctx, req)
		}
	}
}
