package middleware

import (
	"context"
	"time"
)

// TimeoutMiddleware bounds each call with a deadline. The underlying client
// observes ctx, so the call itself is abandoned, not just the wait for it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, args, reply any) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, method, args, reply)
		}
	}
}
