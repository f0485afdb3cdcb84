package middleware

import (
	"context"
	"strings"
	"time"
)

// RetryMiddleware retries transient failures with exponential backoff.
// Only errors that look like connectivity problems (timeouts, refused or
// reset connections) are retried; a remote handler error comes back
// immediately — retrying it would just repeat the same failure.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, args, reply any) error {
			err := next(ctx, method, args, reply)
			for i := 0; i < maxRetries && err != nil && isTransient(err); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // exponential backoff
				case <-ctx.Done():
					return ctx.Err()
				}
				err = next(ctx, method, args, reply)
			}
			return err
		}
	}
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
