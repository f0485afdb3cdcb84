package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a call is rejected by RateLimitMiddleware.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects calls beyond r per second (token bucket with the
// given burst). Useful when a UI callback can hammer a DCC host faster than it
// can service requests.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, args, reply any) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, method, args, reply)
		}
	}
}
