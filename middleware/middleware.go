// Package middleware provides composable wrappers around the client call path:
// logging, retry with backoff, per-call timeout, and rate limiting.
package middleware

import "context"

// CallFunc is the shape of one remote call: Client.Call, or a wrapped version
// of it.
type CallFunc func(ctx context.Context, method string, args, reply any) error

// Middleware wraps a CallFunc with extra behavior.
type Middleware func(next CallFunc) CallFunc

// Chain composes middlewares into one; the first middleware in the list is the
// outermost wrapper.
func Chain(middlewares ...Middleware) Middleware {
	return func(next CallFunc) CallFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
