package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration, and the error when one
// occurs.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, method string, args, reply any) error {
			start := time.Now()
			err := next(ctx, method, args, reply)
			fields := []zap.Field{
				zap.String("method", method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				log.Debug("call completed", fields...)
			}
			return err
		}
	}
}
