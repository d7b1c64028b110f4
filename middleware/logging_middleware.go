package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"qrpc/message"
)

// LoggingMiddleware logs every call once it terminates, with its duration and
// error if any.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame, res ResponseWriter, done Done) {
			start := time.Now()
			res, done = Observe(res, done, func(err error) {
				fields := []zap.Field{
					zap.String("op", req.Name),
					zap.String("id", req.ID),
					zap.Duration("duration", time.Since(start)),
				}
				if err != nil {
					logger.Warn("call failed", append(fields, zap.Error(err))...)
					return
				}
				logger.Info("call served", fields...)
			})
			next(ctx, req, res, done)
		}
	}
}
