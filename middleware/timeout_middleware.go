package middleware

import (
	"context"
	"errors"
	"time"

	"qrpc/message"
)

// TimeOutMiddleware fails a call with ErrTimeout when it has not terminated
// within timeout. The handler's context is cancelled at the same moment; any
// reply it sends afterwards is dropped by the response writer.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame, res ResponseWriter, done Done) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			res, done = Observe(res, done, func(error) { cancel() })
			context.AfterFunc(ctx, func() {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					done(ErrTimeout)
				}
			})
			next(ctx, req, res, done)
		}
	}
}
