// Package middleware defines the server-side handler contract and the
// middlewares that wrap it.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → (terminal reply) → C.after → B.after → A.after
//
// Because a handler may finish asynchronously (it can call done or res.End from
// another goroutine), the "after" side is observed through Observe rather than
// by waiting for the handler function to return.
package middleware

import (
	"context"
	"sync"

	"qrpc/message"
)

// ResponseWriter turns a handler's output into reply frames for one call.
type ResponseWriter interface {
	// Write sends a non-terminal reply. A nil value is ignored.
	Write(v any) error
	// End sends the terminal reply, carrying v[0] when given.
	End(v ...any) error
	// Fail sends a terminal error reply.
	Fail(err error) error
	// Ended reports whether a terminal reply was already sent.
	Ended() bool
}

// Done completes a call: a non-nil err becomes an error reply, otherwise the
// optional result is sent as the terminal reply. It does nothing when the
// response already ended.
type Done func(err error, result ...any)

type HandlerFunc func(ctx context.Context, req *message.Frame, res ResponseWriter, done Done)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Observe wraps res and done so that fn runs exactly once, when the call
// terminates through either of them. fn receives the error reply, if any.
func Observe(res ResponseWriter, done Done, fn func(err error)) (ResponseWriter, Done) {
	o := &observedWriter{ResponseWriter: res, fn: fn}
	wrapped := func(err error, result ...any) {
		already := res.Ended()
		done(err, result...)
		if !already && res.Ended() {
			o.fire(err)
		}
	}
	return o, wrapped
}

type observedWriter struct {
	ResponseWriter
	once sync.Once
	fn   func(err error)
}

func (w *observedWriter) End(v ...any) error {
	err := w.ResponseWriter.End(v...)
	if err == nil {
		w.fire(nil)
	}
	return err
}

func (w *observedWriter) Fail(e error) error {
	err := w.ResponseWriter.Fail(e)
	if err == nil {
		w.fire(e)
	}
	return err
}

func (w *observedWriter) fire(err error) {
	w.once.Do(func() { w.fn(err) })
}

// codedError is an error carrying a stable code that survives the trip to the client.
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Code() any { return e.code }

var (
	ErrTimeout     error = &codedError{code: "ETIMEDOUT", msg: "request timed out"}
	ErrRateLimited error = &codedError{code: "ERATELIMIT", msg: "rate limit exceeded"}
)
