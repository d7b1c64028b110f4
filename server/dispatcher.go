package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"qrpc/codec"
	"qrpc/message"
	"qrpc/middleware"
	"qrpc/protocol"
)

// DefaultSliceSize is how many calls are dispatched before yielding.
const DefaultSliceSize = 10

// ErrNotCallable is returned when registering a nil handler.
var ErrNotCallable = errors.New("handler must be a function")

// ErrNoHandler matches every NoHandlerError.
var ErrNoHandler = errors.New("no handler")

// NoHandlerError is sent back when a call names an unregistered operation.
type NoHandlerError struct {
	Name string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler for operation %q", e.Name)
}

func (e *NoHandlerError) Code() any { return "ENOHANDLER" }

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandler }

type entry struct {
	handler middleware.HandlerFunc
	noReply bool
}

// Option configures a Dispatcher (and the Server built on it).
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithSliceSize bounds how many calls run before the dispatcher yields.
func WithSliceSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sliceSize = n
		}
	}
}

// WithYield replaces runtime.Gosched as the yield between slices.
func WithYield(yield func()) Option {
	return func(d *Dispatcher) { d.yield = yield }
}

// WithMisuseHook receives replies attempted after a response ended.
func WithMisuseHook(hook func(err error)) Option {
	return func(d *Dispatcher) { d.misuse = hook }
}

// WithCodec replaces the payload codec.
func WithCodec(c codec.Codec) Option {
	return func(d *Dispatcher) { d.codec = codec.NewLineCodec(c) }
}

// Dispatcher owns the handler registry and runs decoded calls against it.
// The registry may be shared by many connections; each connection keeps its
// own residue and queue.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[string]*entry
	services    map[string]*service // Registered services: "Arith" → *service
	middlewares []middleware.Middleware

	codec     *codec.LineCodec
	logger    *zap.Logger
	sliceSize int
	yield     func()
	misuse    func(err error)
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:  make(map[string]*entry),
		services:  make(map[string]*service),
		codec:     codec.NewLineCodec(nil),
		logger:    zap.NewNop(),
		sliceSize: DefaultSliceSize,
		yield:     runtime.Gosched,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.misuse == nil {
		d.misuse = func(err error) {
			d.logger.Error("reply after end", zap.Error(err))
		}
	}
	return d
}

// AddHandler registers a responding handler. A later registration under the
// same name replaces the earlier one.
func (d *Dispatcher) AddHandler(name string, fn middleware.HandlerFunc) error {
	return d.add(name, fn, false)
}

// AddNoReplyHandler registers a handler whose output is discarded.
func (d *Dispatcher) AddNoReplyHandler(name string, fn middleware.HandlerFunc) error {
	return d.add(name, fn, true)
}

func (d *Dispatcher) add(name string, fn middleware.HandlerFunc, noReply bool) error {
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrNotCallable, name)
	}
	d.mu.Lock()
	d.handlers[name] = &entry{handler: fn, noReply: noReply}
	d.mu.Unlock()
	return nil
}

// RemoveHandler unregisters name. Removing an unknown name is not an error.
func (d *Dispatcher) RemoveHandler(name string) {
	d.mu.Lock()
	delete(d.handlers, name)
	d.mu.Unlock()
}

// Handler returns the handler registered under name and whether it is a
// no-reply endpoint.
func (d *Dispatcher) Handler(name string) (fn middleware.HandlerFunc, noReply bool, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.handlers[name]
	if !ok {
		return nil, false, false
	}
	return e.handler, e.noReply, true
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.mu.Lock()
	d.middlewares = append(d.middlewares, mw)
	d.mu.Unlock()
}

// OnBytes appends chunk to buf, dispatches every complete call and returns the
// unconsumed tail to pass back in with the next chunk. Replies go to out;
// concurrent writers to out must be serialized by the caller.
func (d *Dispatcher) OnBytes(buf, chunk []byte, out io.Writer) []byte {
	return d.onBytes(context.Background(), buf, chunk, out, nil)
}

func (d *Dispatcher) onBytes(ctx context.Context, buf, chunk []byte, out io.Writer, inflight *sync.WaitGroup) []byte {
	data := append(buf, chunk...)
	q := d.NewQueue(ctx, out)
	q.inflight = inflight
	rest := protocol.SplitLines(data, func(line []byte) {
		if f := d.decode(line); f != nil {
			q.Push(f)
		}
	})
	d.Drain(q)
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// decode turns one line into a call, logging and skipping anything that is
// not a well-formed request.
func (d *Dispatcher) decode(line []byte) *message.Frame {
	if len(line) == 0 {
		return nil
	}
	f, err := d.codec.Decode(line)
	if err != nil {
		d.logger.Warn("unable to decode call", zap.Error(err))
		return nil
	}
	if f.Status != message.StatusNone {
		d.logger.Warn("ignoring reply frame sent to server", zap.String("id", f.ID), zap.Stringer("status", f.Status))
		return nil
	}
	return f
}

// Drain runs q to completion, yielding between slices.
func (d *Dispatcher) Drain(q *Queue) {
	for q.RunSlice() > 0 {
		d.yield()
	}
}

// dispatch runs a single call. When inflight is set it counts the call until
// its terminal frame is sent; no-reply calls are not counted.
func (d *Dispatcher) dispatch(ctx context.Context, req *message.Frame, out io.Writer, inflight *sync.WaitGroup) {
	d.mu.RLock()
	e, ok := d.handlers[req.Name]
	mws := d.middlewares
	d.mu.RUnlock()

	if !ok {
		res := newResponseWriter(req.ID, out, d.codec, d.misuse)
		res.Fail(&NoHandlerError{Name: req.Name})
		return
	}

	if e.noReply {
		out = io.Discard
	}
	res := newResponseWriter(req.ID, out, d.codec, d.misuse)
	if inflight != nil && !e.noReply {
		inflight.Add(1)
		res.onEnd = inflight.Done
	}
	h := middleware.Chain(mws...)(e.handler)
	d.invoke(ctx, h, req, res)
}

// invoke calls h, turning a panic into the call's error reply.
func (d *Dispatcher) invoke(ctx context.Context, h middleware.HandlerFunc, req *message.Frame, res *ResponseWriter) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", zap.String("op", req.Name), zap.String("id", req.ID), zap.Any("panic", r))
			res.complete(fmt.Errorf("handler panic: %v", r))
		}
	}()
	h(ctx, req, res, res.complete)
}
