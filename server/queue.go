package server

import (
	"context"
	"io"
	"sync"

	"qrpc/message"
)

// Queue holds decoded calls of one connection waiting to be dispatched. It is
// drained in bounded slices so a burst of buffered calls cannot monopolize the
// goroutine that serves the connection; any scheduler may drive RunSlice.
//
// A Queue is not safe for concurrent use.
type Queue struct {
	d     *Dispatcher
	ctx   context.Context
	out   io.Writer
	calls []*message.Frame

	inflight *sync.WaitGroup
}

// NewQueue returns an empty queue whose replies go to out.
func (d *Dispatcher) NewQueue(ctx context.Context, out io.Writer) *Queue {
	return &Queue{d: d, ctx: ctx, out: out}
}

// Push appends calls in arrival order.
func (q *Queue) Push(calls ...*message.Frame) {
	q.calls = append(q.calls, calls...)
}

// Len returns the number of calls not yet dispatched.
func (q *Queue) Len() int { return len(q.calls) }

// RunSlice dispatches at most the dispatcher's slice size of calls and returns
// how many remain.
func (q *Queue) RunSlice() int {
	n := min(len(q.calls), q.d.sliceSize)
	for i := 0; i < n; i++ {
		req := q.calls[i]
		q.calls[i] = nil
		q.d.dispatch(q.ctx, req, q.out, q.inflight)
	}
	q.calls = q.calls[n:]
	return len(q.calls)
}
