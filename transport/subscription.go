package transport

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Subscription is the attachment of a correlator to one stream. It is
// returned by Bind and ends when the stream fails or Unsubscribe is called.
type Subscription struct {
	c        *Correlator
	done     chan struct{}
	detached bool // guarded by c.receiving
}

// Done is closed when the reader goroutine exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe detaches the correlator from the stream: the reader no longer
// delivers replies and every pending call fails with ErrConnectionLost. The
// correlator can then be bound to a replacement stream. The reader goroutine
// exits on its next read; close the stream to release it promptly.
func (s *Subscription) Unsubscribe() {
	c := s.c
	c.receiving.Lock()
	if s.detached {
		c.receiving.Unlock()
		return
	}
	s.detached = true
	if c.sub == s {
		c.sub = nil
		c.pauser = nil
		c.buf.Reset()
	}
	pending := c.takePending()
	c.receiving.Unlock()

	c.sending.Lock()
	if c.wsub == s {
		c.w, c.wsub = nil, nil
	}
	c.sending.Unlock()

	c.fail(pending, fmt.Errorf("%w: %w", ErrConnectionLost, ErrDetached))
}

// Bind attaches the correlator to a stream: requests are written to w and
// replies read from r by a new goroutine. If r implements Pauser it is paused
// while a large backlog is delivered. A nil r binds only the write side; the
// caller then feeds replies through OnData.
//
// Binding replaces (and unsubscribes) any previous stream.
func (c *Correlator) Bind(w io.Writer, r io.Reader) *Subscription {
	c.receiving.Lock()
	prev := c.sub
	c.receiving.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}

	sub := &Subscription{c: c, done: make(chan struct{})}
	c.receiving.Lock()
	c.sub = sub
	c.buf.Reset()
	c.pauser, _ = r.(Pauser)
	c.sending.Lock()
	c.w, c.wsub = w, sub
	c.sending.Unlock()
	c.mu.Lock()
	c.live = true
	c.mu.Unlock()
	c.receiving.Unlock()

	if r == nil {
		close(sub.done)
		return sub
	}
	go c.readLoop(sub, r)
	return sub
}

// readLoop runs in a dedicated goroutine. Reads must be sequential to keep
// line boundaries intact, so there is exactly one per stream.
func (c *Correlator) readLoop(sub *Subscription, r io.Reader) {
	defer close(sub.done)
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.receiving.Lock()
			if sub.detached {
				c.receiving.Unlock()
				return
			}
			c.onData(buf[:n])
			c.receiving.Unlock()
		}
		if err != nil {
			c.lost(sub, err)
			return
		}
	}
}

// lost ends sub after a read failure, failing every pending call. Later
// calls return ErrNotBound. The writer is left for Close to release.
func (c *Correlator) lost(sub *Subscription, cause error) {
	c.receiving.Lock()
	if sub.detached {
		c.receiving.Unlock()
		return
	}
	sub.detached = true
	if c.sub == sub {
		c.sub = nil
		c.pauser = nil
		c.buf.Reset()
	}
	pending := c.takePending()
	c.receiving.Unlock()

	if errors.Is(cause, io.EOF) {
		cause = io.ErrUnexpectedEOF
	}
	c.logger.Debug("stream ended", zap.Error(cause))
	c.fail(pending, fmt.Errorf("%w: %w", ErrConnectionLost, cause))
}
