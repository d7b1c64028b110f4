// Package transport implements the client side of qrpc: issuing calls over a
// byte stream and routing the replies back to their callers.
//
// A Correlator multiplexes any number of concurrent calls over one stream.
// Each call gets a unique id, and a background goroutine (readLoop) reads
// reply lines and routes them to the callback registered under that id.
//
//	goroutine-1 ──Call(id=a)──┐
//	goroutine-2 ──Call(id=b)──┼──→ single stream ──→ Server
//	goroutine-3 ──Call(id=c)──┘
//
//	readLoop:  ←── reply(id=b) → pending[b] → callback of goroutine-2
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qrpc/codec"
	"qrpc/message"
	"qrpc/protocol"
)

// DefaultPauseThreshold is the number of buffered chunks above which the
// source is paused while the buffered frames are delivered.
const DefaultPauseThreshold = 40

const readSize = 32 * 1024

var (
	// ErrInvalidName is reported for a call without an operation name.
	ErrInvalidName = errors.New("qrpc: operation name must be a non-empty string")
	// ErrConnectionLost is delivered to every pending call when the stream fails.
	ErrConnectionLost = errors.New("qrpc: connection lost")
	// ErrShutdown is returned for calls on a closed correlator.
	ErrShutdown = errors.New("qrpc: correlator is shut down")
	// ErrNotBound is returned for calls issued before Bind.
	ErrNotBound = errors.New("qrpc: correlator is not bound to a stream")
	// ErrDetached is the cause given to pending calls when their stream is unsubscribed.
	ErrDetached = errors.New("stream detached")
)

// Callback receives the replies of one call: (err, nil) or (nil, data).
// It runs on the correlator's reader goroutine; it must not block and must
// not call Close or Unsubscribe.
type Callback func(err error, data any)

// Pauser is implemented by sources that can stop producing data for a while.
type Pauser interface {
	Pause()
	Resume()
}

// handler is the pending entry of one call. f is nil when the call fails
// without a reply.
type handler func(f *message.Frame, err error)

// Option configures a Correlator.
type Option func(*Correlator)

// WithIDGenerator replaces the call id generator. Ids must be unique among
// the calls pending on one correlator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Correlator) { c.newID = gen }
}

// WithPauseThreshold sets how many buffered chunks trigger a pause of the source.
func WithPauseThreshold(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithCodec replaces the payload codec.
func WithCodec(v codec.Codec) Option {
	return func(c *Correlator) { c.codec = codec.NewLineCodec(v) }
}

// Correlator issues calls on one bound stream and correlates their replies.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]handler // call id → reply handler
	live    bool                // a stream is bound and has not failed
	closed  bool

	sending sync.Mutex // Write lock, one frame per Write
	w       io.Writer
	wsub    *Subscription // the subscription w belongs to

	receiving sync.Mutex // Guards buf, pauser and sub
	buf       protocol.Buffer
	pauser    Pauser
	sub       *Subscription

	codec     *codec.LineCodec
	newID     func() string
	threshold int
	logger    *zap.Logger
}

// NewCorrelator creates an unbound correlator.
func NewCorrelator(opts ...Option) *Correlator {
	c := &Correlator{
		pending:   make(map[string]handler),
		codec:     codec.NewLineCodec(nil),
		newID:     uuid.NewString,
		threshold: DefaultPauseThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends a request for name with an optional payload. A []byte payload
// travels as a blob. cb, if non-nil, receives every REPLY, and the terminal
// frame when it carries data or an error. A nil cb makes the call
// fire-and-forget.
//
// Errors detected before the request is written are both returned and
// delivered to cb.
func (c *Correlator) Call(name string, payload any, cb Callback) error {
	var h handler
	if cb != nil {
		h = func(f *message.Frame, err error) {
			if f == nil {
				cb(err, nil)
				return
			}
			deliver(f, cb)
		}
	}
	taken, err := c.issue(name, payload, h)
	if err != nil && cb != nil && !taken {
		cb(err, nil)
	}
	return err
}

// deliver applies the reply rules for callbacks.
func deliver(f *message.Frame, cb Callback) {
	err := replyError(f)
	switch f.Status {
	case message.StatusReply:
	case message.StatusLast:
		if err == nil && !f.HasValue() {
			return
		}
	case message.StatusError:
		if err == nil {
			err = errors.New("qrpc: error reply without error record")
		}
	}
	if err != nil {
		cb(err, nil)
		return
	}
	cb(nil, f.Value())
}

func replyError(f *message.Frame) error {
	if f.Error == nil {
		return nil
	}
	return message.FromTransport(f.Error)
}

// Reply is one reply of a streamed call.
type Reply struct {
	Data any
	Err  error
	Last bool // the call is closed; no further replies follow
}

// Stream sends a request and returns a channel with every reply, including a
// bare terminal one. The channel is closed after the terminal reply. Replies
// are delivered from the reader goroutine, so the consumer must keep draining.
func (c *Correlator) Stream(name string, payload any) (<-chan Reply, error) {
	ch := make(chan Reply, 16)
	var once sync.Once
	_, err := c.issue(name, payload, func(f *message.Frame, err error) {
		if f == nil {
			once.Do(func() {
				ch <- Reply{Err: err, Last: true}
				close(ch)
			})
			return
		}
		r := Reply{Err: replyError(f), Last: f.Status.Terminal()}
		if r.Err == nil && f.HasValue() {
			r.Data = f.Value()
		}
		if f.Status == message.StatusError && r.Err == nil {
			r.Err = errors.New("qrpc: error reply without error record")
		}
		if r.Last {
			once.Do(func() {
				ch <- r
				close(ch)
			})
			return
		}
		ch <- r
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// issue registers h and writes the request. taken reports that a failing
// stream already handed h its one error, so the returned error must not be
// delivered again.
func (c *Correlator) issue(name string, payload any, h handler) (taken bool, err error) {
	if name == "" {
		return false, ErrInvalidName
	}
	id := c.newID()

	line, err := c.codec.Encode(message.NewRequest(id, name, payload))
	if err != nil {
		return false, fmt.Errorf("qrpc: encode %s: %w", name, err)
	}

	// Register before sending so the reply cannot outrun the entry.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrShutdown
	}
	if !c.live {
		c.mu.Unlock()
		return false, ErrNotBound
	}
	if h != nil {
		c.pending[id] = h
	}
	c.mu.Unlock()

	c.sending.Lock()
	w := c.w
	if w == nil {
		err = ErrNotBound
	} else {
		err = protocol.WriteLine(w, line)
	}
	c.sending.Unlock()

	if err != nil {
		c.mu.Lock()
		_, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		return h != nil && !ok, fmt.Errorf("qrpc: send %s: %w", name, err)
	}
	c.logger.Debug("call sent", zap.String("op", name), zap.String("id", id))
	return false, nil
}

// Pending returns the number of calls awaiting a terminal reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OnData buffers one chunk read from the stream and delivers every complete
// reply in it. It is called by the reader goroutine started by Bind and may be
// called directly when the caller owns the read side.
func (c *Correlator) OnData(chunk []byte) {
	c.receiving.Lock()
	defer c.receiving.Unlock()
	c.onData(chunk)
}

func (c *Correlator) onData(chunk []byte) {
	c.buf.Write(chunk)
	if c.pauser != nil && c.buf.Chunks() > c.threshold {
		c.pauser.Pause()
		defer c.pauser.Resume()
	}
	for {
		line, ok := c.buf.Next()
		if !ok {
			return
		}
		if len(line) == 0 {
			continue
		}
		f, err := c.codec.Decode(line)
		if err != nil {
			c.logger.Warn("unable to decode reply", zap.Error(err))
			continue
		}
		c.route(f)
	}
}

func (c *Correlator) route(f *message.Frame) {
	if f.Status == message.StatusNone {
		c.logger.Warn("ignoring request frame sent to client", zap.String("id", f.ID), zap.String("op", f.Name))
		return
	}
	c.mu.Lock()
	h, ok := c.pending[f.ID]
	if ok && f.Status.Terminal() {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping reply for unknown call", zap.String("id", f.ID))
		return
	}
	h(f, nil)
}

// takePending clears the table and returns what was in it. New calls are
// refused until the next Bind. Callers hold receiving so no reply is being
// routed concurrently.
func (c *Correlator) takePending() map[string]handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = false
	pending := c.pending
	c.pending = make(map[string]handler)
	return pending
}

// fail hands every taken call exactly one error.
func (c *Correlator) fail(pending map[string]handler, err error) {
	if len(pending) > 0 {
		c.logger.Warn("failing pending calls", zap.Int("count", len(pending)), zap.Error(err))
	}
	for _, h := range pending {
		h(nil, err)
	}
}

// Close detaches the stream, fails pending calls with ErrShutdown and closes
// the bound writer if it is an io.Closer. Further calls return ErrShutdown.
func (c *Correlator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.receiving.Lock()
	if c.sub != nil {
		c.sub.detached = true
		c.sub = nil
	}
	c.buf.Reset()
	c.pauser = nil
	pending := c.takePending()
	c.receiving.Unlock()

	c.sending.Lock()
	w := c.w
	c.w, c.wsub = nil, nil
	c.sending.Unlock()

	c.fail(pending, ErrShutdown)
	if closer, ok := w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Bound reports whether a stream is attached and has not failed.
func (c *Correlator) Bound() bool {
	c.receiving.Lock()
	defer c.receiving.Unlock()
	return c.sub != nil
}
