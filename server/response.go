package server

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"qrpc/codec"
	"qrpc/message"
	"qrpc/protocol"
)

// ErrAlreadyEnded is reported when a handler writes to a response that has
// already sent its terminal frame.
var ErrAlreadyEnded = errors.New("response already ended")

// MisuseError describes a reply attempted after the terminal frame. It is never
// written to the wire; it goes to the dispatcher's misuse hook instead.
type MisuseError struct {
	ID     string
	Status message.Status // status of the rejected frame
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("qrpc: call %s: %q reply sent after end, handler bug", e.ID, e.Status)
}

func (e *MisuseError) Is(target error) bool { return target == ErrAlreadyEnded }

// ResponseWriter sends the replies of one call. It enforces the termination
// discipline: any number of REPLY frames, then exactly one LAST or ERROR frame.
// It is safe for concurrent use, so a handler may finish from another goroutine.
type ResponseWriter struct {
	mu     sync.Mutex
	id     string
	sink   io.Writer
	codec  *codec.LineCodec
	ended  bool
	misuse func(err error)
	onEnd  func() // runs once, when the terminal frame is sent
}

func newResponseWriter(id string, sink io.Writer, c *codec.LineCodec, misuse func(error)) *ResponseWriter {
	return &ResponseWriter{id: id, sink: sink, codec: c, misuse: misuse}
}

// ID returns the call id this writer replies to.
func (w *ResponseWriter) ID() string { return w.id }

// Write sends v as a non-terminal reply. There is no representation for an
// empty non-terminal reply, so a nil v is ignored.
func (w *ResponseWriter) Write(v any) error {
	if v == nil {
		return nil
	}
	return w.send(message.StatusReply, nil, []any{v}, false)
}

// End sends the terminal reply, carrying v[0] if given.
func (w *ResponseWriter) End(v ...any) error {
	return w.send(message.StatusLast, nil, v, false)
}

// Fail sends a terminal error reply.
func (w *ResponseWriter) Fail(err error) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	return w.send(message.StatusError, message.ToTransport(err), nil, false)
}

// Ended reports whether the terminal frame was sent.
func (w *ResponseWriter) Ended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ended
}

// complete is the done callback handed to handlers. Unlike End and Fail it is
// silent when the response already ended.
func (w *ResponseWriter) complete(err error, result ...any) {
	if err != nil {
		w.send(message.StatusError, message.ToTransport(err), nil, true)
		return
	}
	w.send(message.StatusLast, nil, result, true)
}

func (w *ResponseWriter) send(status message.Status, rec *message.ErrorRecord, v []any, quiet bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ended {
		if quiet {
			return nil
		}
		err := &MisuseError{ID: w.id, Status: status}
		if w.misuse != nil {
			w.misuse(err)
		}
		return err
	}

	f := &message.Frame{Version: message.Version, ID: w.id, Status: status, Error: rec}
	if len(v) > 0 {
		f.SetPayload(v[0])
	}
	line, err := w.codec.Encode(f)
	if err != nil && status.Terminal() {
		// the call must still be closed, so report the encoding failure instead
		f = &message.Frame{Version: message.Version, ID: w.id, Status: message.StatusError, Error: message.ToTransport(err)}
		line, _ = w.codec.Encode(f)
	} else if err != nil {
		return err
	}

	if status.Terminal() {
		w.ended = true
		if w.onEnd != nil {
			defer w.onEnd()
		}
	}
	if werr := protocol.WriteLine(w.sink, line); werr != nil {
		return werr
	}
	return err
}
