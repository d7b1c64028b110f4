package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

const readSize = 32 * 1024

// lockedWriter serializes replies from handlers that complete on other goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Session is the server side of one byte stream: it keeps the partial line
// left over between reads and a write lock shared by every call on the stream.
type Session struct {
	d        *Dispatcher
	ctx      context.Context
	out      *lockedWriter
	residue  []byte
	inflight sync.WaitGroup
}

// NewSession binds the dispatcher to w. Handlers receive ctx.
func (d *Dispatcher) NewSession(ctx context.Context, w io.Writer) *Session {
	return &Session{d: d, ctx: ctx, out: &lockedWriter{w: w}}
}

// Feed processes one chunk read from the stream. It must not be called concurrently.
func (s *Session) Feed(chunk []byte) {
	s.residue = s.d.onBytes(s.ctx, s.residue, chunk, s.out, &s.inflight)
}

// Pending returns the bytes of an incomplete trailing line.
func (s *Session) Pending() int { return len(s.residue) }

// Wait blocks until every responding call fed so far has sent its terminal frame.
func (s *Session) Wait() { s.inflight.Wait() }

// Serve reads r until EOF or error and feeds every chunk. A trailing line
// without terminator is discarded.
func (s *Session) Serve(r io.Reader) error {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.Feed(buf[:n])
		}
		if err != nil {
			if len(s.residue) > 0 {
				s.d.logger.Debug("dropping unterminated line", zap.Int("len", len(s.residue)))
				s.residue = nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
