// Package server implements the serving side of qrpc: a handler registry,
// per-connection line dispatch, service registration and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads chunks)
//	  → Session.Feed → split lines → LineCodec.Decode → Queue
//	    → Queue.RunSlice (bounded, yields between slices)
//	      → Middleware Chain → handler(ctx, req, res, done) → ResponseWriter → conn
//
// Handlers run in arrival order on the connection's goroutine and may finish
// later from any goroutine through res or done.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"qrpc/registry"
)

// DefaultTTL is the lease, in seconds, of a registry entry.
const DefaultTTL = 10

// Server accepts stream connections and serves each with a Session.
type Server struct {
	*Dispatcher

	listener      net.Listener
	wg            sync.WaitGroup // Tracks live connections for graceful shutdown
	shutdown      atomic.Bool    // Set during shutdown to suppress Accept errors
	mu            sync.Mutex
	conns         map[net.Conn]struct{}
	names         []string          // Extra names announced besides registered services
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // Address registered in etcd (e.g., "127.0.0.1:8080")
	cancel        context.CancelFunc
}

// NewServer creates a server with an empty handler registry.
func NewServer(opts ...Option) *Server {
	return &Server{
		Dispatcher: NewDispatcher(opts...),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Advertise adds names to announce in the registry in addition to the
// services added with Register.
func (svr *Server) Advertise(names ...string) {
	svr.mu.Lock()
	svr.names = append(svr.names, names...)
	svr.mu.Unlock()
}

// Serve listens on the given address and serves until Shutdown.
//
// advertiseAddr is the address written to the registry (e.g., "127.0.0.1:8080");
// it differs from the listen address because ":8080" is not routable. Pass a
// nil reg to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("qrpc: listen %s: %w", address, err)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is like Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	ctx, cancel := context.WithCancel(context.Background())
	svr.mu.Lock()
	svr.listener = listener
	svr.cancel = cancel
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range svr.announced() {
			err := reg.Register(name, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, DefaultTTL)
			if err != nil {
				listener.Close()
				return fmt.Errorf("qrpc: register %s: %w", name, err)
			}
			svr.logger.Info("registered service", zap.String("op", name), zap.String("addr", advertiseAddr))
		}
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			return nil
		}
		go svr.handleConn(ctx, conn)
	}
}

func (svr *Server) announced() []string {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return append(svr.Services(), svr.names...)
}

func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	svr.wg.Add(1)
	return true
}

// handleConn serves a single connection until the peer closes it or the
// server shuts down, then waits for its outstanding calls before closing.
// A connection that failed with a read error is closed at once, and the wait
// ends early when ctx is canceled by a Shutdown that timed out.
func (svr *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		svr.wg.Done()
	}()
	addr := conn.RemoteAddr().String()
	svr.logger.Debug("connection accepted", zap.String("addr", addr))
	session := svr.NewSession(ctx, conn)
	if err := session.Serve(conn); err != nil && !svr.shutdown.Load() {
		svr.logger.Warn("connection closed", zap.String("addr", addr), zap.Error(err))
		return
	}
	idle := make(chan struct{})
	go func() {
		session.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop routing here
//  2. Close the listener and stop reading new calls
//  3. Wait for outstanding calls, closing connections when the timeout expires
func (svr *Server) Shutdown(timeout time.Duration) error {
	var err error

	svr.mu.Lock()
	listener, reg, addr := svr.listener, svr.registry, svr.advertiseAddr
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range svr.announced() {
			if derr := reg.Deregister(name, addr); derr != nil {
				err = multierr.Append(err, fmt.Errorf("deregister %s: %w", name, derr))
			}
		}
	}

	// Set the flag before closing so the Accept error reads as intentional.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	for conn := range svr.conns {
		conn.SetReadDeadline(time.Now())
	}
	svr.mu.Unlock()
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		svr.mu.Lock()
		if svr.cancel != nil {
			svr.cancel()
		}
		svr.mu.Unlock()
		return err
	case <-time.After(timeout):
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	if svr.cancel != nil {
		svr.cancel()
	}
	svr.mu.Unlock()
	return multierr.Append(err, errors.New("qrpc: timeout waiting for ongoing requests to finish"))
}
