package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// DefaultDialTimeout bounds how long Dial waits for a connection.
const DefaultDialTimeout = 5 * time.Second

// Dial connects to addr over TCP and binds a new correlator to the connection.
func Dial(addr string, opts ...Option) (*Correlator, error) {
	conn, err := net.DialTimeout("tcp", addr, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("qrpc: dial %s: %w", addr, err)
	}
	c := NewCorrelator(opts...)
	c.Bind(conn, conn)
	return c, nil
}

// Pool keeps up to size multiplexed correlators per address and hands them
// out in round-robin order. Correlators are dialed lazily; a closed or broken
// one is discarded and replaced on the next Get.
type Pool struct {
	mu     sync.Mutex
	size   int
	conns  map[string][]*Correlator
	next   map[string]int
	dial   func(addr string) (*Correlator, error)
	closed bool
}

// NewPool creates a pool with size correlators per address. A nil dial uses
// Dial with opts.
func NewPool(size int, dial func(addr string) (*Correlator, error), opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = func(addr string) (*Correlator, error) { return Dial(addr, opts...) }
	}
	return &Pool{
		size:  size,
		conns: make(map[string][]*Correlator),
		next:  make(map[string]int),
		dial:  dial,
	}
}

// Get returns a live correlator for addr.
// Strategy:
//  1. Drop correlators that are closed or lost their stream
//  2. If the pool is under size, dial a new one
//  3. Otherwise pick the next one in round-robin order
func (p *Pool) Get(addr string) (*Correlator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}

	live := p.conns[addr][:0]
	for _, c := range p.conns[addr] {
		if c.Closed() || !c.Bound() {
			c.Close()
			continue
		}
		live = append(live, c)
	}
	p.conns[addr] = live

	if len(live) < p.size {
		c, err := p.dial(addr)
		if err != nil {
			if len(live) > 0 {
				return p.pick(addr), nil
			}
			return nil, err
		}
		p.conns[addr] = append(live, c)
		return c, nil
	}
	return p.pick(addr), nil
}

func (p *Pool) pick(addr string) *Correlator {
	live := p.conns[addr]
	i := p.next[addr] % len(live)
	p.next[addr] = i + 1
	return live[i]
}

// Len returns the number of pooled correlators for addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[addr])
}

// Close closes every pooled correlator.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for addr, conns := range p.conns {
		for _, c := range conns {
			err = multierr.Append(err, c.Close())
		}
		delete(p.conns, addr)
	}
	return err
}
