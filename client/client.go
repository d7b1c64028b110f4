// Package client is the synchronous, discovery-aware front end of qrpc.
//
// Call flow:
//
//	Client.Call("Arith.Add") → Registry.Discover("Arith") → Balancer.Pick
//	  → Pool.Get(addr) → Correlator.Stream → wait for the terminal reply → decode into reply
//
// Transport failures and remote timeouts are retried with exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"qrpc/codec"
	"qrpc/loadbalance"
	"qrpc/message"
	"qrpc/registry"
	"qrpc/transport"
)

const (
	DefaultPoolSize   = 2
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 50 * time.Millisecond
)

// ErrNoRoute is returned when a client has neither a registry nor a fixed address.
var ErrNoRoute = errors.New("qrpc: no registry or address to route the call")

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for the client and its correlators.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBalancer selects the load balancing strategy. Round robin is the default.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

// WithPoolSize sets how many multiplexed connections are kept per instance.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithRetry sets how often a retryable failure is retried and the first
// backoff delay, which doubles on every attempt. Zero retries disables it.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// WithTransportOptions passes options to every correlator the client dials.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

// WithCodec sets the codec used to decode results into reply values.
func WithCodec(v codec.Codec) Option {
	return func(c *Client) { c.values = v }
}

type Client struct {
	registry registry.Registry // find service instance from registry
	addr     string            // fixed address when there is no registry
	balancer loadbalance.Balancer
	hash     *loadbalance.ConsistentHashBalancer
	pool     *transport.Pool // multiplexed correlators for each service instance
	values   codec.Codec
	logger   *zap.Logger

	poolSize      int
	maxRetries    int
	baseDelay     time.Duration
	transportOpts []transport.Option
}

// NewClient creates a client that discovers instances through reg.
func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		balancer:   &loadbalance.RoundRobinBalancer{},
		hash:       loadbalance.NewConsistentHashBalancer(),
		values:     &codec.JSONCodec{},
		logger:     zap.NewNop(),
		poolSize:   DefaultPoolSize,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	topts := append([]transport.Option{transport.WithLogger(c.logger)}, c.transportOpts...)
	c.pool = transport.NewPool(c.poolSize, nil, topts...)
	return c
}

// Dial creates a client bound to a single address, without discovery.
func Dial(addr string, opts ...Option) (*Client, error) {
	c := NewClient(nil, opts...)
	c.addr = addr
	if _, err := c.pool.Get(addr); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Call invokes serviceMethod with args and decodes the result into reply,
// which must be a pointer or nil. The result is the payload of the terminal
// reply, or of the last streamed reply when the terminal one is bare.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	return c.call(ctx, "", serviceMethod, args, reply)
}

// CallKey is like Call but routes by consistent hashing of key, so calls for
// the same key reach the same instance while membership is stable.
func (c *Client) CallKey(ctx context.Context, key, serviceMethod string, args any, reply any) error {
	return c.call(ctx, key, serviceMethod, args, reply)
}

func (c *Client) call(ctx context.Context, key, serviceMethod string, args any, reply any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.attempt(ctx, key, serviceMethod, args, reply)
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			return err
		}
		delay := c.baseDelay * time.Duration(1<<attempt) // Exponential backoff
		c.logger.Warn("retrying call",
			zap.String("op", serviceMethod),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) attempt(ctx context.Context, key, serviceMethod string, args any, reply any) error {
	ch, err := c.Stream(ctx, key, serviceMethod, args)
	if err != nil {
		return err
	}

	var result any
	for {
		select {
		case <-ctx.Done():
			// stop waiting; the call is still cleaned up when it completes
			go drain(ch)
			return ctx.Err()
		case r, ok := <-ch:
			if !ok {
				return decodeInto(c.values, result, reply)
			}
			if r.Err != nil {
				if !r.Last {
					go drain(ch)
				}
				return r.Err
			}
			if r.Data != nil {
				result = r.Data
			}
			if r.Last {
				return decodeInto(c.values, result, reply)
			}
		}
	}
}

// drain discards the remaining replies of an abandoned call so they never
// block the connection's reader.
func drain(ch <-chan transport.Reply) {
	for range ch {
	}
}

// Stream sends a call to an instance serving serviceMethod and returns every
// reply. key selects consistent-hash routing when non-empty.
func (c *Client) Stream(ctx context.Context, key, serviceMethod string, args any) (<-chan transport.Reply, error) {
	addr, err := c.resolve(key, serviceMethod)
	if err != nil {
		return nil, err
	}
	corr, err := c.pool.Get(addr)
	if err != nil {
		return nil, err
	}
	return corr.Stream(serviceMethod, args)
}

// resolve picks the address for one call.
func (c *Client) resolve(key, serviceMethod string) (string, error) {
	if c.registry == nil {
		if c.addr == "" {
			return "", ErrNoRoute
		}
		return c.addr, nil
	}

	serviceName, _, _ := strings.Cut(serviceMethod, ".")
	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", serviceName, err)
	}

	var instance *registry.ServiceInstance
	if key != "" {
		c.hash.Set(instances)
		instance, err = c.hash.Pick(key)
	} else {
		instance, err = c.balancer.Pick(instances)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", serviceName, err)
	}
	return instance.Addr, nil
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}

// retryable reports whether err is a transport failure or a remote timeout.
func retryable(err error) bool {
	if errors.Is(err, transport.ErrConnectionLost) || errors.Is(err, transport.ErrNotBound) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var remote *message.RemoteError
	return errors.As(err, &remote) && remote.Code() == "ETIMEDOUT"
}

// decodeInto stores a decoded result into reply. Structured results were
// decoded into generic values, so they are re-encoded and decoded into the
// concrete type.
func decodeInto(values codec.Codec, result any, reply any) error {
	if reply == nil || result == nil {
		return nil
	}
	if b, ok := result.([]byte); ok {
		if p, ok := reply.(*[]byte); ok {
			*p = b
			return nil
		}
		return fmt.Errorf("qrpc: binary result needs *[]byte, got %s", reflect.TypeOf(reply))
	}
	data, err := values.Encode(result)
	if err != nil {
		return err
	}
	return values.Decode(data, reply)
}
