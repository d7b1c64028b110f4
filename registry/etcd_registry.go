package registry

// The etcd registry uses etcd as a "distributed phonebook" for services:
//
//	Key:   /qrpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed automatically, so no ghost instances remain.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	DefaultPrefix      = "/qrpc"
	defaultDialTimeout = 5 * time.Second
	defaultOpTimeout   = 3 * time.Second
)

// Option configures an EtcdRegistry.
type Option func(*EtcdRegistry)

// WithLogger sets the logger used by the registry and its etcd client.
func WithLogger(logger *zap.Logger) Option {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// WithPrefix changes the key prefix, e.g. to separate environments.
func WithPrefix(prefix string) Option {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

// WithDialTimeout bounds the initial connection to etcd.
func WithDialTimeout(d time.Duration) Option {
	return func(r *EtcdRegistry) { r.dialTimeout = d }
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client      *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger      *zap.Logger
	prefix      string
	dialTimeout time.Duration

	ctx    context.Context // Cancelled on Close; bounds KeepAlive and Watch
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
// The caller must call Close when finished.
func NewEtcdRegistry(endpoints []string, opts ...Option) (*EtcdRegistry, error) {
	r := &EtcdRegistry{
		logger:      zap.NewNop(),
		prefix:      DefaultPrefix,
		dialTimeout: defaultDialTimeout,
		leases:      make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: r.dialTimeout,
		Logger:      r.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	r.client = c
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.servicePrefix(serviceName) + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, defaultOpTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	k := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}

	// KeepAlive must outlive this call, so it runs on the registry context.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}

	r.mu.Lock()
	r.leases[k] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()
	r.logger.Info("service registered", zap.String("op", serviceName), zap.String("addr", instance.Addr))
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, defaultOpTimeout)
	defer cancel()

	k := r.key(serviceName, addr)
	r.mu.Lock()
	lease, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("etcd revoke: %w", err)
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
// The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("op", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, defaultOpTimeout)
	defer cancel()

	pfx := r.servicePrefix(serviceName)
	resp, err := r.client.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops keepalives and watches and releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
