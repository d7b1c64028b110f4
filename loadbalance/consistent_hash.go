package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sync"

	"qrpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                                 // Virtual nodes per real instance
	ring     []uint32                            // Sorted hash values on the ring
	nodes    map[uint32]registry.ServiceInstance // Hash value → instance
	members  map[string]bool                     // Addresses on the ring
}

// NewConsistentHashBalancer creates an empty hash ring.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: DefaultReplicas,
		nodes:    make(map[uint32]registry.ServiceInstance),
		members:  make(map[string]bool),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	if b.members[instance.Addr] {
		return
	}
	b.members[instance.Addr] = true
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Set rebuilds the ring from instances unless it already holds exactly them.
func (b *ConsistentHashBalancer) Set(instances []registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(instances) == len(b.members) {
		same := true
		for _, inst := range instances {
			if !b.members[inst.Addr] {
				same = false
				break
			}
		}
		if same {
			return
		}
	}
	b.ring = b.ring[:0]
	clear(b.nodes)
	clear(b.members)
	for _, inst := range instances {
		b.add(inst)
	}
	slices.Sort(b.ring)
}

// Pick finds the instance responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest one.
//
// Pick takes a key (not []ServiceInstance) because consistent hashing is
// key-based, so it doesn't implement the Balancer interface directly.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
