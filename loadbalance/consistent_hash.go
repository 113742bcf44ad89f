package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/discovery"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys onto a hash ring of instances. The same key
// keeps landing on the same instance until the instance set changes, and then
// only keys of the changed instances move.
//
// Every instance is placed on the ring as many virtual nodes ("{addr}#{i}") so
// that a handful of hosts still spread evenly.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                      // sorted virtual node hashes
	nodes map[uint32]discovery.Instance // virtual node → instance
	set   string                        // addresses the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]discovery.Instance),
	}
}

// Add places one instance on the ring.
func (b *ConsistentHashBalancer) Add(inst discovery.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(inst)
	b.set = ""
}

func (b *ConsistentHashBalancer) add(inst discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = inst
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the instance owning key. When instances is non-empty and differs
// from the set the ring was built from, the ring is rebuilt first; an empty
// list picks from the instances added with Add.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (*discovery.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(instances) > 0 {
		if set := addrSet(instances); set != b.set {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]discovery.Instance, len(instances)*b.replicas)
			for _, inst := range instances {
				b.add(inst)
			}
			b.set = set
		}
	}
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func addrSet(instances []discovery.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, "\x00")
}
