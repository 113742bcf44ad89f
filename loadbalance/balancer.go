// Package loadbalance picks which discovered instance a dialer connects to.
//
//   - RoundRobin:     equal-capacity hosts
//   - WeightedRandom: hosts of different capacity
//   - ConsistentHash: the same key lands on the same host, for connection
//     affinity (per-connection state lives on one host)
package loadbalance

import (
	"errors"

	"duplex-rpc/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance. key identifies the caller or the session; only
// key-aware strategies look at it. Implementations are goroutine-safe.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (*discovery.Instance, error)
	Name() string
}

// New returns the balancer registered under name ("roundrobin", "weighted",
// "hash"), or nil.
func New(name string) Balancer {
	switch name {
	case "roundrobin", "":
		return &RoundRobinBalancer{}
	case "weighted":
		return &WeightedRandomBalancer{}
	case "hash":
		return NewConsistentHashBalancer()
	default:
		return nil
	}
}

func weight(inst discovery.Instance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
