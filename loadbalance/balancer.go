// Package loadbalance orders the live connections of a route before each
// call. The transport dials the returned addresses in order and fails over
// to the next one, so the first address is the preferred target.
//
// Strategies:
//   - Random:          Fisher–Yates shuffle per call (default)
//   - RoundRobin:      rotate the list by an atomic counter
//   - ConsistentHash:  stable order per affinity key
package loadbalance

import (
	"fmt"
	"math/rand/v2"
)

// Balancer orders a list of host:port addresses for one call.
type Balancer interface {
	// Order returns addrs in preference order. key is the call's affinity
	// key (the route unless the caller overrides it). addrs must not be
	// modified. Called on every call, so it must be goroutine-safe.
	Order(key string, addrs []string) []string

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Shuffle permutes s in place (Fisher–Yates).
func Shuffle[T any](s []T) {
	for i := len(s) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// RandomBalancer returns a fresh random permutation for each call.
type RandomBalancer struct{}

func (RandomBalancer) Order(_ string, addrs []string) []string {
	out := append([]string(nil), addrs...)
	Shuffle(out)
	return out
}

func (RandomBalancer) Name() string {
	return "Random"
}

// New returns the balancer registered under name. An empty name selects Random.
func New(name string) (Balancer, error) {
	switch name {
	case "", "Random", "random":
		return RandomBalancer{}, nil
	case "RoundRobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "ConsistentHash", "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
