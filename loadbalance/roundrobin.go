package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer rotates the start of the list on every call.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Order(_ string, addrs []string) []string {
	n := len(addrs)
	if n == 0 {
		return nil
	}
	start := int((b.counter.Add(1) - 1) % uint64(n))
	out := make([]string, 0, n)
	out = append(out, addrs[start:]...)
	return append(out, addrs[:start]...)
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
