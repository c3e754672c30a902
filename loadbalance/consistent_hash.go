package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer orders addresses by walking a hash ring clockwise
// from the key's position. The same key keeps the same preferred address
// while the connection list is stable, and only keys owned by a departed
// address move when the list changes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise: A, then B, then C)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per address
}

// NewConsistentHashBalancer places 100 virtual nodes per address.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Order(key string, addrs []string) []string {
	if len(addrs) <= 1 {
		return append([]string(nil), addrs...)
	}

	type vnode struct {
		hash uint32
		addr string
	}
	ring := make([]vnode, 0, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			ring = append(ring, vnode{crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i))), addr})
		}
	}
	sort.Slice(ring, func(i, j int) bool {
		if ring[i].hash == ring[j].hash {
			return ring[i].addr < ring[j].addr
		}
		return ring[i].hash < ring[j].hash
	})

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= hash })

	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for i := 0; i < len(ring) && len(out) < len(addrs); i++ {
		n := ring[(idx+i)%len(ring)]
		if !seen[n.addr] {
			seen[n.addr] = true
			out = append(out, n.addr)
		}
	}
	return out
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
