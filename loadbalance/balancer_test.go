package loadbalance

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testAddrs = []string{"10.0.0.1:8001", "10.0.0.2:8002", "10.0.0.3:8003"}

func TestShuffleIsPermutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.IntRange(-5, 5), 0, 32).Draw(t, "in")
		out := append([]int(nil), in...)
		Shuffle(out)

		if len(out) != len(in) {
			t.Fatalf("length changed: %d != %d", len(out), len(in))
		}
		a, b := append([]int(nil), in...), append([]int(nil), out...)
		sort.Ints(a)
		sort.Ints(b)
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("not a permutation: %v vs %v", in, out)
			}
		}
	})
}

func TestShuffleSmall(t *testing.T) {
	var empty []string
	Shuffle(empty)
	assert.Empty(t, empty)

	one := []string{"a"}
	Shuffle(one)
	assert.Equal(t, []string{"a"}, one)
}

func TestRandomDoesNotModifyInput(t *testing.T) {
	in := append([]string(nil), testAddrs...)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		out := RandomBalancer{}.Order("R", in)
		assert.ElementsMatch(t, testAddrs, out)
		seen[out[0]] = true
	}
	assert.Equal(t, testAddrs, in)
	assert.Len(t, seen, 3, "every address should come first at least once")
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	firsts := make([]string, 4)
	for i := range firsts {
		out := b.Order("R", testAddrs)
		require.Len(t, out, 3)
		assert.ElementsMatch(t, testAddrs, out)
		firsts[i] = out[0]
	}
	assert.Equal(t, testAddrs, firsts[:3])
	assert.Equal(t, firsts[0], firsts[3], "expect wrap around")
	assert.Nil(t, b.Order("R", nil))
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first := b.Order("user-123", testAddrs)
	assert.ElementsMatch(t, testAddrs, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, b.Order("user-123", testAddrs))
	}

	// Different keys should spread over more than one address
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		seen[b.Order(fmt.Sprintf("key-%d", i), testAddrs)[0]] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "Random", "RoundRobin", "ConsistentHash"} {
		b, err := New(name)
		require.NoError(t, err)
		if name != "" {
			assert.Equal(t, name, b.Name())
		}
	}
	_, err := New("LeastLoaded")
	assert.Error(t, err)
}
