package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemCluster is an in-process coordination store. Each Session behaves like
// a separate client with its own ephemeral nodes, which makes it possible to
// run several mesh processes inside one test binary.
type MemCluster struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	seq      map[string]int64
	watchers map[string][]memWatch
}

type memNode struct {
	data  []byte
	owner *MemStore // nil for persistent nodes
}

type memWatch struct {
	ch    chan struct{}
	owner *MemStore
}

// NewMemCluster returns an empty cluster.
func NewMemCluster() *MemCluster {
	return &MemCluster{
		nodes:    make(map[string]*memNode),
		seq:      make(map[string]int64),
		watchers: make(map[string][]memWatch),
	}
}

// Session returns a new, unconnected client of the cluster.
func (mc *MemCluster) Session() *MemStore {
	return &MemStore{cluster: mc, expired: make(chan struct{})}
}

// fire closes the watches armed on parent. Caller holds mc.mu.
func (mc *MemCluster) fire(parent string) {
	for _, w := range mc.watchers[parent] {
		close(w.ch)
	}
	delete(mc.watchers, parent)
}

// drop removes every node and watch owned by s. Caller holds mc.mu.
func (mc *MemCluster) drop(s *MemStore) {
	parents := make(map[string]bool)
	for p, n := range mc.nodes {
		if n.owner == s {
			delete(mc.nodes, p)
			parents[path.Dir(p)] = true
		}
	}
	for parent := range parents {
		mc.fire(parent)
	}
	for parent, ws := range mc.watchers {
		kept := ws[:0]
		for _, w := range ws {
			if w.owner == s {
				close(w.ch)
				continue
			}
			kept = append(kept, w)
		}
		mc.watchers[parent] = kept
	}
}

// MemStore is one session on a MemCluster.
type MemStore struct {
	cluster *MemCluster

	connected  bool
	closed     bool
	expired    chan struct{}
	expireOnce sync.Once
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	s.connected = true
	return nil
}

func (s *MemStore) Close() error {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cluster.drop(s)
	return nil
}

// Expire simulates the loss of the session: its ephemeral nodes vanish and
// Expired is closed.
func (s *MemStore) Expire() {
	s.cluster.mu.Lock()
	s.closed = true
	s.cluster.drop(s)
	s.cluster.mu.Unlock()
	s.expireOnce.Do(func() { close(s.expired) })
}

func (s *MemStore) Expired() <-chan struct{} {
	return s.expired
}

// check reports ErrNotConnected for a session that cannot be used. Caller holds mu.
func (s *MemStore) check() error {
	if !s.connected || s.closed {
		return ErrNotConnected
	}
	return nil
}

func (s *MemStore) EnsurePath(ctx context.Context, p string) error {
	mc := s.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := mc.nodes[p]; !ok {
		mc.nodes[p] = &memNode{}
		mc.fire(path.Dir(p))
	}
	return nil
}

func (s *MemStore) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (string, error) {
	mc := s.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	parent := path.Dir(prefix)
	n := mc.seq[parent]
	mc.seq[parent] = n + 1
	name := fmt.Sprintf("%s%010d", prefix, n)
	mc.nodes[name] = &memNode{data: append([]byte(nil), data...), owner: s}
	mc.fire(parent)
	return name, nil
}

func (s *MemStore) Get(ctx context.Context, p string) ([]byte, error) {
	mc := s.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	n, ok := mc.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	return append([]byte(nil), n.data...), nil
}

func (s *MemStore) Children(ctx context.Context, p string) ([]string, <-chan struct{}, error) {
	mc := s.cluster
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, nil, err
	}
	parent := strings.TrimSuffix(p, "/")
	var names []string
	for np := range mc.nodes {
		if path.Dir(np) == parent && np != parent {
			names = append(names, path.Base(np))
		}
	}
	sort.Strings(names)

	ch := make(chan struct{})
	mc.watchers[parent] = append(mc.watchers[parent], memWatch{ch: ch, owner: s})
	return names, ch, nil
}
