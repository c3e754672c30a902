package registry

// etcd keeps a flat keyspace, so the hierarchical store is laid over it:
//
//	parent/child           ordinary key, value = node data
//	/.sequence/parent      per parent counter for sequential names
//
// Ephemeral nodes are attached to the lease of a concurrency.Session, so
// they vanish when the session is closed or its lease expires. A one-shot
// child watch is a prefix watch that fires on the first create or delete of
// a direct child.

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const sequencePrefix = "/.sequence"

// EtcdConfig configures an EtcdStore.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds.
	SessionTTL int
	// Namespace prefixes every key, letting several meshes share one cluster.
	Namespace string
	Logger    *zap.Logger
}

// EtcdStore implements Store on etcd v3.
type EtcdStore struct {
	cfg    EtcdConfig
	logger *zap.Logger

	mu      sync.Mutex
	client  *clientv3.Client
	session *concurrency.Session
	closing bool

	closed    chan struct{}
	expired   chan struct{}
	closeOnce sync.Once
}

// NewEtcdStore returns an unconnected store.
func NewEtcdStore(cfg EtcdConfig) *EtcdStore {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EtcdStore{
		cfg:     cfg,
		logger:  logger.Named("etcd"),
		closed:  make(chan struct{}),
		expired: make(chan struct{}),
	}
}

// Connect dials the cluster and opens the session lease.
func (s *EtcdStore) Connect(ctx context.Context) error {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   s.cfg.Endpoints,
		DialTimeout: s.cfg.DialTimeout,
		Logger:      s.logger,
		Context:     context.Background(),
	})
	if err != nil {
		return fmt.Errorf("registry: dial etcd: %w", err)
	}
	if ns := s.cfg.Namespace; ns != "" {
		c.KV = namespace.NewKV(c.KV, ns)
		c.Watcher = namespace.NewWatcher(c.Watcher, ns)
		c.Lease = namespace.NewLease(c.Lease, ns)
	}

	// Grant with the caller's ctx so Connect honours its deadline; the
	// session keeps the lease alive on its own background context.
	grantCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	lease, err := c.Grant(grantCtx, int64(s.cfg.SessionTTL))
	if err != nil {
		c.Close()
		return fmt.Errorf("registry: grant session lease: %w", err)
	}
	session, err := concurrency.NewSession(c, concurrency.WithLease(lease.ID))
	if err != nil {
		c.Close()
		return fmt.Errorf("registry: open session: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		session.Close()
		c.Close()
		return ErrNotConnected
	}
	s.client = c
	s.session = session
	s.mu.Unlock()

	go func() {
		<-session.Done()
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if !closing {
			s.logger.Warn("session expired", zap.Int64("lease", int64(lease.ID)))
			close(s.expired)
		}
	}()

	s.logger.Debug("connected", zap.Strings("endpoints", s.cfg.Endpoints), zap.Int64("lease", int64(lease.ID)))
	return nil
}

// Close revokes the session lease and closes the client.
func (s *EtcdStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		c, session := s.client, s.session
		s.mu.Unlock()

		close(s.closed)
		if session != nil {
			err = multierr.Append(err, session.Close())
		}
		if c != nil {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}

func (s *EtcdStore) conn() (*clientv3.Client, *concurrency.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.closing {
		return nil, nil, ErrNotConnected
	}
	return s.client, s.session, nil
}

// EnsurePath is a no-op: etcd parents exist implicitly.
func (s *EtcdStore) EnsurePath(ctx context.Context, p string) error {
	_, _, err := s.conn()
	return err
}

// CreateEphemeralSequential allocates the next sequence number for the
// parent of prefix with a compare-and-swap and writes the node under the
// session lease in the same transaction.
func (s *EtcdStore) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (string, error) {
	c, session, err := s.conn()
	if err != nil {
		return "", err
	}
	seqKey := sequencePrefix + path.Dir(prefix)

	for {
		resp, err := c.Get(ctx, seqKey)
		if err != nil {
			return "", err
		}

		var (
			next int64
			cmp  clientv3.Cmp
		)
		if len(resp.Kvs) == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(seqKey), "=", 0)
		} else {
			kv := resp.Kvs[0]
			cur, err := strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("registry: corrupt sequence %s: %w", seqKey, err)
			}
			next = cur + 1
			cmp = clientv3.Compare(clientv3.ModRevision(seqKey), "=", kv.ModRevision)
		}

		name := fmt.Sprintf("%s%010d", prefix, next)
		txn, err := c.Txn(ctx).
			If(cmp).
			Then(
				clientv3.OpPut(seqKey, strconv.FormatInt(next, 10)),
				clientv3.OpPut(name, string(data), clientv3.WithLease(session.Lease())),
			).
			Commit()
		if err != nil {
			return "", err
		}
		if txn.Succeeded {
			return name, nil
		}
		// Lost the race for this number; read the counter again.
	}
}

// Get returns the value stored at p.
func (s *EtcdStore) Get(ctx context.Context, p string) ([]byte, error) {
	c, _, err := s.conn()
	if err != nil {
		return nil, err
	}
	resp, err := c.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, p)
	}
	return resp.Kvs[0].Value, nil
}

// Children lists the direct children of p and arms a one-shot watch from
// the revision of the listing.
func (s *EtcdStore) Children(ctx context.Context, p string) ([]string, <-chan struct{}, error) {
	c, _, err := s.conn()
	if err != nil {
		return nil, nil, err
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	resp, err := c.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		child := strings.TrimPrefix(string(kv.Key), prefix)
		if child != "" && !strings.Contains(child, "/") {
			names = append(names, child)
		}
	}
	sort.Strings(names)

	changed := make(chan struct{})
	wctx, cancel := context.WithCancel(context.Background())
	wch := c.Watch(wctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		defer cancel()
		defer close(changed)
		for {
			select {
			case wr, ok := <-wch:
				if !ok {
					return
				}
				if err := wr.Err(); err != nil {
					s.logger.Warn("child watch failed", zap.String("path", p), zap.Error(err))
					return
				}
				for _, ev := range wr.Events {
					child := strings.TrimPrefix(string(ev.Kv.Key), prefix)
					if strings.Contains(child, "/") {
						continue
					}
					if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
						return
					}
				}
			case <-s.closed:
				return
			}
		}
	}()
	return names, changed, nil
}

// Expired is closed when the session lease is lost.
func (s *EtcdStore) Expired() <-chan struct{} {
	return s.expired
}
