package transport

// Pool keeps one multiplexed ClientTransport per address and resolves
// multi-address targets ("host1:p1,host2:p2") to a live transport by trying
// the addresses in order.

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-mesh/codec"
	"mini-mesh/message"
	"mini-mesh/status"
)

// PoolOptions configure a Pool.
type PoolOptions struct {
	Codec       codec.CodecType
	DialTimeout time.Duration
	// ReadyBackoff paces redials while a wait-for-ready call has no
	// reachable address. Defaults to 100ms doubling up to 2s.
	ReadyBackoff func() backoff.BackOff
	Logger       *zap.Logger
}

// Pool manages connections to remote servers.
type Pool struct {
	opts   PoolOptions
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*ClientTransport
	closed bool
}

var errPoolClosed = errors.New("transport: pool closed")

// NewPool returns an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadyBackoff == nil {
		opts.ReadyBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{opts: opts, logger: logger.Named("pool"), conns: make(map[string]*ClientTransport)}
}

// get returns a live transport to addr, dialing if needed.
func (p *Pool) get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if t, ok := p.conns[addr]; ok {
		select {
		case <-t.Done():
			delete(p.conns, addr)
		default:
			p.mu.Unlock()
			return t, nil
		}
	}
	p.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()
	t, err := Dial(dctx, addr, p.opts.Codec)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, errPoolClosed
	}
	if existing, ok := p.conns[addr]; ok {
		// Another caller dialed first
		t.Close()
		return existing, nil
	}
	p.conns[addr] = t
	p.logger.Debug("connected", zap.String("addr", addr))
	return t, nil
}

// pick returns a transport to the first reachable address of target.
func (p *Pool) pick(ctx context.Context, target string) (*ClientTransport, error) {
	var errs error
	for _, addr := range strings.Split(target, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		t, err := p.get(ctx, addr)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, errPoolClosed) {
			return nil, backoff.Permanent(status.New(status.Unavailable, err.Error()))
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	if errs == nil {
		return nil, backoff.Permanent(status.New(status.Unavailable, "empty target"))
	}
	return nil, status.Errorf(status.Unavailable, "no reachable address: %v", errs)
}

// Get returns a transport for target. With waitForReady it keeps redialing
// until an address accepts or ctx ends; otherwise it fails fast.
func (p *Pool) Get(ctx context.Context, target string, waitForReady bool) (*ClientTransport, error) {
	if !waitForReady {
		t, err := p.pick(ctx, target)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Unwrap()
		}
		return t, err
	}
	t, err := backoff.Retry(ctx, func() (*ClientTransport, error) {
		return p.pick(ctx, target)
	}, backoff.WithBackOff(p.opts.ReadyBackoff()), backoff.WithMaxElapsedTime(0))
	if err != nil && ctx.Err() != nil {
		return nil, status.FromContext(ctx)
	}
	return t, err
}

// Invoke sends req to target and returns the response.
func (p *Pool) Invoke(ctx context.Context, target string, waitForReady bool, req *message.RPCMessage) (*message.RPCMessage, error) {
	t, err := p.Get(ctx, target, waitForReady)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, req)
}

// Close closes every connection. Later calls fail with Unavailable.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var err error
	for addr, t := range p.conns {
		err = multierr.Append(err, t.Close())
		delete(p.conns, addr)
	}
	return err
}
