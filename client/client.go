// Package client is the entry point of the mesh. A ServiceClient registers
// the services a process hosts, publishes them to the coordination store and
// hands out stubs for the services published by other processes.
//
// Lifecycle:
//
//	New → RegisterService* → Connect → GetStub / serve → Close
//
// Connect runs once. It opens the store session, starts watching the
// registry, and, when services were registered, binds the transport server
// and publishes one entry covering every registered route.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mini-mesh/interceptor"
	"mini-mesh/message"
	"mini-mesh/middleware"
	"mini-mesh/registry"
	"mini-mesh/resolver"
	"mini-mesh/schema"
	"mini-mesh/server"
	"mini-mesh/transport"
)

// State is the lifecycle state of a ServiceClient.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ServiceDefinition describes a service to host. The schema comes from
// Filenames, from a serialized descriptor in Schema, or, for Internal
// services, from the built-in table.
type ServiceDefinition struct {
	ServiceName string
	Routes      []string
	Filenames   []string
	Schema      []byte
	LoadOptions schema.LoadOptions
	Handlers    map[string]HandlerFunc
	Internal    bool
}

type hostedService struct {
	def      ServiceDefinition
	service  *schema.Service
	blob     []byte
	handlers map[string]server.Handler
}

// ServiceClient is safe for concurrent use.
type ServiceClient struct {
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	registry *registry.Registry
	resolver *resolver.Resolver
	pool     *transport.Pool
	chain    *interceptor.Chain
	outbound middleware.HandlerFunc

	mu            sync.Mutex
	state         State
	connectCalled bool
	hosted        []*hostedService
	routes        map[string]string // route → service name, across hosted
	server        *server.Server
	node          string
	port          int
	cancelWatch   context.CancelFunc
	consumerDone  chan struct{}

	snapMu      sync.Mutex
	snapshot    registry.ServicesByRoute
	snapGen     uint64
	snapChanged chan struct{}

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{} // closed when shutdown starts
	done      chan struct{} // closed when shutdown completes
}

// New returns a client in the Created state. The store is built from
// Options.Endpoints unless Options.Store is set.
func New(opts Options) (*ServiceClient, error) {
	opts = opts.withDefaults()
	store := opts.Store
	if store == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("client: one of Options.Store or Options.Endpoints is required")
		}
		store = registry.NewEtcdStore(registry.EtcdConfig{
			Endpoints:   opts.Endpoints,
			DialTimeout: opts.DialTimeout,
			SessionTTL:  int(opts.SessionTTL / time.Second),
			Namespace:   opts.Namespace,
			Logger:      opts.Logger,
		})
	}

	logger := opts.Logger.Named("mesh")
	reg := registry.New(store, logger)

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	var token interceptor.TokenSource
	if opts.Token != "" {
		token = interceptor.StaticToken(opts.Token)
	}

	c := &ServiceClient{
		opts:     opts,
		logger:   logger,
		tracer:   tp.Tracer("mini-mesh/client"),
		registry: reg,
		resolver: resolver.New(reg, logger),
		pool: transport.NewPool(transport.PoolOptions{
			Codec:       opts.Codec,
			DialTimeout: opts.DialTimeout,
			Logger:      logger,
		}),
		chain: interceptor.Standard(interceptor.Options{
			Identity:        interceptor.Identity(opts.AppName),
			Token:           token,
			WaitForReady:    !opts.FailFast,
			DefaultDeadline: opts.CallDeadline,
			Propagator:      opts.Propagator,
		}),
		routes:      make(map[string]string),
		snapChanged: make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.outbound = middleware.Chain(opts.Outbound...)(c.roundTrip)
	return c, nil
}

// State returns the current lifecycle state.
func (c *ServiceClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once Close has completed.
func (c *ServiceClient) Done() <-chan struct{} {
	return c.done
}

// Port returns the bound transport port, or 0 when nothing is served.
func (c *ServiceClient) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Node returns the registry node of this process's entry, or "".
func (c *ServiceClient) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// RegisterService validates def and adds it to the services published on
// Connect. On error nothing is registered.
func (c *ServiceClient) RegisterService(def ServiceDefinition) error {
	hosted, err := c.prepare(def)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectCalled || c.state != StateCreated {
		return ErrRegisterAfterConnect
	}
	for _, route := range def.Routes {
		if owner, dup := c.routes[route]; dup {
			return fmt.Errorf("%w: route %q already registered by %s", ErrInvalidService, route, owner)
		}
	}
	for _, route := range def.Routes {
		c.routes[route] = def.ServiceName
	}
	c.hosted = append(c.hosted, hosted)
	c.logger.Debug("service registered", zap.String("service", def.ServiceName), zap.Strings("routes", def.Routes))
	return nil
}

// prepare loads the schema of def and wraps its handlers.
func (c *ServiceClient) prepare(def ServiceDefinition) (*hostedService, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidService, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(def.ServiceName) == "" {
		return nil, invalid("service name is empty")
	}
	if len(def.Routes) == 0 {
		return nil, invalid("%s has no routes", def.ServiceName)
	}
	seen := make(map[string]bool, len(def.Routes))
	for _, r := range def.Routes {
		if r == "" {
			return nil, invalid("%s has an empty route", def.ServiceName)
		}
		if seen[r] {
			return nil, invalid("%s lists route %q twice", def.ServiceName, r)
		}
		seen[r] = true
	}
	if len(def.Handlers) == 0 {
		return nil, invalid("%s has no handlers", def.ServiceName)
	}
	if c.opts.Host == "" {
		return nil, invalid("no advertise host")
	}
	if c.opts.ListenPort < 0 || c.opts.ListenPort > 65535 {
		return nil, invalid("listen port %d out of range", c.opts.ListenPort)
	}
	if err := def.LoadOptions.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidService, err)
	}

	var (
		svc  *schema.Service
		blob []byte
		err  error
	)
	switch {
	case def.Internal:
		svc, _, err = schema.LoadInternal(def.ServiceName, def.LoadOptions)
	case len(def.Filenames) > 0:
		var desc *schema.Descriptor
		svc, desc, err = schema.LoadFile(def.Filenames, def.ServiceName, def.LoadOptions)
		if err == nil {
			blob, err = desc.Marshal()
		}
	case len(def.Schema) > 0:
		svc, _, err = schema.LoadBuffer(def.Schema, def.ServiceName, def.LoadOptions)
		blob = def.Schema
	default:
		return nil, invalid("%s has no schema source", def.ServiceName)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidService, err)
	}
	if len(blob) >= registry.MaxSchemaSize {
		return nil, fmt.Errorf("%w: %w: %s is %d bytes", ErrInvalidService, registry.ErrSchemaTooLarge, def.ServiceName, len(blob))
	}

	var unknown, missing []string
	for name := range def.Handlers {
		if !svc.HasMethod(name) {
			unknown = append(unknown, name)
		}
	}
	for _, m := range svc.Methods {
		if def.Handlers[m] == nil {
			missing = append(missing, m)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalid("%s has no methods %v", def.ServiceName, unknown)
	}
	if len(missing) > 0 {
		return nil, invalid("%s is missing handlers for %v", def.ServiceName, missing)
	}

	handlers := make(map[string]server.Handler, len(def.Handlers))
	for name, h := range def.Handlers {
		handlers[name] = c.wrap(svc, h)
	}
	return &hostedService{def: def, service: svc, blob: blob, handlers: handlers}, nil
}

// wrap adapts a HandlerFunc to the server, giving it a Call bound to the
// inbound request.
func (c *ServiceClient) wrap(svc *schema.Service, h HandlerFunc) server.Handler {
	return func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		call := &Call{
			client:  c,
			service: svc,
			parent:  interceptor.NewCallContext(ctx, req.ServiceMethod, req.Metadata),
		}
		return h(call, req.Payload)
	}
}

// Connect brings the client online. It may be called once; later calls
// return ErrAlreadyConnecting. When Connect fails the client is closed.
func (c *ServiceClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connectCalled {
		c.mu.Unlock()
		c.reportError(ErrAlreadyConnecting)
		return ErrAlreadyConnecting
	}
	c.connectCalled = true
	if c.state != StateCreated {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateConnecting
	hosted := c.hosted
	c.mu.Unlock()

	if err := c.connect(ctx, hosted); err != nil {
		c.logger.Error("connect failed", zap.Error(err))
		c.reportError(err)
		c.closeOnce.Do(func() { c.closeErr = c.shutdown(context.Background()) })
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", zap.Int("services", len(hosted)))
	if h := c.opts.Hooks.OnConnected; h != nil {
		h()
	}
	return nil
}

func (c *ServiceClient) connect(ctx context.Context, hosted []*hostedService) error {
	if err := c.registry.Connect(ctx); err != nil {
		return fmt.Errorf("client: connect to coordination store: %w", err)
	}

	// Close may have run while the store was connecting; its teardown has
	// then already passed, so whatever is acquired here is released here.
	wctx, cancel := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		cancel()
		return multierr.Append(ErrNotConnected, c.registry.Close())
	}
	c.cancelWatch = cancel
	c.consumerDone = consumerDone
	c.mu.Unlock()
	go c.watchExpiry()
	go c.consume(c.registry.WatchServices(wctx), consumerDone)

	if _, err := c.waitSnapshot(ctx, func(registry.ServicesByRoute) (bool, error) { return true, nil }); err != nil {
		return fmt.Errorf("client: waiting for first registry snapshot: %w", err)
	}
	if len(hosted) == 0 {
		return nil
	}

	srv := server.NewServer(server.WithLogger(c.logger), server.WithMiddleware(c.inbound()...))
	for _, h := range hosted {
		if err := srv.AddService(h.service, h.handlers); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.server = srv
	c.mu.Unlock()

	port, err := srv.Bind(c.opts.ListenHost, c.opts.ListenPort)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()

	regs := make([]registry.Registration, len(hosted))
	for i, h := range hosted {
		regs[i] = registry.Registration{
			ServiceName: h.def.ServiceName,
			Routes:      h.def.Routes,
			Schema:      h.blob,
			LoadOptions: h.def.LoadOptions,
			Internal:    h.def.Internal,
		}
	}
	node, err := c.registry.Register(ctx, c.opts.Host, port, regs)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.node = node
	c.mu.Unlock()

	snap, err := c.waitSnapshot(ctx, func(s registry.ServicesByRoute) (bool, error) {
		if s.HasNode(node) {
			return true, nil
		}
		return false, c.conflict(s, hosted)
	})
	if err != nil {
		return fmt.Errorf("client: waiting for own registration: %w", err)
	}
	c.warnConflicts(snap, node, hosted)

	if h := c.opts.Hooks.OnRegistered; h != nil {
		h(port)
	}
	return nil
}

// conflict reports an error when every hosted route is already owned by a
// different service name. Older registrations win, so the entry would never
// show up in a snapshot.
func (c *ServiceClient) conflict(s registry.ServicesByRoute, hosted []*hostedService) error {
	var taken []string
	total := 0
	for _, h := range hosted {
		for _, route := range h.def.Routes {
			total++
			if existing := s[route]; len(existing) > 0 && existing[0].ServiceName != h.def.ServiceName {
				taken = append(taken, fmt.Sprintf("%s (%s)", route, existing[0].ServiceName))
			}
		}
	}
	if total > 0 && len(taken) == total {
		return fmt.Errorf("%w: every route is served by another service: %s", ErrInvalidService, strings.Join(taken, ", "))
	}
	return nil
}

func (c *ServiceClient) warnConflicts(s registry.ServicesByRoute, node string, hosted []*hostedService) {
	for _, h := range hosted {
		for _, route := range h.def.Routes {
			served := false
			for _, sr := range s[route] {
				if sr.ServiceZnode == node {
					served = true
					break
				}
			}
			if !served && len(s[route]) > 0 {
				c.logger.Warn("route owned by another service",
					zap.String("route", route),
					zap.String("service", h.def.ServiceName),
					zap.String("owner", s[route][0].ServiceName))
			}
		}
	}
}

// inbound returns the middlewares every served request passes through.
func (c *ServiceClient) inbound() []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(c.logger),
		middleware.TracingMiddleware(c.opts.TracerProvider, c.opts.Propagator),
	}
	if c.opts.Token != "" {
		mws = append(mws, middleware.TokenAuth(c.opts.Token, healthCheckPath))
	}
	if c.opts.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.opts.RateLimit, c.opts.RateBurst))
	}
	if c.opts.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(c.opts.HandlerTimeout))
	}
	return append(mws, c.opts.Middlewares...)
}

// consume is the single reader of the registry watch.
func (c *ServiceClient) consume(updates <-chan registry.ServicesByRoute, done chan struct{}) {
	defer close(done)
	for snap := range updates {
		c.resolver.Update(snap)

		c.snapMu.Lock()
		c.snapshot = snap
		c.snapGen++
		close(c.snapChanged)
		c.snapChanged = make(chan struct{})
		c.snapMu.Unlock()

		c.logger.Debug("registry snapshot", zap.Int("routes", len(snap)))
	}
}

// waitSnapshot blocks until ready accepts a snapshot or returns an error.
func (c *ServiceClient) waitSnapshot(ctx context.Context, ready func(registry.ServicesByRoute) (bool, error)) (registry.ServicesByRoute, error) {
	c.mu.Lock()
	consumerDone := c.consumerDone
	c.mu.Unlock()
	for {
		c.snapMu.Lock()
		snap, gen, changed := c.snapshot, c.snapGen, c.snapChanged
		c.snapMu.Unlock()

		if gen > 0 {
			ok, err := ready(snap)
			if err != nil {
				return nil, err
			}
			if ok {
				return snap, nil
			}
		}
		select {
		case <-changed:
		case <-consumerDone:
			return nil, registry.ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *ServiceClient) watchExpiry() {
	select {
	case <-c.registry.Expired():
		c.logger.Error("coordination store session expired")
		c.reportError(ErrSessionExpired)
	case <-c.stop:
	}
}

func (c *ServiceClient) reportError(err error) {
	if h := c.opts.Hooks.OnError; h != nil {
		h(err)
	}
}

// GetStub resolves route, retrying at a fixed delay while no provider is
// known. The options apply to every call made through the stub.
func (c *ServiceClient) GetStub(ctx context.Context, route string, opts ...CallOption) (*Stub, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	attempt := 0
	handle, err := backoff.Retry(ctx, func() (*resolver.ServiceHandle, error) {
		attempt++
		h, err := c.resolver.Resolve(ctx, route)
		if err == nil {
			return h, nil
		}
		if c.State() != StateConnected {
			return nil, backoff.Permanent(ErrNotConnected)
		}
		c.logger.Debug("resolve failed", zap.String("route", route), zap.Int("attempt", attempt), zap.Error(err))
		return nil, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.RetryDelay)),
		backoff.WithMaxTries(uint(c.opts.RetryMaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("%w %q: %w", ErrNoService, route, err)
	}
	return &Stub{client: c, handle: handle, defaults: opts}, nil
}

// Close disconnects from the store, which withdraws every published node,
// then shuts the server down gracefully, forcing it after
// Options.ForceShutdownTimeout. Close is idempotent; OnClose fires once.
func (c *ServiceClient) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { c.closeErr = c.shutdown(ctx) })
	return c.closeErr
}

func (c *ServiceClient) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateClosing
	srv := c.server
	cancelWatch := c.cancelWatch
	consumerDone := c.consumerDone
	c.mu.Unlock()
	close(c.stop)

	var err error
	if cancelWatch != nil {
		cancelWatch()
	}
	err = multierr.Append(err, c.registry.Close())

	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, c.opts.ForceShutdownTimeout)
		if serr := srv.Shutdown(sctx); serr != nil {
			c.logger.Warn("graceful shutdown did not finish, forcing", zap.Error(serr))
			srv.ForceShutdown()
		}
		cancel()
	}
	err = multierr.Append(err, c.pool.Close())
	if consumerDone != nil {
		<-consumerDone
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.logger.Info("closed")

	if h := c.opts.Hooks.OnClose; h != nil {
		h()
	}
	close(c.done)
	return err
}
