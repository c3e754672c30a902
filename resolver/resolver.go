// Package resolver turns a route into a ServiceHandle: the loaded service
// plus the live connection list of every process serving the route.
//
// Handles are created lazily on the first Resolve and refreshed in place on
// every registry snapshot, so a handle returned earlier keeps seeing the
// current providers. A route that disappears from a snapshot is evicted.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mini-mesh/loadbalance"
	"mini-mesh/registry"
	"mini-mesh/schema"
)

var (
	// ErrNoServices is returned when no live process serves a route.
	ErrNoServices = errors.New("resolver: no services for route")
	// ErrMalformedService is returned when a route's schema cannot be turned into a service.
	ErrMalformedService = errors.New("resolver: couldn't build stub for service")
)

const (
	schemaCacheTTL     = 10 * time.Minute
	schemaCacheCleanup = time.Minute
	// loadTimeout bounds a shared load, which outlives any single caller.
	loadTimeout = 30 * time.Second
)

// SchemaSource fetches published schema blobs.
type SchemaSource interface {
	FetchSchema(ctx context.Context, ref string) ([]byte, error)
}

// ServiceHandle is the cached resolution of one route.
type ServiceHandle struct {
	Route       string
	ServiceName string
	Service     *schema.Service
	Descriptor  *schema.Descriptor

	mu          sync.RWMutex
	connections []string
}

// Connections returns a copy of the current host:port list.
func (h *ServiceHandle) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.connections...)
}

func (h *ServiceHandle) setConnections(conns []string) {
	h.mu.Lock()
	h.connections = conns
	h.mu.Unlock()
}

// Target orders the current connections with b and joins them into a
// comma separated multi-address target.
func (h *ServiceHandle) Target(b loadbalance.Balancer, key string) string {
	if key == "" {
		key = h.Route
	}
	return strings.Join(b.Order(key, h.Connections()), ",")
}

// Resolver caches ServiceHandles by route.
type Resolver struct {
	source SchemaSource
	logger *zap.Logger

	mu       sync.RWMutex
	services registry.ServicesByRoute
	loaded   map[string]*ServiceHandle

	group   singleflight.Group
	schemas *gocache.Cache
}

// New returns an empty resolver that fetches blobs from source.
func New(source SchemaSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		source:   source,
		logger:   logger.Named("resolver"),
		services: make(registry.ServicesByRoute),
		loaded:   make(map[string]*ServiceHandle),
		schemas:  gocache.New(schemaCacheTTL, schemaCacheCleanup),
	}
}

func connections(routes []registry.ServiceRoute) []string {
	conns := make([]string, len(routes))
	for i, sr := range routes {
		conns[i] = sr.Addr()
	}
	return conns
}

// Update replaces the registry snapshot. Handles of routes absent from
// snapshot are evicted after their connection list is cleared; the others
// get the new connection list.
func (r *Resolver) Update(snapshot registry.ServicesByRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services = snapshot
	for route, h := range r.loaded {
		routes := snapshot[route]
		if len(routes) == 0 {
			h.setConnections(nil)
			delete(r.loaded, route)
			r.logger.Info("service evicted", zap.String("route", route))
			continue
		}
		h.setConnections(connections(routes))
	}
}

// Loaded reports whether route has a cached handle.
func (r *Resolver) Loaded(route string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[route]
	return ok
}

// Snapshot returns the most recent registry snapshot.
func (r *Resolver) Snapshot() registry.ServicesByRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services
}

// Resolve returns the handle for route, loading it on a cache miss.
// Concurrent misses for the same route share one load, which is not
// cancelled when the caller that started it gives up.
func (r *Resolver) Resolve(ctx context.Context, route string) (*ServiceHandle, error) {
	r.mu.RLock()
	h, ok := r.loaded[route]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}

	ch := r.group.DoChan(route, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.load(lctx, route)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ServiceHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) load(ctx context.Context, route string) (*ServiceHandle, error) {
	r.mu.RLock()
	if h, ok := r.loaded[route]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	routes := r.services[route]
	r.mu.RUnlock()

	if len(routes) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoServices, route)
	}
	first := routes[0]

	svc, desc, err := r.loadService(ctx, first)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The route may have vanished while the schema was loading.
	current := r.services[route]
	if len(current) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoServices, route)
	}
	if h, ok := r.loaded[route]; ok {
		return h, nil
	}
	h := &ServiceHandle{
		Route:       route,
		ServiceName: first.ServiceName,
		Service:     svc,
		Descriptor:  desc,
		connections: connections(current),
	}
	r.loaded[route] = h
	r.logger.Debug("service resolved",
		zap.String("route", route),
		zap.String("service", first.ServiceName),
		zap.Strings("connections", h.connections))
	return h, nil
}

func (r *Resolver) loadService(ctx context.Context, sr registry.ServiceRoute) (*schema.Service, *schema.Descriptor, error) {
	if sr.Internal {
		svc, desc, err := schema.LoadInternal(sr.ServiceName, sr.LoadOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("%w %s: %w", ErrMalformedService, sr.ServiceName, err)
		}
		return svc, desc, nil
	}

	desc, err := r.descriptor(ctx, sr.SchemaRef)
	if err != nil {
		return nil, nil, err
	}
	svc, err := desc.Service(sr.ServiceName, sr.LoadOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %s: %w", ErrMalformedService, sr.ServiceName, err)
	}
	return svc, desc, nil
}

// descriptor returns the parsed blob at ref, from cache when possible.
// Blob nodes are never rewritten, so a ref always names the same content.
func (r *Resolver) descriptor(ctx context.Context, ref string) (*schema.Descriptor, error) {
	if v, ok := r.schemas.Get(ref); ok {
		return v.(*schema.Descriptor), nil
	}
	blob, err := r.source.FetchSchema(ctx, ref)
	if err != nil {
		return nil, err
	}
	desc, err := schema.ParseDescriptor(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedService, ref, err)
	}
	r.schemas.SetDefault(ref, desc)
	return desc, nil
}
