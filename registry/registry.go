// Package registry publishes the services a process hosts and watches the
// services published by everyone else.
//
// Layout in the coordination store:
//
//	/services/service-<seq>  ephemeral, JSON Entry of one process
//	/proto/buffer-<seq>      ephemeral, schema descriptor blob
//
// Both are tied to the publishing process's session, so a crashed process
// deregisters itself when its session ends.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-mesh/schema"
)

const (
	ServicesPath = "/services"
	ProtoPath    = "/proto"

	// MaxSchemaSize is the exclusive upper bound on a schema blob.
	MaxSchemaSize = 1 << 20

	fetchConcurrency = 16
	watchRetryDelay  = time.Second
)

var (
	// ErrSchemaTooLarge is returned by Register for a blob of MaxSchemaSize bytes or more.
	ErrSchemaTooLarge = errors.New("registry: schema too large")
	// ErrServiceGone is returned when a referenced schema blob has disappeared.
	ErrServiceGone = errors.New("registry: service no longer available")
)

// RouteInfo is the published description of one route.
type RouteInfo struct {
	ServiceName string                `json:"serviceName"`
	SchemaRef   string                `json:"schemaRef,omitempty"`
	Internal    bool                  `json:"internal,omitempty"`
	LoadOptions *schema.StoredOptions `json:"loadOptions,omitempty"`
}

// MarshalJSON writes the schema reference under both "schemaRef" and the
// older "protoZnode" key, which existing peers still read.
func (ri RouteInfo) MarshalJSON() ([]byte, error) {
	type plain RouteInfo
	return json.Marshal(struct {
		plain
		ProtoZnode string `json:"protoZnode,omitempty"`
	}{plain: plain(ri), ProtoZnode: ri.SchemaRef})
}

// UnmarshalJSON also accepts entries written with the older "protoZnode" key.
func (ri *RouteInfo) UnmarshalJSON(b []byte) error {
	type plain RouteInfo
	var aux struct {
		plain
		ProtoZnode string `json:"protoZnode"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*ri = RouteInfo(aux.plain)
	if ri.SchemaRef == "" {
		ri.SchemaRef = aux.ProtoZnode
	}
	return nil
}

// Entry is the record one process publishes under /services.
type Entry struct {
	Host   string               `json:"host"`
	Port   int                  `json:"port"`
	Routes map[string]RouteInfo `json:"routes"`
}

// ServiceRoute is one live provider of a route.
type ServiceRoute struct {
	Host         string
	Port         int
	ServiceZnode string
	SchemaRef    string
	ServiceName  string
	LoadOptions  schema.LoadOptions
	Internal     bool
}

// Addr returns host:port.
func (sr ServiceRoute) Addr() string {
	return net.JoinHostPort(sr.Host, strconv.Itoa(sr.Port))
}

// ServicesByRoute is a full snapshot of the registry. Snapshots are never
// modified after they are emitted.
type ServicesByRoute map[string][]ServiceRoute

// HasNode reports whether the entry stored at node contributes to s.
func (s ServicesByRoute) HasNode(node string) bool {
	for _, routes := range s {
		for _, sr := range routes {
			if sr.ServiceZnode == node {
				return true
			}
		}
	}
	return false
}

// Registration is one service to publish.
type Registration struct {
	ServiceName string
	Routes      []string
	// Schema is the descriptor blob; ignored for internal services.
	Schema      []byte
	LoadOptions schema.LoadOptions
	Internal    bool
}

// Registry implements the registry protocol on a Store.
type Registry struct {
	store  Store
	logger *zap.Logger
}

// New returns a Registry on store.
func New(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger.Named("registry")}
}

// Connect opens the store session and makes sure the root paths exist.
func (r *Registry) Connect(ctx context.Context) error {
	if err := r.store.Connect(ctx); err != nil {
		return err
	}
	for _, p := range []string{ServicesPath, ProtoPath} {
		if err := r.store.EnsurePath(ctx, p); err != nil {
			return fmt.Errorf("registry: ensure %s: %w", p, err)
		}
	}
	return nil
}

// Close ends the session; every node this process published goes with it.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Expired is closed when the store session is lost.
func (r *Registry) Expired() <-chan struct{} {
	return r.store.Expired()
}

// Register uploads the schema blobs of regs and publishes one Entry for
// host:port covering all of their routes. It returns the entry's node path.
func (r *Registry) Register(ctx context.Context, host string, port int, regs []Registration) (string, error) {
	entry := Entry{Host: host, Port: port, Routes: make(map[string]RouteInfo)}

	for _, reg := range regs {
		if !reg.Internal && len(reg.Schema) >= MaxSchemaSize {
			return "", fmt.Errorf("%w: %s is %d bytes", ErrSchemaTooLarge, reg.ServiceName, len(reg.Schema))
		}
		for _, route := range reg.Routes {
			if prev, dup := entry.Routes[route]; dup {
				return "", fmt.Errorf("registry: route %q registered by both %s and %s", route, prev.ServiceName, reg.ServiceName)
			}
			entry.Routes[route] = RouteInfo{}
		}
	}

	for _, reg := range regs {
		info := RouteInfo{ServiceName: reg.ServiceName}
		if stored := reg.LoadOptions.Serialize(); !stored.IsZero() {
			info.LoadOptions = &stored
		}
		if reg.Internal {
			info.Internal = true
		} else {
			ref, err := r.store.CreateEphemeralSequential(ctx, ProtoPath+"/buffer-", reg.Schema)
			if err != nil {
				return "", fmt.Errorf("registry: upload schema of %s: %w", reg.ServiceName, err)
			}
			info.SchemaRef = ref
			r.logger.Debug("schema uploaded", zap.String("service", reg.ServiceName), zap.String("ref", ref), zap.Int("size", len(reg.Schema)))
		}
		for _, route := range reg.Routes {
			entry.Routes[route] = info
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	node, err := r.store.CreateEphemeralSequential(ctx, ServicesPath+"/service-", data)
	if err != nil {
		return "", fmt.Errorf("registry: publish entry: %w", err)
	}
	r.logger.Info("registered", zap.String("node", node), zap.String("host", host), zap.Int("port", port), zap.Int("routes", len(entry.Routes)))
	return node, nil
}

// FetchSchema returns the blob stored at ref.
func (r *Registry) FetchSchema(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.store.Get(ctx, ref)
	if errors.Is(err, ErrNoNode) {
		return nil, fmt.Errorf("%w: schema %s vanished", ErrServiceGone, ref)
	}
	return data, err
}

// WatchServices emits a full snapshot now and again after every change of
// the /services child set. The channel is closed when ctx is done or the
// store is closed.
func (r *Registry) WatchServices(ctx context.Context) <-chan ServicesByRoute {
	out := make(chan ServicesByRoute, 1)
	go func() {
		defer close(out)
		for {
			children, changed, err := r.store.Children(ctx, ServicesPath)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
					return
				}
				r.logger.Warn("list services failed", zap.Error(err))
				select {
				case <-time.After(watchRetryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			snapshot := r.collect(ctx, children)
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// collect fetches every child in parallel and builds a snapshot. Children
// that vanished or hold malformed data are left out.
func (r *Registry) collect(ctx context.Context, children []string) ServicesByRoute {
	entries := make([]*Entry, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, child := range children {
		node := ServicesPath + "/" + child
		g.Go(func() error {
			data, err := r.store.Get(gctx, node)
			if errors.Is(err, ErrNoNode) {
				return nil
			}
			if err != nil {
				r.logger.Warn("fetch service entry failed", zap.String("node", node), zap.Error(err))
				return nil
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				r.logger.Warn("malformed service entry", zap.String("node", node), zap.Error(err))
				return nil
			}
			entries[i] = &e
			return nil
		})
	}
	_ = g.Wait()

	return r.build(children, entries)
}

// build groups entries by route. Children sort by sequence number, so the
// oldest registration of a route fixes its service name; later entries that
// disagree are skipped.
func (r *Registry) build(children []string, entries []*Entry) ServicesByRoute {
	snapshot := make(ServicesByRoute)
	for i, e := range entries {
		if e == nil {
			continue
		}
		node := ServicesPath + "/" + children[i]
		for route, info := range e.Routes {
			if existing := snapshot[route]; len(existing) > 0 && existing[0].ServiceName != info.ServiceName {
				r.logger.Warn("conflicting service for route",
					zap.String("route", route),
					zap.String("node", node),
					zap.String("service", info.ServiceName),
					zap.String("want", existing[0].ServiceName))
				continue
			}
			var opts schema.LoadOptions
			if info.LoadOptions != nil {
				opts = info.LoadOptions.Deserialize()
			}
			snapshot[route] = append(snapshot[route], ServiceRoute{
				Host:         e.Host,
				Port:         e.Port,
				ServiceZnode: node,
				SchemaRef:    info.SchemaRef,
				ServiceName:  info.ServiceName,
				LoadOptions:  opts,
				Internal:     info.Internal,
			})
		}
	}
	return snapshot
}
