package client

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mini-mesh/codec"
	"mini-mesh/loadbalance"
	"mini-mesh/middleware"
	"mini-mesh/registry"
)

// Defaults.
const (
	DefaultRetryMaxAttempts     = 10
	DefaultRetryDelay           = 1000 * time.Millisecond
	DefaultCallDeadline         = 30 * time.Second
	DefaultForceShutdownTimeout = 5 * time.Second
	DefaultSessionTTL           = 15 * time.Second
	DefaultDialTimeout          = 5 * time.Second
)

// Hooks are invoked synchronously from the goroutine that causes the
// event; they must not block.
type Hooks struct {
	OnConnected  func()
	OnRegistered func(port int)
	OnError      func(err error)
	OnClose      func()
}

// Options configure a ServiceClient. Zero values select the defaults.
type Options struct {
	// Endpoints of the etcd cluster. Ignored when Store is set.
	Endpoints []string
	// Namespace prefixes every key in etcd.
	Namespace string
	// Store replaces the etcd store, e.g. with a registry.MemCluster session.
	Store registry.Store

	// Host is advertised to other processes. Defaults to the first
	// non-loopback IPv4 address of this machine.
	Host string
	// ListenHost is the interface the transport binds; empty binds all.
	ListenHost string
	// ListenPort of the transport; 0 picks a free port.
	ListenPort int

	RetryMaxAttempts     int
	RetryDelay           time.Duration
	CallDeadline         time.Duration
	ForceShutdownTimeout time.Duration
	SessionTTL           time.Duration
	DialTimeout          time.Duration

	// AppName identifies this process in the forwarding chain. Defaults to
	// the executable name.
	AppName string
	// Token is attached to outbound calls and, when set, required on
	// inbound calls other than health checks.
	Token string
	// FailFast disables wait-for-ready: calls fail at once when no
	// connection of the route is reachable.
	FailFast bool

	Codec    codec.CodecType
	Balancer loadbalance.Balancer

	// Middlewares are added to the inbound chain after the built-in layers.
	Middlewares []middleware.Middleware
	// Outbound middlewares wrap every outgoing round trip.
	Outbound []middleware.Middleware
	// RateLimit caps inbound requests per second (burst RateBurst); 0 disables.
	RateLimit float64
	RateBurst int
	// HandlerTimeout caps the run time of inbound handlers; 0 disables.
	HandlerTimeout time.Duration

	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	Logger         *zap.Logger
	Hooks          Hooks
}

func (o Options) withDefaults() Options {
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.CallDeadline <= 0 {
		o.CallDeadline = DefaultCallDeadline
	}
	if o.ForceShutdownTimeout <= 0 {
		o.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Host == "" {
		o.Host = publicIPv4()
	}
	if o.AppName == "" {
		o.AppName = filepath.Base(os.Args[0])
	}
	if o.Balancer == nil {
		o.Balancer = loadbalance.RandomBalancer{}
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit) + 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// publicIPv4 returns the first non-loopback IPv4 address, or 127.0.0.1.
func publicIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
					return ip4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
