// Package server implements the transport server: it binds a TCP listener,
// dispatches framed requests to the handlers of the services added to it
// and shuts down gracefully or by force.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request frame: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (method table) → Codec.Encode → write response
//	  → cancel frame:  cancel the context of the request with the same Seq
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-mesh/codec"
	"mini-mesh/message"
	"mini-mesh/middleware"
	"mini-mesh/protocol"
	"mini-mesh/schema"
	"mini-mesh/status"
)

// ErrServerClosed is returned by Bind once shutdown has started.
var ErrServerClosed = errors.New("server: closed")

// Handler serves one RPC method. The returned bytes become the response
// payload; a returned error is sent with its status code.
type Handler func(ctx context.Context, req *message.RPCMessage) ([]byte, error)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.Named("server")
		}
	}
}

// WithMiddleware appends inbound middlewares; the first is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// Server is the RPC server. Services must be added before Bind.
type Server struct {
	logger      *zap.Logger
	middlewares []middleware.Middleware

	mu       sync.RWMutex
	services map[string]*schema.Service
	methods  map[string]Handler // "/pkg.Service/Method" → handler
	listener net.Listener
	conns    map[net.Conn]struct{}

	handler  middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	reqMu    sync.Mutex             // Orders wg.Add against the start of shutdown
	wg       sync.WaitGroup         // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool            // Set during shutdown to suppress Accept errors
	done     chan struct{}          // Closed when the accept loop exits

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     zap.NewNop(),
		services:   make(map[string]*schema.Service),
		methods:    make(map[string]Handler),
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddService registers handlers for svc. Every method of svc needs exactly
// one handler and no handler may name a method svc does not define.
func (s *Server) AddService(svc *schema.Service, handlers map[string]Handler) error {
	if svc == nil {
		return errors.New("server: nil service")
	}
	for name, h := range handlers {
		if !svc.HasMethod(name) {
			return fmt.Errorf("server: %s has no method %q", svc.FullName, name)
		}
		if h == nil {
			return fmt.Errorf("server: nil handler for %s/%s", svc.FullName, name)
		}
	}
	var missing []string
	for _, m := range svc.Methods {
		if _, ok := handlers[m]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("server: %s is missing handlers for %v", svc.FullName, missing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server: AddService after Bind")
	}
	if _, dup := s.services[svc.FullName]; dup {
		return fmt.Errorf("server: service %s already added", svc.FullName)
	}
	s.services[svc.FullName] = svc
	for name, h := range handlers {
		s.methods[svc.Path(name)] = h
	}
	return nil
}

// Bind listens on host:port (port 0 picks a free one), starts serving and
// returns the bound port.
func (s *Server) Bind(host string, port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return 0, errors.New("server: already bound")
	}
	// stopAccepting sets the flag before it looks for a listener under mu
	if s.shutdown.Load() {
		return 0, ErrServerClosed
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("server: bind: %w", err)
	}
	s.listener = listener

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	go s.serve(listener)

	bound := listener.Addr().(*net.TCPAddr).Port
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()), zap.Int("services", len(s.services)))
	return bound, nil
}

// Addr returns the listener address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listening reports whether Bind succeeded and shutdown has not started.
func (s *Server) Listening() bool {
	return s.Addr() != nil && !s.shutdown.Load()
}

// serve is the accept loop: one goroutine per connection.
func (s *Server) serve(listener net.Listener) {
	defer close(s.done)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// handleConn reads frames off one connection. Reads are sequential so
// frame boundaries stay intact; each request is handled in its own
// goroutine. Responses share a per-connection write lock so frames never
// interleave.
func (s *Server) handleConn(conn net.Conn) {
	var (
		writeMu  sync.Mutex
		cancelMu sync.Mutex
		inflight = make(map[uint32]context.CancelFunc)
	)
	defer func() {
		cancelMu.Lock()
		for _, cancel := range inflight {
			cancel()
		}
		cancelMu.Unlock()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // Connection closed or protocol error
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeCancel:
			cancelMu.Lock()
			cancel, ok := inflight[header.Seq]
			cancelMu.Unlock()
			if ok {
				cancel()
			}
			continue
		case protocol.MsgTypeResponse:
			s.logger.Warn("unexpected response frame", zap.Stringer("peer", conn.RemoteAddr()))
			continue
		}

		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		req := &message.RPCMessage{}
		if err := cdc.Decode(body, req); err != nil {
			s.reply(conn, &writeMu, header, &message.RPCMessage{
				Code:  uint16(status.InvalidArgument),
				Error: "malformed request: " + err.Error(),
			})
			continue
		}

		s.reqMu.Lock()
		if s.shutdown.Load() {
			s.reqMu.Unlock()
			s.reply(conn, &writeMu, header, middleware.ErrorReply(req, status.New(status.Unavailable, "server shutting down")))
			continue
		}
		s.wg.Add(1)
		s.reqMu.Unlock()

		ctx, cancel := s.requestContext(req)
		cancelMu.Lock()
		inflight[header.Seq] = cancel
		cancelMu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				cancelMu.Lock()
				delete(inflight, header.Seq)
				cancelMu.Unlock()
				cancel()
			}()
			s.reply(conn, &writeMu, header, s.handler(ctx, req))
		}()
	}
}

// requestContext derives the context of one request: cancelled by
// ForceShutdown, by a cancel frame, or at the caller's deadline.
func (s *Server) requestContext(req *message.RPCMessage) (context.Context, context.CancelFunc) {
	if deadline, ok := req.DeadlineTime(); ok {
		return context.WithDeadline(s.baseCtx, deadline)
	}
	return context.WithCancel(s.baseCtx)
}

func (s *Server) reply(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, resp *message.RPCMessage) {
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	body, err := cdc.Encode(resp)
	if err != nil {
		s.logger.Error("encode response failed", zap.String("method", resp.ServiceMethod), zap.Error(err))
		body, _ = cdc.Encode(&message.RPCMessage{Code: uint16(status.Internal), Error: "encode response failed"})
	}

	// Same Seq as the request, this is how multiplexing works
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, body); err != nil {
		s.logger.Debug("write response failed", zap.Stringer("peer", conn.RemoteAddr()), zap.Error(err))
	}
}

// dispatch is the innermost handler: it looks the method up and runs it.
func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
	s.mu.RLock()
	h, ok := s.methods[req.ServiceMethod]
	s.mu.RUnlock()
	if !ok {
		return middleware.ErrorReply(req, status.Errorf(status.Unimplemented, "unknown method %s", req.ServiceMethod))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked",
				zap.String("method", req.ServiceMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = middleware.ErrorReply(req, status.New(status.Internal, "handler panicked"))
		}
	}()

	payload, err := h(ctx, req)
	if err != nil {
		if status.CodeOf(err) == status.Unknown && ctx.Err() != nil {
			err = status.FromContext(ctx)
		}
		return middleware.ErrorReply(req, err)
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done. Connections are closed once the requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopAccepting()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.closeConns()
		s.cancelBase()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err())
	}
}

// ForceShutdown cancels every in-flight request and closes all connections.
func (s *Server) ForceShutdown() {
	s.stopAccepting()
	s.cancelBase()
	s.closeConns()
}

func (s *Server) stopAccepting() {
	// The flag goes first so the accept loop treats the Accept error as intentional
	s.reqMu.Lock()
	already := s.shutdown.Swap(true)
	s.reqMu.Unlock()
	if already {
		return
	}
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener != nil {
		listener.Close()
		<-s.done
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
