// Package skeleton implements the server endpoint of the RMI transport: a
// multi-goroutine TCP server whose clients are stubs created by the stub
// package.
//
// A skeleton serves exactly one remote interface / target object pair. Its
// lifecycle:
//
//	New → Start (bind, register address, launch accept loop) → Stop
//	(close listener, deregister, stopped hook) → Start again if desired
//
// Each accepted connection is handed to its own service goroutine, which
// decodes exactly one call request, dispatches it through the middleware
// chain onto the capability table, encodes exactly one response, and closes
// the connection. No cross-connection serialization is imposed: a target
// needing mutual exclusion must guard its own state.
package skeleton

import (
	"context"
	"fmt"
	"log"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"mini-rmi/codec"
	"mini-rmi/message"
	"mini-rmi/middleware"
	"mini-rmi/protocol"
	"mini-rmi/registry"
	"mini-rmi/remote"
)

// Skeleton is the server-side endpoint bound to one remote interface and one
// target object.
//
// The hook fields customize failure handling and must be set before Start:
//
//   - ListenError is called when Accept fails for a reason other than Stop.
//     Return true to resume accepting, false to shut the skeleton down
//     (the default policy when the hook is nil).
//   - ServiceError is called for transport faults isolated to a single
//     connection; they never tear down the skeleton.
//   - Stopped is the terminal notification: cause is nil after a requested
//     Stop, or the accept-loop error that terminated the skeleton. It is
//     invoked with no skeleton lock held, so it may call Start or Stop.
type Skeleton struct {
	ListenError  func(err error) bool
	ServiceError func(err error)
	Stopped      func(cause error)

	iface *remote.Interface
	addr  string // configured address, "" = system-assigned at Start

	mu       sync.Mutex // serializes Start/Stop
	bound    string     // effective address once assigned
	listener net.Listener
	listen   func(network, addr string) (net.Listener, error) // nil means net.Listen; tests inject failing listeners
	running  atomic.Bool
	stopping atomic.Bool   // distinguishes Stop-induced Accept errors from real ones
	loopDone chan struct{} // closed when the accept loop has fully torn down

	serverMu sync.RWMutex
	server   any

	reg          *registry.Registry
	discovery    *registry.EtcdDiscovery
	discoveryTTL int64

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	calls          *metrics.Counter
	appErrors      *metrics.Counter
	transportFails *metrics.Counter
}

// Option configures a Skeleton at construction.
type Option func(*Skeleton)

// WithRegistry injects the address registry the skeleton registers into on
// Start. Defaults to registry.Default.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Skeleton) { s.reg = reg }
}

// WithDiscovery makes the skeleton publish its bound address to etcd on
// Start (with the given lease TTL in seconds) and unpublish on Stop.
func WithDiscovery(d *registry.EtcdDiscovery, ttl int64) Option {
	return func(s *Skeleton) {
		s.discovery = d
		s.discoveryTTL = ttl
	}
}

// New creates a skeleton serving the given remote interface with the given
// target object. ifacePtr names the interface as a typed nil pointer, e.g.
// (*Storage)(nil). addr is the TCP address to bind; leave empty to let the
// system assign a free port at Start.
//
// Fails with a configuration error if the interface does not satisfy the
// remote-interface contract, if server is nil, or if server does not
// implement the interface.
func New(ifacePtr any, server any, addr string, opts ...Option) (*Skeleton, error) {
	iface, err := remote.ForType(ifacePtr)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, remote.Configf("server is nil")
	}
	if !iface.ImplementedBy(server) {
		return nil, remote.Configf("%T does not implement %s", server, iface.Name)
	}

	s := &Skeleton{
		iface:          iface,
		server:         server,
		addr:           addr,
		reg:            registry.Default,
		calls:          metrics.GetOrCreateCounter(fmt.Sprintf(`rmi_calls_total{interface=%q}`, iface.Name)),
		appErrors:      metrics.GetOrCreateCounter(fmt.Sprintf(`rmi_app_errors_total{interface=%q}`, iface.Name)),
		transportFails: metrics.GetOrCreateCounter(fmt.Sprintf(`rmi_transport_errors_total{interface=%q}`, iface.Name)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Use registers a middleware on the dispatch chain. Middlewares apply in the
// order added and must be registered before Start.
func (s *Skeleton) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Addr returns the skeleton's effective address: the bound address once
// assigned (at construction or by Start), otherwise empty.
func (s *Skeleton) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != "" {
		return s.bound
	}
	return s.addr
}

// Running reports whether the accept loop is live.
func (s *Skeleton) Running() bool { return s.running.Load() }

// Interface returns the remote interface this skeleton serves.
func (s *Skeleton) Interface() *remote.Interface { return s.iface }

// Server returns the currently bound target object.
func (s *Skeleton) Server() any {
	s.serverMu.RLock()
	defer s.serverMu.RUnlock()
	return s.server
}

// SetServer replaces the bound target, which may happen while the skeleton is
// running. A service unit in flight keeps whatever reference it captured at
// dispatch time.
func (s *Skeleton) SetServer(server any) error {
	if server == nil {
		return remote.Configf("server is nil")
	}
	if !s.iface.ImplementedBy(server) {
		return remote.Configf("%T does not implement %s", server, s.iface.Name)
	}
	s.serverMu.Lock()
	s.server = server
	s.serverMu.Unlock()
	return nil
}

// Start binds the listening socket, registers the bound address, and launches
// the accept loop. Fails with a transport error if the socket cannot be
// bound, if the address is already claimed by a running skeleton, or if this
// skeleton is already running.
func (s *Skeleton) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return remote.Transportf("start", "skeleton for %s already running", s.iface.Name)
	}

	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	listen := s.listen
	if listen == nil {
		listen = net.Listen
	}
	ln, err := listen("tcp", addr)
	if err != nil {
		return remote.NewTransportError("bind", err)
	}
	bound := ln.Addr().String()

	if err := s.reg.Register(bound, s); err != nil {
		ln.Close()
		return err
	}

	if s.discovery != nil {
		if err := s.discovery.Publish(s.iface.Name, bound, s.discoveryTTL); err != nil {
			log.Printf("rmi: failed to publish %s at %s: %v", s.iface.Name, bound, err)
		}
	}

	// Build the middleware chain once per Start, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.bound = bound
	s.listener = ln
	s.stopping.Store(false)
	s.loopDone = make(chan struct{})
	s.running.Store(true)
	go s.acceptLoop(ln, bound, s.loopDone)
	return nil
}

// Stop closes the listening socket, causing the accept loop to exit,
// deregister the address, and deliver the Stopped hook with a nil cause.
// Service goroutines already holding connections run to completion. A later
// Start runs the skeleton again, possibly on a new system-assigned port.
// No-op if the skeleton is not running.
func (s *Skeleton) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		log.Printf("rmi: stop of %s: skeleton not running", s.iface.Name)
		return
	}
	s.stopping.Store(true)
	s.listener.Close()
	loopDone := s.loopDone
	s.mu.Unlock()

	// The accept loop deregisters, marks the skeleton stopped, and signals
	// loopDone before invoking Stopped, so a hook calling Start or Stop
	// cannot deadlock against this wait.
	<-loopDone
}

// acceptLoop runs as the skeleton's single long-lived goroutine, handing each
// accepted connection to a fresh service goroutine. It never blocks on
// service work.
func (s *Skeleton) acceptLoop(ln net.Listener, bound string, loopDone chan struct{}) {
	// Each incarnation drains only its own service units: a WaitGroup on the
	// struct would let calls accepted after a restart delay the previous
	// incarnation's Stopped notification.
	var wg sync.WaitGroup

	var cause error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				break // requested Stop: cause stays nil
			}
			if s.listenError(err) {
				continue
			}
			cause = remote.NewTransportError("accept", err)
			break
		}
		wg.Add(1)
		go s.serviceConn(conn, &wg)
	}

	ln.Close()
	s.reg.Deregister(bound)
	if s.discovery != nil {
		if err := s.discovery.Unpublish(s.iface.Name, bound); err != nil {
			log.Printf("rmi: failed to unpublish %s at %s: %v", s.iface.Name, bound, err)
		}
	}
	s.running.Store(false)
	close(loopDone)

	// Let in-flight service units drain before the terminal notification.
	wg.Wait()
	if s.Stopped != nil {
		s.Stopped(cause)
	}
}

func (s *Skeleton) listenError(err error) bool {
	if s.ListenError != nil {
		return s.ListenError(err)
	}
	log.Printf("rmi: accept error on %s: %v", s.iface.Name, err)
	return false
}

func (s *Skeleton) serviceError(err error) {
	s.transportFails.Inc()
	if s.ServiceError != nil {
		s.ServiceError(err)
		return
	}
	log.Printf("rmi: service error on %s: %v", s.iface.Name, err)
}

// serviceConn handles exactly one request/response cycle, then closes the
// connection regardless of outcome.
func (s *Skeleton) serviceConn(conn net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.serviceError(remote.Transportf("service", "panic: %v", r))
		}
	}()

	header, body, err := protocol.Decode(conn)
	if err != nil {
		s.serviceError(remote.NewTransportError("decode", err))
		return
	}
	if header.MsgType != protocol.MsgTypeRequest {
		s.serviceError(remote.Transportf("decode", "unexpected frame type %d", header.MsgType))
		return
	}

	ct := codec.CodecType(header.CodecType)
	c := codec.GetCodec(ct)

	req := message.CallRequest{}
	if err := c.Decode(body, &req); err != nil {
		// The envelope itself is corrupt; report it on the response channel
		// so the stub raises a transport error instead of timing out.
		s.serviceError(remote.NewTransportError("decode", err))
		s.writeResponse(conn, ct, message.NewTransportResponse("undecodable call request"))
		return
	}

	s.calls.Inc()
	resp := s.handler(withCodec(context.Background(), ct), &req)
	if !resp.Success {
		if resp.ErrKind == message.KindTransport {
			s.transportFails.Inc()
		} else {
			s.appErrors.Inc()
		}
	}

	s.writeResponse(conn, ct, resp)
}

func (s *Skeleton) writeResponse(conn net.Conn, ct codec.CodecType, resp *message.CallResponse) {
	c := codec.GetCodec(ct)
	body, err := c.Encode(resp)
	if err != nil {
		s.serviceError(remote.NewTransportError("encode", err))
		return
	}
	replyHeader := protocol.Header{
		CodecType: byte(ct),
		MsgType:   protocol.MsgTypeResponse,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &replyHeader, body); err != nil {
		s.serviceError(remote.NewTransportError("write", err))
	}
}

// dispatch is the business handler at the bottom of the middleware chain:
// look up the method in the capability table, decode the arguments, invoke
// the target, and wrap the outcome in a response envelope. Dispatch failures
// (unknown method, signature mismatch, undecodable argument, missing target)
// are reported on the response channel as transport-level failures, never
// thrown across the process boundary. An error raised by the target method
// travels back with its original kind.
func (s *Skeleton) dispatch(ctx context.Context, req *message.CallRequest) *message.CallResponse {
	c := codec.GetCodec(codecFrom(ctx))

	m, ok := s.iface.Method(req.Method)
	if !ok {
		return message.NewTransportResponse(fmt.Sprintf("no method %s on %s", req.Method, s.iface.Name))
	}
	if !m.MatchDescriptors(req.ParamTypes) {
		return message.NewTransportResponse(fmt.Sprintf("signature mismatch for %s.%s: got %v, want %v",
			s.iface.Name, m.Name, req.ParamTypes, m.ParamDescs))
	}
	if len(req.Args) != len(m.ParamTypes) {
		return message.NewTransportResponse(fmt.Sprintf("%s.%s: got %d arguments, want %d",
			s.iface.Name, m.Name, len(req.Args), len(m.ParamTypes)))
	}

	args := make([]reflect.Value, len(req.Args))
	for i, raw := range req.Args {
		ptr := reflect.New(m.ParamTypes[i])
		if err := c.Decode(raw, ptr.Interface()); err != nil {
			return message.NewTransportResponse(fmt.Sprintf("%s.%s: undecodable argument %d: %v",
				s.iface.Name, m.Name, i, err))
		}
		args[i] = ptr.Elem()
	}

	ret, appErr, err := s.iface.Invoke(s.Server(), m, args)
	if err != nil {
		return message.NewTransportResponse(err.Error())
	}
	if appErr != nil {
		return message.NewErrorResponse(appErr)
	}

	var payload []byte
	if m.ReturnType != nil {
		payload, err = c.Encode(ret.Interface())
		if err != nil {
			return message.NewTransportResponse(fmt.Sprintf("%s.%s: unencodable return value: %v",
				s.iface.Name, m.Name, err))
		}
	}
	return message.NewSuccessResponse(payload)
}

type codecCtxKey struct{}

func withCodec(ctx context.Context, ct codec.CodecType) context.Context {
	return context.WithValue(ctx, codecCtxKey{}, ct)
}

func codecFrom(ctx context.Context) codec.CodecType {
	if ct, ok := ctx.Value(codecCtxKey{}).(codec.CodecType); ok {
		return ct
	}
	return codec.CodecTypeJSON
}
