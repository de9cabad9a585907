// Package stub implements the client endpoint of the RMI transport: proxy
// objects that hide network communication with a remote skeleton behind an
// ordinary method-call surface.
//
// A stub is an immutable handle on (remote interface, target address). Each
// call opens one connection to the skeleton, sends one call request, blocks
// until the response arrives, and either returns the decoded value or
// surfaces the propagated error with its original kind. Connection-level
// failures always surface as *remote.TransportError.
//
// If the target address belongs to a skeleton running in the same process —
// resolved through the address registry at call time — the stub invokes the
// target directly, bypassing serialization. A stopped skeleton is
// deregistered, so later calls take the network path and fail with the
// transport error kind like any other unreachable address.
package stub

import (
	"hash/crc32"
	"net"
	"reflect"

	"mini-rmi/codec"
	"mini-rmi/message"
	"mini-rmi/protocol"
	"mini-rmi/registry"
	"mini-rmi/remote"
	"mini-rmi/skeleton"
)

// Stub is a call proxy for one remote interface bound to one address.
// Immutable after creation. Two stubs are equal iff they carry the same
// interface and the same address.
type Stub struct {
	iface     *remote.Interface
	addr      string
	reg       *registry.Registry
	codecType codec.CodecType
}

// Option configures a Stub at creation.
type Option func(*Stub)

// WithRegistry injects the address registry used to resolve co-located
// skeletons. Defaults to registry.Default. Tests inject an empty registry to
// force calls onto the network path.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Stub) { s.reg = reg }
}

// WithCodec selects the wire codec for this stub's calls. Defaults to JSON.
func WithCodec(ct codec.CodecType) Option {
	return func(s *Stub) { s.codecType = ct }
}

// ForSkeleton creates a stub bound to a skeleton's address. The skeleton must
// have been created with a fixed address or already started; otherwise this
// fails with a configuration error.
func ForSkeleton(ifacePtr any, sk *skeleton.Skeleton, opts ...Option) (*Stub, error) {
	iface, err := remote.ForType(ifacePtr)
	if err != nil {
		return nil, err
	}
	if sk == nil {
		return nil, remote.Configf("skeleton is nil")
	}
	if sk.Interface().Name != iface.Name {
		return nil, remote.Configf("skeleton serves %s, not %s", sk.Interface().Name, iface.Name)
	}
	addr := sk.Addr()
	if addr == "" {
		return nil, remote.Configf("skeleton for %s has no address: fix one at construction or start it first", iface.Name)
	}
	return newStub(iface, addr, opts), nil
}

// ForSkeletonHost creates a stub from a skeleton's port and an explicit
// hostname, for deployments where the system-assigned address is not
// externally routable. Fails with a configuration error if the skeleton has
// no assigned port.
func ForSkeletonHost(ifacePtr any, sk *skeleton.Skeleton, hostname string, opts ...Option) (*Stub, error) {
	iface, err := remote.ForType(ifacePtr)
	if err != nil {
		return nil, err
	}
	if sk == nil {
		return nil, remote.Configf("skeleton is nil")
	}
	if hostname == "" {
		return nil, remote.Configf("hostname is empty")
	}
	if sk.Interface().Name != iface.Name {
		return nil, remote.Configf("skeleton serves %s, not %s", sk.Interface().Name, iface.Name)
	}
	addr := sk.Addr()
	if addr == "" {
		return nil, remote.Configf("skeleton for %s has no port assigned", iface.Name)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return nil, remote.Configf("skeleton for %s has no port assigned", iface.Name)
	}
	return newStub(iface, net.JoinHostPort(hostname, port), opts), nil
}

// ForAddress creates a stub from a bare address, with no skeleton reference.
// This is the bootstrapping variant: the server is typically running in some
// other process. If the address does belong to a skeleton in this process,
// the registry fast path applies at call time.
func ForAddress(ifacePtr any, addr string, opts ...Option) (*Stub, error) {
	iface, err := remote.ForType(ifacePtr)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, remote.Configf("address is empty")
	}
	return newStub(iface, addr, opts), nil
}

// ForDiscovered creates a stub for an address discovered through etcd,
// picked round-robin among the interface's published skeletons. Fails with a
// transport error when nothing is published.
func ForDiscovered(ifacePtr any, d *registry.EtcdDiscovery, opts ...Option) (*Stub, error) {
	iface, err := remote.ForType(ifacePtr)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, remote.Configf("discovery is nil")
	}
	instance, err := d.Pick(iface.Name)
	if err != nil {
		return nil, err
	}
	return newStub(iface, instance.Addr, opts), nil
}

func newStub(iface *remote.Interface, addr string, opts []Option) *Stub {
	s := &Stub{
		iface:     iface,
		addr:      addr,
		reg:       registry.Default,
		codecType: codec.CodecTypeJSON,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the address the stub dials.
func (s *Stub) Addr() string { return s.addr }

// Interface returns the remote interface the stub implements.
func (s *Stub) Interface() *remote.Interface { return s.iface }

// Equals reports stub identity: same interface and same address. The
// registry handle and codec never participate — two equal stubs connect to
// the same skeleton, which is all identity means here.
func (s *Stub) Equals(other *Stub) bool {
	if other == nil {
		return false
	}
	return s.iface.Name == other.iface.Name && s.addr == other.addr
}

// HashCode derives a hash from the same identity Equals compares, so stubs
// behave as ordinary values in hash-keyed collections.
func (s *Stub) HashCode() uint32 {
	return crc32.ChecksumIEEE([]byte(s.String()))
}

// String returns the stub's human-readable identity.
func (s *Stub) String() string {
	return s.iface.Name + "@" + s.addr
}

// Call invokes a remote method. reply must be a pointer to the method's
// return type (nil for methods returning only error). The call blocks the
// calling goroutine until the round trip completes.
//
// An error raised by the target method comes back with its original kind; a
// connection-level failure comes back as *remote.TransportError; misuse
// (unknown method, wrong argument or reply types) is a configuration error
// raised before any network activity.
func (s *Stub) Call(method string, reply any, args ...any) error {
	m, ok := s.iface.Method(method)
	if !ok {
		return remote.Configf("no method %s on %s", method, s.iface.Name)
	}
	if err := checkReply(m, reply); err != nil {
		return err
	}
	vals, err := m.ConvertArgs(args)
	if err != nil {
		return err
	}

	// Co-located fast path: the registry holds the address iff a skeleton is
	// running there right now.
	if ep, ok := s.reg.Lookup(s.addr); ok && ep.Interface().Name == s.iface.Name {
		return s.callLocal(ep, m, reply, vals)
	}

	return s.callRemote(m, reply, vals)
}

// callLocal invokes the co-located target directly, bypassing serialization.
// Observably equivalent to the networked path except that it cannot fail
// with a transport error.
func (s *Stub) callLocal(ep registry.Endpoint, m *remote.Method, reply any, vals []reflect.Value) error {
	ret, appErr, err := s.iface.Invoke(ep.Server(), m, vals)
	if err != nil {
		return err
	}
	if appErr != nil {
		return appErr
	}
	if m.ReturnType != nil && reply != nil {
		reflect.ValueOf(reply).Elem().Set(ret)
	}
	return nil
}

// callRemote performs the one-connection, one-request, one-response cycle.
func (s *Stub) callRemote(m *remote.Method, reply any, vals []reflect.Value) error {
	c := codec.GetCodec(s.codecType)

	encArgs := make([][]byte, len(vals))
	for i, v := range vals {
		data, err := c.Encode(v.Interface())
		if err != nil {
			return remote.Configf("method %s: unencodable argument %d: %v", m.Name, i, err)
		}
		encArgs[i] = data
	}

	req := &message.CallRequest{
		Method:     m.Name,
		ParamTypes: m.ParamDescs,
		Args:       encArgs,
	}
	body, err := c.Encode(req)
	if err != nil {
		return remote.NewTransportError("encode", err)
	}

	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return remote.NewTransportError("dial", err)
	}
	defer conn.Close()

	header := protocol.Header{
		CodecType: byte(s.codecType),
		MsgType:   protocol.MsgTypeRequest,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		return remote.NewTransportError("write", err)
	}

	respHeader, respBody, err := protocol.Decode(conn)
	if err != nil {
		return remote.NewTransportError("read", err)
	}
	if respHeader.MsgType != protocol.MsgTypeResponse {
		return remote.Transportf("read", "unexpected frame type %d", respHeader.MsgType)
	}

	rc := codec.GetCodec(codec.CodecType(respHeader.CodecType))
	resp := message.CallResponse{}
	if err := rc.Decode(respBody, &resp); err != nil {
		return remote.NewTransportError("decode", err)
	}

	if !resp.Success {
		if resp.ErrKind == message.KindTransport {
			return remote.Transportf("call", "%s", resp.Err)
		}
		return message.Rebuild(resp.ErrKind, resp.Err)
	}

	if m.ReturnType != nil && reply != nil {
		if err := rc.Decode(resp.Payload, reply); err != nil {
			return remote.NewTransportError("decode", err)
		}
	}
	return nil
}

func checkReply(m *remote.Method, reply any) error {
	if reply == nil {
		return nil
	}
	if m.ReturnType == nil {
		return remote.Configf("method %s returns no value, reply must be nil", m.Name)
	}
	rv := reflect.ValueOf(reply)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return remote.Configf("method %s: reply must be a non-nil pointer", m.Name)
	}
	if !m.ReturnType.AssignableTo(rv.Type().Elem()) {
		return remote.Configf("method %s: reply points to %s, want %s", m.Name, rv.Type().Elem(), m.ReturnType)
	}
	return nil
}
