// Package registry provides the process-wide address registry mapping bound
// socket addresses to running skeletons, plus an optional etcd-based
// discovery layer for bootstrapping stubs across processes.
//
// The address registry is what lets a stub created from a bare address find a
// co-located skeleton and invoke its target directly instead of going over
// the wire. Invariant: an address is present iff its skeleton is currently
// running; at most one running skeleton per address.
package registry

import (
	"mini-rmi/remote"

	"github.com/puzpuzpuz/xsync/v3"
)

// Endpoint is the view of a running skeleton the registry exposes to stubs.
// It is defined here, not in the skeleton package, so stubs can resolve
// co-located targets without depending on the server side.
type Endpoint interface {
	// Addr returns the endpoint's bound address.
	Addr() string
	// Interface returns the remote interface the endpoint serves.
	Interface() *remote.Interface
	// Server returns the currently bound target object.
	Server() any
}

// Registry is a concurrency-safe address → endpoint map. It is an explicit,
// injectable service rather than package state: construct one per process
// (or use Default) and pass it to skeleton and stub construction. Tests use
// private instances to force stubs onto the network path.
type Registry struct {
	endpoints *xsync.MapOf[string, Endpoint]
}

// Default is the process-wide registry used when none is injected.
var Default = New()

// New creates an empty registry.
func New() *Registry {
	return &Registry{endpoints: xsync.NewMapOf[string, Endpoint]()}
}

// Register claims an address for a running endpoint. Registering an address
// that is already claimed fails with a transport error: at most one running
// skeleton may hold an address at any time.
func (r *Registry) Register(addr string, ep Endpoint) error {
	if _, loaded := r.endpoints.LoadOrStore(addr, ep); loaded {
		return remote.Transportf("register", "address %s already has a running skeleton", addr)
	}
	return nil
}

// Deregister releases an address. Safe to call for addresses that were never
// registered.
func (r *Registry) Deregister(addr string) {
	r.endpoints.Delete(addr)
}

// Lookup resolves the running endpoint at an address, if any.
func (r *Registry) Lookup(addr string) (Endpoint, bool) {
	return r.endpoints.Load(addr)
}
