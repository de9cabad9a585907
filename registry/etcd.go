// etcd-based discovery for bootstrapping stubs across processes.
//
// etcd is a distributed key-value store with strong consistency. We use it
// as a phonebook for skeletons:
//
//	Key:   /mini-rmi/{InterfaceName}/{Addr}
//	Value: JSON-encoded Instance
//
// Publication uses TTL-based leases: if the server process crashes, the
// lease expires and the entry is removed automatically — preventing "ghost"
// skeletons.
package registry

import (
	"context"
	"encoding/json"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"mini-rmi/remote"
)

// Instance describes one published skeleton endpoint.
type Instance struct {
	Addr string
}

// EtcdDiscovery publishes running skeletons to etcd and discovers them for
// stub bootstrap. The embedded client is thread-safe and shared across
// goroutines.
type EtcdDiscovery struct {
	client *clientv3.Client
	rr     uint64 // Round-robin cursor for Pick
}

// NewEtcdDiscovery connects to the given etcd endpoints.
func NewEtcdDiscovery(endpoints []string) (*EtcdDiscovery, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, remote.NewTransportError("etcd connect", err)
	}
	return &EtcdDiscovery{client: c}, nil
}

// Publish announces a skeleton's address under its interface name with a TTL
// lease, renewed automatically until the process exits or Unpublish is
// called.
func (d *EtcdDiscovery) Publish(ifaceName, addr string, ttl int64) error {
	ctx := context.TODO()

	lease, err := d.client.Grant(ctx, ttl)
	if err != nil {
		return remote.NewTransportError("etcd grant", err)
	}

	val, err := json.Marshal(Instance{Addr: addr})
	if err != nil {
		return err
	}

	_, err = d.client.Put(ctx, "/mini-rmi/"+ifaceName+"/"+addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return remote.NewTransportError("etcd put", err)
	}

	ch, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return remote.NewTransportError("etcd keepalive", err)
	}

	// Consume KeepAlive responses to prevent the channel from filling up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Unpublish removes a skeleton's entry. Called on skeleton stop, before the
// listener closes.
func (d *EtcdDiscovery) Unpublish(ifaceName, addr string) error {
	_, err := d.client.Delete(context.TODO(), "/mini-rmi/"+ifaceName+"/"+addr)
	if err != nil {
		return remote.NewTransportError("etcd delete", err)
	}
	return nil
}

// Discover returns all currently published addresses for an interface.
func (d *EtcdDiscovery) Discover(ifaceName string) ([]Instance, error) {
	prefix := "/mini-rmi/" + ifaceName + "/"

	resp, err := d.client.Get(context.TODO(), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, remote.NewTransportError("etcd get", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch monitors an interface prefix and emits updated instance lists
// whenever publications change (new skeletons, stops, lease expirations).
func (d *EtcdDiscovery) Watch(ifaceName string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := "/mini-rmi/" + ifaceName + "/"

	go func() {
		watchChan := d.client.Watch(context.TODO(), prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list.
			instances, _ := d.Discover(ifaceName)
			ch <- instances
		}
	}()

	return ch
}

// Pick discovers the published instances for an interface and selects one
// round-robin. Used by stub bootstrap when the caller knows the interface
// but not a concrete address.
func (d *EtcdDiscovery) Pick(ifaceName string) (Instance, error) {
	instances, err := d.Discover(ifaceName)
	if err != nil {
		return Instance{}, err
	}
	if len(instances) == 0 {
		return Instance{}, remote.Transportf("discover", "no published skeleton for %s", ifaceName)
	}
	n := atomic.AddUint64(&d.rr, 1)
	return instances[(n-1)%uint64(len(instances))], nil
}

// Close releases the etcd client.
func (d *EtcdDiscovery) Close() error {
	return d.client.Close()
}
