// Package registry keeps track of which server instances provide which service.
//
// A provider registers (serviceName, instanceId) with its address and renews the lease with
// heartbeats; consumers discover the instances whose lease is still valid. Leases expire
// lazily: an instance whose last heartbeat is older than the lease TTL is dropped the next time
// its service is discovered, never by a background sweeper.
//
// Four implementations satisfy Registry:
//
//	MemoryRegistry  authoritative in-process table
//	EtcdRegistry    the same table kept in etcd
//	Client          remote access to a registry Server over the frame protocol
//	Keeper          is not one, it drives a Registry on behalf of a provider
package registry

import (
	"context"
	"time"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

const (
	DefaultLeaseTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Registry is the service table. All operations on one service name are atomic with respect
// to each other.
type Registry interface {
	// Register adds an instance, or renews it when (serviceName, instanceID) is already known.
	Register(ctx context.Context, serviceName, host string, port int, instanceID string) error
	// Heartbeat renews a lease. It reports false, and changes nothing, for an unknown pair.
	Heartbeat(ctx context.Context, serviceName, instanceID string) (bool, error)
	// Deregister removes an instance. Removing an unknown pair is not an error.
	Deregister(ctx context.Context, serviceName, instanceID string) error
	// Discover returns the live instances of a service, empty when there are none.
	Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error)
}

func checkKey(serviceName, instanceID string) error {
	if serviceName == "" {
		return rpcerr.New(rpcerr.KindConfiguration, "registry: empty service name")
	}
	if instanceID == "" {
		return rpcerr.New(rpcerr.KindConfiguration, "registry: empty instance id for %s", serviceName)
	}
	return nil
}

func checkAddress(serviceName, host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return rpcerr.New(rpcerr.KindConfiguration, "registry: bad address %s:%d for %s", host, port, serviceName)
	}
	return nil
}

func expired(inst *message.ServiceInstance, now time.Time, ttl time.Duration) bool {
	return now.Sub(inst.LastHeartbeatAt) > ttl
}
