// Package loadbalance selects the instance a call is sent to.
//
// The only strategy is First, which deterministically picks the first discovered instance.
// The client depends on the Balancer interface alone, so a smarter strategy can be dropped in
// without touching the call path.
package loadbalance

import (
	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call, must be goroutine-safe.
	Pick(instances []message.ServiceInstance) (*message.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// First always picks the first instance, in the order the registry returned them.
type First struct{}

func (First) Pick(instances []message.ServiceInstance) (*message.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, rpcerr.New(rpcerr.KindServiceNotFound, "no instances available")
	}
	return &instances[0], nil
}

func (First) Name() string {
	return "First"
}
