// Package client implements the calling side of tiny-rpc.
//
// Client.Invoke turns (interface, method, argument types, arguments) into one network round
// trip: discover the live instances of the interface, pick one, send the Call on a fresh
// connection and wait for its Result, bounded by the configured call timeout. Hand-written
// service stubs sit on top of it through the Invoker interface and the generic Call helper,
// so remote methods look like local ones.
package client

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tiny-rpc/codec"
	"tiny-rpc/loadbalance"
	"tiny-rpc/message"
	"tiny-rpc/middleware"
	"tiny-rpc/protocol"
	"tiny-rpc/rpcerr"
	"tiny-rpc/transport"
)

// Resolver finds the instances currently providing a service. registry.Client,
// registry.MemoryRegistry and registry.EtcdRegistry all satisfy it.
type Resolver interface {
	Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error)
}

// Static resolves every service to the single address addr, for deployments without a registry.
func Static(addr string) Resolver {
	return staticResolver(addr)
}

type staticResolver string

func (s staticResolver) Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error) {
	host, p, err := net.SplitHostPort(string(s))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConfiguration, err, "static address %q", string(s))
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConfiguration, err, "static address %q", string(s))
	}
	return []message.ServiceInstance{{ServiceName: serviceName, Host: host, Port: port, InstanceID: "static"}}, nil
}

// Invoker is what service stubs call into.
type Invoker interface {
	// Invoke calls iface.method with args and decodes the return value into reply, which must be
	// a non-nil pointer or nil to discard the value.
	Invoke(ctx context.Context, iface, method string, argTypes []string, args []any, reply any) error
}

// Call invokes a method returning a T. It is the building block of hand-written stubs:
//
//	func (s *userServiceStub) GetUserName(ctx context.Context, id int32) (string, error) {
//		return client.Call[string](ctx, s.inv, "UserService", "GetUserName", []string{"int32"}, id)
//	}
func Call[T any](ctx context.Context, inv Invoker, iface, method string, argTypes []string, args ...any) (T, error) {
	var out T
	err := inv.Invoke(ctx, iface, method, argTypes, args, &out)
	return out, err
}

// Options configures a Client. Resolver, Codec and CallTimeout are required.
type Options struct {
	Resolver Resolver
	Balancer loadbalance.Balancer // defaults to loadbalance.First
	Codec    codec.Factory
	// CallTimeout bounds every attempt of a call, connection included.
	CallTimeout time.Duration
	// Interceptors wrap each round trip, first one outermost, e.g. middleware.Retry.
	Interceptors []middleware.Interceptor
	Logger       *logrus.Entry
}

// Client is safe for concurrent use. Each call owns its codec instance and its connection.
type Client struct {
	opts   Options
	log    *logrus.Entry
	chain  middleware.Interceptor
	dialer transport.Dialer
	seq    atomic.Uint32
}

func New(opts Options) (*Client, error) {
	if opts.Resolver == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "client: no resolver")
	}
	if opts.Codec == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "client: no codec configured")
	}
	if opts.CallTimeout <= 0 {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "client: call timeout must be set explicitly")
	}
	if opts.Balancer == nil {
		opts.Balancer = loadbalance.First{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		opts:   opts,
		log:    log.WithField("component", "client"),
		chain:  middleware.ChainInterceptors(opts.Interceptors...),
		dialer: transport.Dialer{Timeout: opts.CallTimeout},
	}, nil
}

func (c *Client) Invoke(ctx context.Context, iface, method string, argTypes []string, args []any, reply any) error {
	cdc := c.opts.Codec()

	encoded := make([][]byte, len(args))
	for i, a := range args {
		b, err := cdc.Encode(a)
		if err != nil {
			return rpcerr.Wrap(rpcerr.KindEncoding, err, "argument %d of %s.%s", i, iface, method)
		}
		encoded[i] = b
	}
	call := message.NewCall(iface, method, argTypes, encoded)
	log := c.log.WithFields(logrus.Fields{"requestId": call.RequestID, "method": call.ServiceMethod()})

	instances, err := c.opts.Resolver.Discover(ctx, iface)
	if err != nil {
		// An unreachable registry reads as "no instances".
		log.Warnf("Discovery failed: %v", err)
		instances = nil
	}
	if len(instances) == 0 {
		return rpcerr.New(rpcerr.KindServiceNotFound, "no live instances of %s", iface)
	}
	target, err := c.opts.Balancer.Pick(instances)
	if err != nil {
		return err
	}
	addr := target.Address()

	send := c.chain(func(ctx context.Context, call *message.Call) (*message.Result, error) {
		return c.roundTrip(ctx, cdc, addr, call)
	})
	result, err := send(ctx, call)
	if err != nil {
		log.WithField("addr", addr).Debugf("Call failed: %v", err)
		return err
	}
	if result.Failed() {
		return rpcerr.FromFailure(result.Failure)
	}
	if reply == nil {
		return nil
	}
	if err := cdc.Decode(result.Value, reply); err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "return value of %s", call.ServiceMethod())
	}
	return nil
}

// roundTrip sends one attempt of call to addr under the call timeout.
func (c *Client) roundTrip(ctx context.Context, cdc codec.Codec, addr string, call *message.Call) (*message.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	body, err := cdc.Encode(call)
	if err != nil {
		return nil, err
	}
	hdr := &protocol.Header{CodecType: cdc.Type(), Seq: c.seq.Add(1)}
	_, out, err := c.dialer.RoundTrip(ctx, addr, hdr, body)
	if err != nil {
		if rpcerr.KindOf(err) == rpcerr.KindTimeout {
			return nil, rpcerr.New(rpcerr.KindTimeout, "call %s to %s timed out after %s", call.ServiceMethod(), addr, c.opts.CallTimeout)
		}
		return nil, err
	}

	var result message.Result
	if err := cdc.Decode(out, &result); err != nil {
		return nil, err
	}
	if result.RequestID != call.RequestID {
		return nil, rpcerr.New(rpcerr.KindDecoding, "reply to request %s carries request id %q", call.RequestID, result.RequestID)
	}
	return &result, nil
}
