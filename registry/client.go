package registry

import (
	"context"
	"time"

	"tiny-rpc/codec"
	"tiny-rpc/message"
	"tiny-rpc/protocol"
	"tiny-rpc/rpcerr"
	"tiny-rpc/transport"
)

// ClientOptions configures a registry Client. Codec is required.
type ClientOptions struct {
	Codec codec.Factory
	// Timeout bounds every command, connection included. Defaults to 5s.
	Timeout time.Duration
}

// Client talks to a registry Server: one connection, one command, one reply. It implements
// Registry, so providers and consumers use it exactly like a local table.
type Client struct {
	addr    string
	codec   codec.Factory
	timeout time.Duration
	dialer  transport.Dialer
}

func NewClient(addr string, opts ClientOptions) (*Client, error) {
	if addr == "" {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "registry client: no registry address")
	}
	if opts.Codec == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "registry client: no codec configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{
		addr:    addr,
		codec:   opts.Codec,
		timeout: opts.Timeout,
		dialer:  transport.Dialer{Timeout: opts.Timeout},
	}, nil
}

func (c *Client) do(ctx context.Context, req *message.RegistryRequest) (*message.RegistryReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cdc := c.codec()
	body, err := cdc.Encode(req)
	if err != nil {
		return nil, err
	}
	_, out, err := c.dialer.RoundTrip(ctx, c.addr, &protocol.Header{CodecType: cdc.Type()}, body)
	if err != nil {
		return nil, err
	}
	var reply message.RegistryReply
	if err := cdc.Decode(out, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, rpcerr.New(rpcerr.KindMethodInvocation, "registry %s %s: %s", req.Command, req.ServiceName, reply.Error)
	}
	return &reply, nil
}

func (c *Client) Register(ctx context.Context, serviceName, host string, port int, instanceID string) error {
	_, err := c.do(ctx, &message.RegistryRequest{
		Command:     message.CommandRegister,
		ServiceName: serviceName,
		Host:        host,
		Port:        port,
		InstanceID:  instanceID,
	})
	return err
}

func (c *Client) Heartbeat(ctx context.Context, serviceName, instanceID string) (bool, error) {
	reply, err := c.do(ctx, &message.RegistryRequest{
		Command:     message.CommandHeartbeat,
		ServiceName: serviceName,
		InstanceID:  instanceID,
	})
	if err != nil {
		return false, err
	}
	return reply.Ack, nil
}

func (c *Client) Deregister(ctx context.Context, serviceName, instanceID string) error {
	_, err := c.do(ctx, &message.RegistryRequest{
		Command:     message.CommandDeregister,
		ServiceName: serviceName,
		InstanceID:  instanceID,
	})
	return err
}

func (c *Client) Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error) {
	reply, err := c.do(ctx, &message.RegistryRequest{
		Command:     message.CommandDiscover,
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, err
	}
	return reply.Instances, nil
}
