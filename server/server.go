// Package server implements the RPC server with dispatch tables, a middleware chain,
// concurrent connection handling, registry announcement and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → read one frame → Codec.Decode(Call)
//	  → Middleware Chain → businessHandler (dispatch table lookup → MethodHandler)
//	  → Codec.Encode(Result) → write response → close
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tiny-rpc/codec"
	"tiny-rpc/message"
	"tiny-rpc/middleware"
	"tiny-rpc/protocol"
	"tiny-rpc/registry"
	"tiny-rpc/rpcerr"
	"tiny-rpc/transport"
)

// Options configures a Server. Codec is required.
type Options struct {
	Codec  codec.Factory
	Logger *logrus.Entry

	// HandleTimeout bounds each call inside the server; zero disables it.
	HandleTimeout time.Duration
	// RateLimit admits at most RateLimit calls per second with RateBurst burst; zero disables it.
	RateLimit float64
	RateBurst int
	// ReadTimeout bounds how long a connection may take to send its call; zero disables it.
	ReadTimeout time.Duration
}

// Server is the RPC server that registers services and handles incoming calls.
type Server struct {
	opts       Options
	codecType  codec.Type
	log        *logrus.Entry
	instanceID string // Generated once, reused for every registration and heartbeat

	services    map[string]*service // Written by Register before Serve, read-only afterwards
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	started     atomic.Bool

	transport transport.Server

	mu     sync.Mutex
	keeper *registry.Keeper
}

// NewServer creates a server speaking the codec built by opts.Codec.
func NewServer(opts Options) (*Server, error) {
	if opts.Codec == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "server: no codec configured")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		opts:       opts,
		codecType:  opts.Codec().Type(),
		instanceID: uuid.NewString(),
		services:   make(map[string]*service),
	}
	s.log = log.WithFields(logrus.Fields{"component": "server", "instance": s.instanceID})
	s.transport = transport.Server{ReadTimeout: opts.ReadTimeout, Logger: s.log}
	return s, nil
}

// InstanceID identifies this server process in the registry.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Use registers a middleware. Middlewares are applied in the order they are added and must be
// added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Register exposes impl under desc. It must be called before Serve; the service table is
// read-only while serving.
func (s *Server) Register(desc *ServiceDesc, impl any) error {
	if s.started.Load() {
		return rpcerr.New(rpcerr.KindConfiguration, "server: Register called after Serve")
	}
	svc, err := newService(desc, impl)
	if err != nil {
		return err
	}
	if _, dup := s.services[svc.name]; dup {
		return rpcerr.New(rpcerr.KindConfiguration, "server: service %s already registered", svc.name)
	}
	s.services[svc.name] = svc
	return nil
}

// Services lists the registered service names.
func (s *Server) Services() []string {
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// Serve accepts connections on ln until Shutdown, which makes it return nil.
func (s *Server) Serve(ln net.Listener) error {
	if s.started.Swap(true) {
		return errors.New("server: Serve called twice")
	}
	// Built-in middlewares first, so logging sees rate-limited and timed-out calls too.
	chain := []middleware.Middleware{middleware.Logging(s.log)}
	if s.opts.RateLimit > 0 {
		chain = append(chain, middleware.RateLimit(s.opts.RateLimit, max(s.opts.RateBurst, 1)))
	}
	chain = append(chain, s.middlewares...)
	if s.opts.HandleTimeout > 0 {
		chain = append(chain, middleware.Timeout(s.opts.HandleTimeout))
	}
	s.handler = middleware.Chain(chain...)(s.businessHandler)
	s.transport.Handler = transport.HandlerFunc(s.serveFrame)

	s.log.WithField("addr", ln.Addr().String()).Infof("Serving %d service(s)", len(s.services))
	return s.transport.Serve(ln)
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindTransport, err, "listen on %s", addr)
	}
	return s.Serve(ln)
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// Announce registers every service with reg under host:port and keeps the leases alive with a
// heartbeat every interval, on its own goroutine. Registration failures are logged and retried on
// the next tick. Shutdown deregisters.
func (s *Server) Announce(ctx context.Context, reg registry.Registry, host string, port int, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keeper != nil {
		return rpcerr.New(rpcerr.KindConfiguration, "server: already announced")
	}
	s.keeper = registry.NewKeeper(reg, registry.KeeperOptions{
		Services:   s.Services(),
		Host:       host,
		Port:       port,
		InstanceID: s.instanceID,
		Interval:   interval,
		Logger:     s.log,
	})
	s.keeper.Start(ctx)
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry FIRST, so clients stop discovering this server
//  2. Stop accepting connections
//  3. Wait for in-flight calls to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	keeper := s.keeper
	s.keeper = nil
	s.mu.Unlock()
	if keeper != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		keeper.Stop(ctx)
		cancel()
	}
	return s.transport.Shutdown(timeout)
}

// serveFrame handles the single exchange of one connection. Returning an error drops the
// connection without a reply: that happens for frames in a foreign codec and undecodable calls.
func (s *Server) serveFrame(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error) {
	if hdr.CodecType != s.codecType {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "frame uses codec %d, server speaks %d", hdr.CodecType, s.codecType)
	}
	c := s.opts.Codec() // One codec per connection: some codecs are not safe for concurrent use.

	var call message.Call
	if err := c.Decode(body, &call); err != nil {
		return nil, err
	}

	result := s.handler(ctx, &call)

	out, err := c.Encode(result)
	if err != nil {
		s.log.WithField("requestId", call.RequestID).Errorf("Failed to encode result: %v", err)
		out, err = c.Encode(message.Fail(call.RequestID, rpcerr.ToFailure(err)))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// businessHandler dispatches a call to its registered implementation. It is wrapped by the
// middleware chain and never lets a failure of the implementation escape as anything but a Result.
// It owns its codec: under HandleTimeout it may still run after serveFrame has encoded the reply.
func (s *Server) businessHandler(ctx context.Context, call *message.Call) *message.Result {
	svc, ok := s.services[call.InterfaceName]
	if !ok {
		return failure(call, rpcerr.New(rpcerr.KindServiceNotFound, "no implementation registered for %s", call.InterfaceName))
	}
	key := methodKey(call.MethodName, call.ArgumentTypes)
	md, ok := svc.methods[key]
	if !ok {
		return failure(call, rpcerr.New(rpcerr.KindMethodInvocation, "%s has no method %s", svc.name, key))
	}
	if len(call.Arguments) != len(md.ArgTypes) {
		return failure(call, rpcerr.New(rpcerr.KindMethodInvocation,
			"%s.%s takes %d argument(s), call carries %d", svc.name, key, len(md.ArgTypes), len(call.Arguments)))
	}

	c := s.opts.Codec()
	value, err := invoke(ctx, svc, md, c, call)
	if err != nil {
		return failure(call, err)
	}
	out, err := c.Encode(value)
	if err != nil {
		return failure(call, rpcerr.Wrap(rpcerr.KindEncoding, err, "encode result of %s.%s", svc.name, md.Name))
	}
	return message.Success(call.RequestID, out)
}

// invoke runs the method handler. Argument decoding failures keep their DecodingError kind; any
// other failure, panics included, becomes a MethodInvocationError carrying the original message.
func invoke(ctx context.Context, svc *service, md *MethodDesc, c codec.Codec, call *message.Call) (value any, err error) {
	var decErr error
	dec := func(i int, v any) error {
		if i < 0 || i >= len(call.Arguments) {
			decErr = rpcerr.New(rpcerr.KindDecoding, "argument %d out of range", i)
			return decErr
		}
		if err := c.Decode(call.Arguments[i], v); err != nil {
			decErr = rpcerr.Wrap(rpcerr.KindDecoding, err, "argument %d (%s) of %s.%s", i, md.ArgTypes[i], svc.name, md.Name)
			return decErr
		}
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, rpcerr.New(rpcerr.KindMethodInvocation, "%s.%s panicked: %v", svc.name, md.Name, r)
		}
	}()

	value, err = md.Handler(svc.impl, ctx, dec)
	switch {
	case decErr != nil:
		return nil, decErr
	case err != nil:
		return nil, &rpcerr.Error{Kind: rpcerr.KindMethodInvocation, Msg: svc.name + "." + md.Name, Err: err}
	case value == nil:
		return nil, rpcerr.New(rpcerr.KindEncoding, "%s.%s returned no value", svc.name, md.Name)
	}
	return value, nil
}

func failure(call *message.Call, err error) *message.Result {
	return message.Fail(call.RequestID, rpcerr.ToFailure(err))
}

// SplitHostPort parses a "host:port" service address for Announce.
func SplitHostPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, rpcerr.Wrap(rpcerr.KindConfiguration, err, "service address %q", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, rpcerr.New(rpcerr.KindConfiguration, "service address %q: bad port", addr)
	}
	return host, port, nil
}
