package registry

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tiny-rpc/codec"
	"tiny-rpc/message"
	"tiny-rpc/protocol"
	"tiny-rpc/rpcerr"
	"tiny-rpc/transport"
)

// ServerOptions configures a registry Server. Codec is required.
type ServerOptions struct {
	Codec       codec.Factory
	Logger      *logrus.Entry
	ReadTimeout time.Duration
	// RateLimit admits at most RateLimit commands per second with RateBurst burst; zero disables it.
	RateLimit float64
	RateBurst int
}

// Server answers registry commands, one per connection, on behalf of a backend Registry.
type Server struct {
	backend   Registry
	codec     codec.Factory
	codecType codec.Type
	limiter   *rate.Limiter
	log       *logrus.Entry
	transport transport.Server
}

func NewServer(backend Registry, opts ServerOptions) (*Server, error) {
	if backend == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "registry server: no backend")
	}
	if opts.Codec == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "registry server: no codec configured")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		backend:   backend,
		codec:     opts.Codec,
		codecType: opts.Codec().Type(),
		log:       log.WithField("component", "registry"),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))
	}
	s.transport = transport.Server{
		Handler:     transport.HandlerFunc(s.serveFrame),
		ReadTimeout: opts.ReadTimeout,
		Logger:      s.log,
	}
	return s, nil
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("Registry listening")
	return s.transport.Serve(ln)
}

func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindTransport, err, "listen on %s", addr)
	}
	return s.Serve(ln)
}

func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.transport.Shutdown(timeout)
}

func (s *Server) serveFrame(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error) {
	if hdr.CodecType != s.codecType {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "frame uses codec %d, registry speaks %d", hdr.CodecType, s.codecType)
	}
	c := s.codec()
	var req message.RegistryRequest
	if err := c.Decode(body, &req); err != nil {
		return nil, err
	}
	return c.Encode(s.handle(ctx, &req))
}

func (s *Server) handle(ctx context.Context, req *message.RegistryRequest) *message.RegistryReply {
	log := s.log.WithFields(logrus.Fields{
		"command":  req.Command,
		"service":  req.ServiceName,
		"instance": req.InstanceID,
	})
	if s.limiter != nil && !s.limiter.Allow() {
		log.Warn("rate limit exceeded")
		return &message.RegistryReply{Error: "rate limit exceeded"}
	}

	var (
		reply message.RegistryReply
		err   error
	)
	switch strings.ToUpper(req.Command) {
	case message.CommandRegister:
		err = s.backend.Register(ctx, req.ServiceName, req.Host, req.Port, req.InstanceID)
		reply.Ack = err == nil
	case message.CommandHeartbeat:
		reply.Ack, err = s.backend.Heartbeat(ctx, req.ServiceName, req.InstanceID)
	case message.CommandDeregister:
		err = s.backend.Deregister(ctx, req.ServiceName, req.InstanceID)
		reply.Ack = err == nil
	case message.CommandDiscover:
		reply.Instances, err = s.backend.Discover(ctx, req.ServiceName)
		reply.Ack = err == nil
	default:
		err = rpcerr.New(rpcerr.KindConfiguration, "unknown registry command %q", req.Command)
	}
	if err != nil {
		log.Warnf("Command failed: %v", err)
		reply.Ack = false
		reply.Error = err.Error()
		return &reply
	}
	log.Debugf("ack=%v instances=%d", reply.Ack, len(reply.Instances))
	return &reply
}
