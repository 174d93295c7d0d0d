package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tiny-rpc/protocol"
)

// Handler answers one request frame. A non-nil error closes the connection without a reply.
type Handler interface {
	ServeFrame(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error)

func (f HandlerFunc) ServeFrame(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error) {
	return f(ctx, hdr, body)
}

// Server accepts connections and runs exactly one exchange on each, concurrently.
type Server struct {
	Handler Handler
	// ReadTimeout bounds how long a connection may take to deliver its request frame.
	// Zero means no bound.
	ReadTimeout time.Duration
	Logger      *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup // Tracks in-flight exchanges for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
	ctx      context.Context
	cancel   context.CancelFunc
}

// ErrServerClosed is returned by Serve after Shutdown, and by Serve on a server already shut down.
var ErrServerClosed = errors.New("transport: server closed")

// Serve runs the accept loop on ln until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	ctx := s.ctx
	s.mu.Unlock()

	log := defaultLogger(s.Logger)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn, log)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, log *logrus.Entry) {
	defer s.wg.Done()
	defer conn.Close()
	log = log.WithField("remote", conn.RemoteAddr().String())

	if s.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	hdr, body, err := protocol.Decode(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Debug("connection closed before a request frame")
		} else {
			log.Warnf("Dropping connection: %v", err)
		}
		return
	}
	if hdr.MsgType != protocol.MsgTypeRequest {
		log.Warnf("Dropping connection: unexpected message type %d", hdr.MsgType)
		return
	}
	conn.SetReadDeadline(time.Time{})

	reply, err := s.Handler.ServeFrame(ctx, hdr, body)
	if err != nil {
		log.Warnf("Dropping connection without reply: %v", err)
		return
	}
	respHeader := protocol.Header{
		CodecType: hdr.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       hdr.Seq, // Same seq as request, checked by the dialer
	}
	if err := protocol.Encode(conn, &respHeader, reply); err != nil {
		log.Warnf("Failed to write reply: %v", err)
	}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight exchanges to finish (with timeout); on timeout their context is cancelled
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.shutdown.Store(true)
	ln, cancel := s.listener, s.cancel
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-time.After(timeout):
		if cancel != nil {
			cancel()
		}
		return errors.Errorf("timeout waiting for %s of in-flight exchanges to finish", timeout)
	}
}
