package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"tiny-rpc/codec"
	"tiny-rpc/message"
	"tiny-rpc/middleware"
	"tiny-rpc/protocol"
	"tiny-rpc/registry"
	"tiny-rpc/rpcerr"
	"tiny-rpc/server"
	"tiny-rpc/transport"
)

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
	Fail(ctx context.Context, code int32) (bool, error)
}

type greeter struct{ calls atomic.Int32 }

func (g *greeter) Greet(ctx context.Context, name string) (string, error) {
	g.calls.Add(1)
	return "hello " + name, nil
}

func (g *greeter) Fail(ctx context.Context, code int32) (bool, error) {
	return false, fmt.Errorf("refused with code %d", code)
}

var greeterDesc = server.ServiceDesc{
	Name:        "Greeter",
	HandlerType: (*Greeter)(nil),
	Methods: []server.MethodDesc{
		{Name: "Greet", ArgTypes: []string{"string"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			var name string
			if err := dec(0, &name); err != nil {
				return nil, err
			}
			return srv.(Greeter).Greet(ctx, name)
		}},
		{Name: "Fail", ArgTypes: []string{"int32"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			var code int32
			if err := dec(0, &code); err != nil {
				return nil, err
			}
			return srv.(Greeter).Fail(ctx, code)
		}},
	},
}

func codecNamed(t *testing.T, name string) codec.Factory {
	t.Helper()
	f, err := codec.NewRegistry().Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func startGreeter(t *testing.T, f codec.Factory) (*server.Server, *greeter) {
	t.Helper()
	srv, err := server.NewServer(server.Options{Codec: f})
	if err != nil {
		t.Fatal(err)
	}
	g := &greeter{}
	if err := srv.Register(&greeterDesc, g); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return srv, g
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientCall(t *testing.T) {
	for _, name := range codec.NewRegistry().Names() {
		t.Run(name, func(t *testing.T) {
			f := codecNamed(t, name)
			srv, _ := startGreeter(t, f)
			c := newClient(t, Options{Resolver: Static(srv.Addr().String()), Codec: f})

			got, err := Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "tiny")
			if err != nil {
				t.Fatalf("Call failed: %v", err)
			}
			if got != "hello tiny" {
				t.Fatalf("expect 'hello tiny', got %q", got)
			}
		})
	}
}

func TestClientThroughRegistry(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	srv, _ := startGreeter(t, f)
	host, port, _ := server.SplitHostPort(srv.Addr().String())

	reg := registry.NewMemoryRegistry(registry.MemoryOptions{})
	ctx := context.Background()
	reg.Register(ctx, "Greeter", host, port, "A")
	reg.Register(ctx, "Greeter", "127.0.0.1", 1, "B") // never picked: First takes A

	c := newClient(t, Options{Resolver: reg, Codec: f})
	got, err := Call[string](ctx, c, "Greeter", "Greet", []string{"string"}, "registry")
	if err != nil || got != "hello registry" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestClientMethodInvocationError(t *testing.T) {
	f := codecNamed(t, codec.NameNative)
	srv, g := startGreeter(t, f)
	c := newClient(t, Options{Resolver: Static(srv.Addr().String()), Codec: f})
	ctx := context.Background()

	_, err := Call[bool](ctx, c, "Greeter", "Fail", []string{"int32"}, int32(7))
	if !errors.Is(err, rpcerr.ErrMethodInvocation) {
		t.Fatalf("expect MethodInvocationError, got %v", err)
	}
	if want := "MethodInvocationError: Greeter.Fail: refused with code 7"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}

	// The server keeps serving.
	if _, err := Call[string](ctx, c, "Greeter", "Greet", []string{"string"}, "again"); err != nil {
		t.Fatalf("call after failure: %v", err)
	}
	if g.calls.Load() != 1 {
		t.Errorf("Greet ran %d times", g.calls.Load())
	}
}

func TestClientServiceNotFound(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	srv, _ := startGreeter(t, f)
	ctx := context.Background()

	// Known address, unknown interface: the server answers with a failure.
	c := newClient(t, Options{Resolver: Static(srv.Addr().String()), Codec: f})
	if _, err := Call[string](ctx, c, "Nope", "Greet", []string{"string"}, "x"); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("unknown interface: %v", err)
	}

	// Nothing registered.
	c = newClient(t, Options{Resolver: registry.NewMemoryRegistry(registry.MemoryOptions{}), Codec: f})
	if _, err := Call[string](ctx, c, "Greeter", "Greet", []string{"string"}, "x"); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("no instances: %v", err)
	}
}

type brokenResolver struct{}

func (brokenResolver) Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error) {
	return nil, rpcerr.New(rpcerr.KindTransport, "registry unreachable")
}

func TestClientRegistryUnavailable(t *testing.T) {
	c := newClient(t, Options{Resolver: brokenResolver{}, Codec: codecNamed(t, codec.NameJSON)})
	_, err := Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "x")
	if !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect ServiceNotFoundError when discovery fails, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		protocol.Decode(conn)
		conn.Read(make([]byte, 1)) // returns once the client hangs up
		close(closed)
	}()

	c := newClient(t, Options{
		Resolver:    Static(ln.Addr().String()),
		Codec:       codecNamed(t, codec.NameJSON),
		CallTimeout: 100 * time.Millisecond,
	})
	start := time.Now()
	_, err = Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "x")
	elapsed := time.Since(start)

	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect TimeoutError, got %v", err)
	}
	if elapsed < 90*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("call returned after %v, want about 100ms", elapsed)
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client connection was not closed")
	}
}

func TestClientTransportError(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	c := newClient(t, Options{Resolver: Static(addr), Codec: codecNamed(t, codec.NameJSON)})
	if _, err := Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "x"); !errors.Is(err, rpcerr.ErrTransport) {
		t.Fatalf("expect TransportError, got %v", err)
	}
}

func TestClientRejectsMismatchedRequestID(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	// A server that answers every call with somebody else's result.
	ts := &transport.Server{Handler: transport.HandlerFunc(func(ctx context.Context, hdr *protocol.Header, body []byte) ([]byte, error) {
		return f().Encode(message.Success("someone-else", []byte(`"hijacked"`)))
	})}
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	go ts.Serve(ln)
	defer ts.Shutdown(time.Second)

	c := newClient(t, Options{Resolver: Static(ln.Addr().String()), Codec: f})
	if _, err := Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "x"); !errors.Is(err, rpcerr.ErrDecoding) {
		t.Fatalf("expect DecodingError, got %v", err)
	}
}

func TestClientInterceptors(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	srv, _ := startGreeter(t, f)

	var seen []string
	record := func(next middleware.InvokeFunc) middleware.InvokeFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			seen = append(seen, call.ServiceMethod())
			return next(ctx, call)
		}
	}
	c := newClient(t, Options{
		Resolver:     Static(srv.Addr().String()),
		Codec:        f,
		Interceptors: []middleware.Interceptor{record, middleware.Retry(2, time.Millisecond, nil)},
	})
	if _, err := Call[string](context.Background(), c, "Greeter", "Greet", []string{"string"}, "x"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "Greeter.Greet" {
		t.Fatalf("interceptor saw %v", seen)
	}
}

func TestClientNilReplyDiscardsValue(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	srv, g := startGreeter(t, f)
	c := newClient(t, Options{Resolver: Static(srv.Addr().String()), Codec: f})

	if err := c.Invoke(context.Background(), "Greeter", "Greet", []string{"string"}, []any{"x"}, nil); err != nil {
		t.Fatal(err)
	}
	if g.calls.Load() != 1 {
		t.Fatal("call did not reach the server")
	}
}

func TestNewValidation(t *testing.T) {
	f := codecNamed(t, codec.NameJSON)
	cases := []Options{
		{Codec: f, CallTimeout: time.Second},
		{Resolver: Static("127.0.0.1:1"), CallTimeout: time.Second},
		{Resolver: Static("127.0.0.1:1"), Codec: f},
	}
	for i, opts := range cases {
		if _, err := New(opts); !errors.Is(err, rpcerr.ErrConfiguration) {
			t.Errorf("case %d: expect ConfigurationError, got %v", i, err)
		}
	}
}
