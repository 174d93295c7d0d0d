package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"tiny-rpc/codec"
	"tiny-rpc/message"
	"tiny-rpc/protocol"
	"tiny-rpc/rpcerr"
	"tiny-rpc/transport"
)

type Calculator interface {
	Add(ctx context.Context, a, b int32) (int32, error)
	Concat(ctx context.Context, a, b string) (string, error)
	Div(ctx context.Context, a, b int32) (int32, error)
	Crash(ctx context.Context) (bool, error)
}

type calculator struct{}

func (calculator) Add(ctx context.Context, a, b int32) (int32, error) { return a + b, nil }

func (calculator) Concat(ctx context.Context, a, b string) (string, error) { return a + b, nil }

func (calculator) Div(ctx context.Context, a, b int32) (int32, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (calculator) Crash(ctx context.Context) (bool, error) { panic("boom") }

func decode2[A, B any](dec func(int, any) error) (a A, b B, err error) {
	if err = dec(0, &a); err != nil {
		return
	}
	err = dec(1, &b)
	return
}

var calculatorDesc = ServiceDesc{
	Name:        "Calculator",
	HandlerType: (*Calculator)(nil),
	Methods: []MethodDesc{
		{Name: "Add", ArgTypes: []string{"int32", "int32"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			a, b, err := decode2[int32, int32](dec)
			if err != nil {
				return nil, err
			}
			return srv.(Calculator).Add(ctx, a, b)
		}},
		// Same name, different signature.
		{Name: "Add", ArgTypes: []string{"string", "string"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			a, b, err := decode2[string, string](dec)
			if err != nil {
				return nil, err
			}
			return srv.(Calculator).Concat(ctx, a, b)
		}},
		{Name: "Div", ArgTypes: []string{"int32", "int32"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			a, b, err := decode2[int32, int32](dec)
			if err != nil {
				return nil, err
			}
			return srv.(Calculator).Div(ctx, a, b)
		}},
		{Name: "Crash", Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
			return srv.(Calculator).Crash(ctx)
		}},
	},
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Register(&calculatorDesc, calculator{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return srv
}

func jsonOptions() Options {
	return Options{Codec: func() codec.Codec { return &codec.JSONCodec{} }}
}

// call performs one raw exchange with the server, bypassing the client package.
func call(t *testing.T, srv *Server, c codec.Codec, iface, method string, types []string, args ...any) (*message.Call, *message.Result) {
	t.Helper()
	encoded := make([][]byte, len(args))
	for i, a := range args {
		b, err := c.Encode(a)
		if err != nil {
			t.Fatalf("encode arg %d: %v", i, err)
		}
		encoded[i] = b
	}
	req := message.NewCall(iface, method, types, encoded)
	body, err := c.Encode(req)
	if err != nil {
		t.Fatalf("encode call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, reply, err := (&transport.Dialer{}).RoundTrip(ctx, srv.Addr().String(), &protocol.Header{CodecType: c.Type()}, body)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	var result message.Result
	if err := c.Decode(reply, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.RequestID != req.RequestID {
		t.Fatalf("result request id %s, want %s", result.RequestID, req.RequestID)
	}
	return req, &result
}

func TestServerDispatch(t *testing.T) {
	srv := startServer(t, jsonOptions())
	c := &codec.JSONCodec{}

	_, result := call(t, srv, c, "Calculator", "Add", []string{"int32", "int32"}, int32(1), int32(2))
	if result.Failed() {
		t.Fatalf("Add failed: %+v", result.Failure)
	}
	var sum int32
	if err := c.Decode(result.Value, &sum); err != nil || sum != 3 {
		t.Fatalf("Add = %d, %v", sum, err)
	}
}

func TestServerOverloadResolution(t *testing.T) {
	srv := startServer(t, jsonOptions())
	c := &codec.JSONCodec{}

	_, result := call(t, srv, c, "Calculator", "Add", []string{"string", "string"}, "tiny", "-rpc")
	if result.Failed() {
		t.Fatalf("Add(string,string) failed: %+v", result.Failure)
	}
	var s string
	if err := c.Decode(result.Value, &s); err != nil || s != "tiny-rpc" {
		t.Fatalf("Add(string,string) = %q, %v", s, err)
	}
}

func TestServerFailures(t *testing.T) {
	srv := startServer(t, jsonOptions())
	c := &codec.JSONCodec{}

	cases := []struct {
		name    string
		iface   string
		method  string
		types   []string
		args    []any
		kind    rpcerr.Kind
		message string
	}{
		{"unknown service", "Nope", "Add", []string{"int32", "int32"}, []any{int32(1), int32(2)}, rpcerr.KindServiceNotFound, "Nope"},
		{"unknown method", "Calculator", "Mul", []string{"int32", "int32"}, []any{int32(1), int32(2)}, rpcerr.KindMethodInvocation, "Mul(int32,int32)"},
		{"signature mismatch", "Calculator", "Add", []string{"int64"}, []any{int64(1)}, rpcerr.KindMethodInvocation, "Add(int64)"},
		{"argument count", "Calculator", "Add", []string{"int32", "int32"}, []any{int32(1)}, rpcerr.KindMethodInvocation, "takes 2"},
		{"bad argument", "Calculator", "Add", []string{"int32", "int32"}, []any{"one", int32(2)}, rpcerr.KindDecoding, "argument 0"},
		{"implementation error", "Calculator", "Div", []string{"int32", "int32"}, []any{int32(1), int32(0)}, rpcerr.KindMethodInvocation, "division by zero"},
		{"panic", "Calculator", "Crash", nil, nil, rpcerr.KindMethodInvocation, "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, result := call(t, srv, c, tc.iface, tc.method, tc.types, tc.args...)
			if !result.Failed() {
				t.Fatalf("expected failure, got value %q", result.Value)
			}
			if result.Failure.Kind != tc.kind.String() {
				t.Errorf("kind = %s, want %s", result.Failure.Kind, tc.kind)
			}
			if !strings.Contains(result.Failure.Message, tc.message) {
				t.Errorf("message %q does not mention %q", result.Failure.Message, tc.message)
			}
		})
	}

	// Still serving after every failure above.
	_, result := call(t, srv, c, "Calculator", "Add", []string{"int32", "int32"}, int32(2), int32(2))
	if result.Failed() {
		t.Fatalf("server stopped serving: %+v", result.Failure)
	}
}

func TestServerRejectsForeignCodec(t *testing.T) {
	srv := startServer(t, jsonOptions())

	gob := &codec.GobCodec{}
	body, err := gob.Encode(message.NewCall("Calculator", "Crash", nil, nil))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = (&transport.Dialer{}).RoundTrip(ctx, srv.Addr().String(), &protocol.Header{CodecType: codec.TypeNative}, body)
	if !errors.Is(err, rpcerr.ErrTransport) {
		t.Fatalf("expected the connection to be dropped, got %v", err)
	}
}

func TestServerDropsUndecodableCall(t *testing.T) {
	srv := startServer(t, jsonOptions())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := (&transport.Dialer{}).RoundTrip(ctx, srv.Addr().String(), &protocol.Header{CodecType: codec.TypeJSON}, []byte("{not json"))
	if !errors.Is(err, rpcerr.ErrTransport) {
		t.Fatalf("expected the connection to be dropped, got %v", err)
	}

	_, result := call(t, srv, &codec.JSONCodec{}, "Calculator", "Add", []string{"int32", "int32"}, int32(1), int32(1))
	if result.Failed() {
		t.Fatalf("server stopped serving: %+v", result.Failure)
	}
}

func TestServerEveryCodec(t *testing.T) {
	reg := codec.NewRegistry()
	for _, name := range reg.Names() {
		t.Run(name, func(t *testing.T) {
			f, err := reg.Lookup(name)
			if err != nil {
				t.Fatal(err)
			}
			srv := startServer(t, Options{Codec: f})
			c := f()
			_, result := call(t, srv, c, "Calculator", "Add", []string{"int32", "int32"}, int32(40), int32(2))
			var sum int32
			if result.Failed() || c.Decode(result.Value, &sum) != nil || sum != 42 {
				t.Fatalf("Add over %s: result=%+v sum=%d", name, result, sum)
			}
		})
	}
}

func TestServerHandleTimeout(t *testing.T) {
	srv, err := NewServer(Options{Codec: jsonOptions().Codec, HandleTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	slow := ServiceDesc{Name: "Slow", Methods: []MethodDesc{{Name: "Wait", Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return true, nil
	}}}}
	if err := srv.Register(&slow, struct{}{}); err != nil {
		t.Fatal(err)
	}
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	go srv.Serve(ln)
	defer srv.Shutdown(time.Second)
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}

	_, result := call(t, srv, &codec.JSONCodec{}, "Slow", "Wait", nil)
	if !result.Failed() || result.Failure.Kind != rpcerr.KindTimeout.String() {
		t.Fatalf("expected TimeoutError, got %+v", result)
	}
}

// A handler that outlives HandleTimeout keeps encoding its late result while the reply is being
// encoded; with the fast-binary codec both must not share scratch buffers. Run with -race.
func TestServerHandleTimeoutLateResult(t *testing.T) {
	fast := func() codec.Codec { return codec.NewBinaryCodec() }
	srv, err := NewServer(Options{Codec: fast, HandleTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	finished := make(chan struct{}, 8)
	late := ServiceDesc{Name: "Late", Methods: []MethodDesc{{Name: "Echo", ArgTypes: []string{"string"}, Handler: func(srv any, ctx context.Context, dec func(int, any) error) (any, error) {
		defer func() { finished <- struct{}{} }()
		<-ctx.Done()
		var s string
		if err := dec(0, &s); err != nil {
			return nil, err
		}
		return strings.Repeat(s, 4096), nil
	}}}}
	if err := srv.Register(&late, struct{}{}); err != nil {
		t.Fatal(err)
	}
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	go srv.Serve(ln)
	defer srv.Shutdown(time.Second)
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		_, result := call(t, srv, codec.NewBinaryCodec(), "Late", "Echo", []string{"string"}, "x")
		if !result.Failed() || result.Failure.Kind != rpcerr.KindTimeout.String() {
			t.Fatalf("call %d: expected TimeoutError, got %+v", i, result)
		}
	}
	for i := 0; i < 4; i++ {
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatal("abandoned handler never finished")
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	srv, err := NewServer(jsonOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(&calculatorDesc, struct{}{}); !errors.Is(err, rpcerr.ErrConfiguration) {
		t.Errorf("implementation not satisfying HandlerType: got %v", err)
	}
	dup := ServiceDesc{Name: "Dup", Methods: []MethodDesc{
		{Name: "M", ArgTypes: []string{"int32"}, Handler: calculatorDesc.Methods[0].Handler},
		{Name: "M", ArgTypes: []string{"int32"}, Handler: calculatorDesc.Methods[0].Handler},
	}}
	if err := srv.Register(&dup, calculator{}); !errors.Is(err, rpcerr.ErrConfiguration) {
		t.Errorf("duplicate signature: got %v", err)
	}
	if err := srv.Register(&calculatorDesc, calculator{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := srv.Register(&calculatorDesc, calculator{}); !errors.Is(err, rpcerr.ErrConfiguration) {
		t.Errorf("duplicate service: got %v", err)
	}
	if _, err := NewServer(Options{}); !errors.Is(err, rpcerr.ErrConfiguration) {
		t.Errorf("missing codec: got %v", err)
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("127.0.0.1:8080")
	if err != nil || host != "127.0.0.1" || port != 8080 {
		t.Fatalf("got %s %d %v", host, port, err)
	}
	for _, bad := range []string{"127.0.0.1", "host:0", "host:http"} {
		if _, _, err := SplitHostPort(bad); !errors.Is(err, rpcerr.ErrConfiguration) {
			t.Errorf("%q: expected ConfigurationError, got %v", bad, err)
		}
	}
}
