package userservice

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"tiny-rpc/client"
	"tiny-rpc/codec"
	"tiny-rpc/registry"
	"tiny-rpc/rpcerr"
	"tiny-rpc/server"
)

// ---- full stack: registry server, provider announcing itself, consumer discovering it ----

type stack struct {
	registry *registry.Server
	backend  *registry.MemoryRegistry
	provider *server.Server
	users    UserService
}

func listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func waitAddr(addr func() net.Addr) net.Addr {
	for addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return addr()
}

func startStack(t testing.TB, codecName string) *stack {
	t.Helper()
	f, err := codec.NewRegistry().Lookup(codecName)
	if err != nil {
		t.Fatal(err)
	}

	backend := registry.NewMemoryRegistry(registry.MemoryOptions{})
	regSrv, err := registry.NewServer(backend, registry.ServerOptions{Codec: f})
	if err != nil {
		t.Fatal(err)
	}
	go regSrv.Serve(listen(t))
	t.Cleanup(func() { regSrv.Shutdown(time.Second) })
	regAddr := waitAddr(regSrv.Addr).String()

	provider, err := server.NewServer(server.Options{Codec: f})
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Register(&ServiceDesc, &Impl{}); err != nil {
		t.Fatal(err)
	}
	go provider.Serve(listen(t))
	t.Cleanup(func() { provider.Shutdown(time.Second) })
	host, port, err := server.SplitHostPort(waitAddr(provider.Addr).String())
	if err != nil {
		t.Fatal(err)
	}

	providerReg, err := registry.NewClient(regAddr, registry.ClientOptions{Codec: f})
	if err != nil {
		t.Fatal(err)
	}
	if err := provider.Announce(context.Background(), providerReg, host, port, time.Second); err != nil {
		t.Fatal(err)
	}

	consumerReg, err := registry.NewClient(regAddr, registry.ClientOptions{Codec: f})
	if err != nil {
		t.Fatal(err)
	}
	cli, err := client.New(client.Options{Resolver: consumerReg, Codec: f, CallTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return &stack{registry: regSrv, backend: backend, provider: provider, users: NewClient(cli)}
}

func TestEndToEnd(t *testing.T) {
	for _, name := range codec.NewRegistry().Names() {
		t.Run(name, func(t *testing.T) {
			s := startStack(t, name)
			ctx := context.Background()

			userName, err := s.users.GetUserName(ctx, 1001)
			if err != nil {
				t.Fatalf("GetUserName: %v", err)
			}
			if userName != "user-1001" {
				t.Fatalf("GetUserName: expect user-1001, got %q", userName)
			}

			created, err := s.users.CreateUser(ctx, "zhangsan", 25)
			if err != nil || !created {
				t.Fatalf("CreateUser: %v, %v", created, err)
			}

			info, err := s.users.GetUserInfo(ctx, 1001)
			if err != nil {
				t.Fatalf("GetUserInfo: %v", err)
			}
			if info != "id:1001,name:user-1001,age:25" {
				t.Fatalf("GetUserInfo: got %q", info)
			}
		})
	}
}

func TestEndToEndMethodInvocationError(t *testing.T) {
	s := startStack(t, codec.NameJSON)
	ctx := context.Background()

	_, err := s.users.CreateUser(ctx, "", 25)
	if !errors.Is(err, rpcerr.ErrMethodInvocation) {
		t.Fatalf("expect MethodInvocationError, got %v", err)
	}
	if want := "MethodInvocationError: UserService.CreateUser: username must not be empty"; err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}

	// Subsequent calls on new connections still succeed.
	for i := int32(0); i < 3; i++ {
		if _, err := s.users.GetUserName(ctx, i); err != nil {
			t.Fatalf("call %d after failure: %v", i, err)
		}
	}
}

func TestEndToEndDeregisterOnShutdown(t *testing.T) {
	s := startStack(t, codec.NameNative)
	ctx := context.Background()

	if got := s.backend.Services()[Name]; len(got) != 1 || got[0].InstanceID != s.provider.InstanceID() {
		t.Fatalf("provider not registered: %+v", got)
	}
	if err := s.provider.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := s.users.GetUserName(ctx, 1); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect ServiceNotFoundError after shutdown, got %v", err)
	}
}

func TestEndToEndRegistryDown(t *testing.T) {
	s := startStack(t, codec.NameFastBinary)
	s.registry.Shutdown(time.Second)

	if _, err := s.users.GetUserName(context.Background(), 1); !errors.Is(err, rpcerr.ErrServiceNotFound) {
		t.Fatalf("expect ServiceNotFoundError with the registry down, got %v", err)
	}
}

func TestImpl(t *testing.T) {
	u := &Impl{}
	ctx := context.Background()
	if _, err := u.CreateUser(ctx, "old", 200); err == nil {
		t.Error("age 200 accepted")
	}
	if ok, err := u.CreateUser(ctx, "lisi", 30); !ok || err != nil {
		t.Errorf("CreateUser: %v, %v", ok, err)
	}
}

// ---- benchmarks over the whole stack ----

func benchmarkGetUserName(b *testing.B, codecName string) {
	s := startStack(b, codecName)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.users.GetUserName(ctx, int32(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetUserNameJSON(b *testing.B)       { benchmarkGetUserName(b, codec.NameJSON) }
func BenchmarkGetUserNameFastBinary(b *testing.B) { benchmarkGetUserName(b, codec.NameFastBinary) }

func BenchmarkGetUserNameParallel(b *testing.B) {
	s := startStack(b, codec.NameCompactBinary)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.users.GetUserName(ctx, 7); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
