package message

import (
	"testing"
)

func TestNewCallAssignsUniqueRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := NewCall("UserService", "GetUserName", []string{"int32"}, [][]byte{{1}})
		if c.RequestID == "" {
			t.Fatal("empty request id")
		}
		if seen[c.RequestID] {
			t.Fatalf("duplicate request id %s", c.RequestID)
		}
		seen[c.RequestID] = true
	}
}

func TestResultExactlyOneOf(t *testing.T) {
	ok := Success("r1", []byte("v"))
	if ok.Failed() || ok.Value == nil {
		t.Fatalf("success result malformed: %+v", ok)
	}

	bad := Fail("r2", &Failure{Kind: "MethodInvocationError", Message: "boom"})
	if !bad.Failed() || bad.Value != nil {
		t.Fatalf("failed result malformed: %+v", bad)
	}
}

func TestServiceInstanceAddress(t *testing.T) {
	inst := ServiceInstance{Host: "127.0.0.1", Port: 8080}
	if inst.Address() != "127.0.0.1:8080" {
		t.Fatalf("got %s", inst.Address())
	}
	v6 := ServiceInstance{Host: "::1", Port: 9000}
	if v6.Address() != "[::1]:9000" {
		t.Fatalf("got %s", v6.Address())
	}
}

func TestServiceMethod(t *testing.T) {
	c := &Call{InterfaceName: "UserService", MethodName: "CreateUser"}
	if c.ServiceMethod() != "UserService.CreateUser" {
		t.Fatalf("got %s", c.ServiceMethod())
	}
}
