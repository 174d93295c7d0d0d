package rpcerr

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestIsMatchesKindSentinel(t *testing.T) {
	err := New(KindTimeout, "call %s timed out", "UserService.GetUserName")

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect errors.Is(err, ErrTimeout), err = %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("timeout must not match ErrTransport")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindTimeout {
		t.Fatalf("expect KindTimeout through wrapping, got %v", KindOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindTransport, io.ErrUnexpectedEOF, "read reply")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause lost: %v", err)
	}
	if got, want := err.Error(), "TransportError: read reply: unexpected EOF"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if Wrap(KindTransport, nil, "noop") != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
}

func TestFailureRoundTrip(t *testing.T) {
	f := ToFailure(Wrap(KindMethodInvocation, errors.New("boom"), "UserService.GetUserName"))
	if f.Kind != "MethodInvocationError" {
		t.Fatalf("kind = %s", f.Kind)
	}
	if f.Message != "UserService.GetUserName: boom" {
		t.Fatalf("message = %q", f.Message)
	}

	err := FromFailure(f)
	if !errors.Is(err, ErrMethodInvocation) {
		t.Fatalf("expect method invocation error, got %v", err)
	}
	if FromFailure(nil) != nil {
		t.Fatalf("nil failure must map to nil error")
	}
}

func TestForeignErrorBecomesMethodInvocation(t *testing.T) {
	f := ToFailure(errors.New("user not found"))
	if ParseKind(f.Kind) != KindMethodInvocation {
		t.Fatalf("kind = %s", f.Kind)
	}
	if f.Message != "user not found" {
		t.Fatalf("original message lost: %q", f.Message)
	}
}

func TestParseKind(t *testing.T) {
	for k := KindUnknown; k <= KindConfiguration; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%s) = %v", k, got)
		}
	}
	if ParseKind("nope") != KindUnknown {
		t.Errorf("unknown name must map to KindUnknown")
	}
}
