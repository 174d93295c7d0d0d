// Package rpcerr defines the error taxonomy shared by the client, the server and the registry.
//
// Every failure surfaced by tiny-rpc is an *Error carrying one Kind. Kinds survive the wire:
// the server turns an error into a message.Failure and the client turns it back into an *Error,
// so errors.Is(err, rpcerr.ErrMethodInvocation) works on both sides.
package rpcerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"tiny-rpc/message"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindEncoding
	KindDecoding
	KindServiceNotFound
	KindMethodInvocation
	KindTransport
	KindTimeout
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindUnknown:          "UnknownError",
	KindEncoding:         "EncodingError",
	KindDecoding:         "DecodingError",
	KindServiceNotFound:  "ServiceNotFoundError",
	KindMethodInvocation: "MethodInvocationError",
	KindTransport:        "TransportError",
	KindTimeout:          "TimeoutError",
	KindConfiguration:    "ConfigurationError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names map to KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k
		}
	}
	return KindUnknown
}

// Error is a categorized failure. Err, when set, is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	default:
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrEncoding         = &Error{Kind: KindEncoding}
	ErrDecoding         = &Error{Kind: KindDecoding}
	ErrServiceNotFound  = &Error{Kind: KindServiceNotFound}
	ErrMethodInvocation = &Error{Kind: KindMethodInvocation}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrConfiguration    = &Error{Kind: KindConfiguration}
)

// New returns an *Error of the given kind with a stack attached.
func New(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// Wrap categorizes cause. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause})
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ToFailure converts err into the wire descriptor carried by message.Result.
// Errors outside the taxonomy are reported as method invocation failures.
func ToFailure(err error) *message.Failure {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		msg := e.Msg
		if e.Err != nil {
			if msg == "" {
				msg = e.Err.Error()
			} else {
				msg += ": " + e.Err.Error()
			}
		}
		return &message.Failure{Kind: e.Kind.String(), Message: msg}
	}
	return &message.Failure{Kind: KindMethodInvocation.String(), Message: err.Error()}
}

// FromFailure rebuilds a local error from a wire failure.
func FromFailure(f *message.Failure) error {
	if f == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: ParseKind(f.Kind), Msg: f.Message})
}
