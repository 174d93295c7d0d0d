// Package message defines the records exchanged between client, server and registry.
//
// Call and Result are the envelopes of one RPC invocation. They get serialized by the codec
// layer and wrapped in a protocol frame for transmission over TCP. Arguments and return values
// are encoded one by one with the same codec, so the receiving side can decode each of them
// straight into its concrete Go type.
package message

import (
	"github.com/google/uuid"
)

// Call carries one RPC invocation from client to server.
type Call struct {
	RequestID     string   `json:"requestId"`
	InterfaceName string   `json:"interfaceName"` // e.g. "UserService"
	MethodName    string   `json:"methodName"`    // e.g. "GetUserName"
	ArgumentTypes []string `json:"argumentTypes"` // disambiguates overloads, e.g. ["int32"]
	Arguments     [][]byte `json:"arguments"`     // each argument encoded separately
}

// NewCall builds a Call with a fresh request id.
func NewCall(interfaceName, methodName string, argumentTypes []string, arguments [][]byte) *Call {
	return &Call{
		RequestID:     uuid.NewString(),
		InterfaceName: interfaceName,
		MethodName:    methodName,
		ArgumentTypes: argumentTypes,
		Arguments:     arguments,
	}
}

// ServiceMethod returns "Interface.Method", used in logs.
func (c *Call) ServiceMethod() string {
	return c.InterfaceName + "." + c.MethodName
}

// Failure describes why a call failed. Kind is one of the rpcerr kind names.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result answers a Call. RequestID always equals the originating Call.RequestID, and exactly
// one of Value or Failure is set.
type Result struct {
	RequestID string   `json:"requestId"`
	Value     []byte   `json:"value,omitempty"`
	Failure   *Failure `json:"failure,omitempty"`
}

// Success builds a Result carrying an encoded return value.
func Success(requestID string, value []byte) *Result {
	return &Result{RequestID: requestID, Value: value}
}

// Fail builds a Result carrying a failure.
func Fail(requestID string, f *Failure) *Result {
	return &Result{RequestID: requestID, Failure: f}
}

// Failed reports whether the result carries a failure.
func (r *Result) Failed() bool {
	return r.Failure != nil
}
