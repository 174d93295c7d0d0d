// Package middleware holds the two interception chains of tiny-rpc.
//
// Server side, a Middleware wraps the handler that turns a decoded Call into a Result:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Client side, an Interceptor wraps the function that sends a Call over the network, which is
// where caller policies such as retry live.
package middleware

import (
	"context"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// HandlerFunc answers one call. It never returns nil: failures travel inside the Result.
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// InvokeFunc sends one call and returns the provider's result. A non-nil error means no result
// was obtained (transport, timeout, framing or decoding failure).
type InvokeFunc func(ctx context.Context, call *message.Call) (*message.Result, error)

type Interceptor func(next InvokeFunc) InvokeFunc

// ChainInterceptors composes interceptors into one; the first one is the outermost.
func ChainInterceptors(interceptors ...Interceptor) Interceptor {
	return func(next InvokeFunc) InvokeFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

func fail(call *message.Call, kind rpcerr.Kind, format string, args ...any) *message.Result {
	return message.Fail(call.RequestID, rpcerr.ToFailure(rpcerr.New(kind, format, args...)))
}
