package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// RateLimit admits calls through a token bucket of r calls per second with the given burst.
// Rejected calls fail with a MethodInvocationError without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			if !limiter.Allow() {
				return fail(call, rpcerr.KindMethodInvocation, "rate limit exceeded for %s", call.ServiceMethod())
			}
			return next(ctx, call)
		}
	}
}
