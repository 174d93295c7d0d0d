package middleware

import (
	"context"
	"time"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// Timeout bounds the time spent in the rest of the chain. When it expires the caller gets a
// TimeoutError result; the handler goroutine sees its context cancelled and its late result is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return fail(call, rpcerr.KindTimeout, "%s not handled within %s", call.ServiceMethod(), timeout)
			}
		}
	}
}
