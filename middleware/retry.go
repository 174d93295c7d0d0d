package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// Retry re-sends a call that failed with a TransportError or a TimeoutError, up to maxRetries
// more times with exponential backoff starting at baseDelay. Failures carried inside a Result
// come from the provider and are never retried.
//
// The same Call (and request id) is sent on every attempt, so only use Retry for idempotent methods.
func Retry(maxRetries int, baseDelay time.Duration, logger *logrus.Entry) Interceptor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, call *message.Call) (*message.Result, error) {
			result, err := next(ctx, call)
			for i := 0; i < maxRetries && retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i) // Exponential backoff
				logger.WithFields(logrus.Fields{
					"requestId": call.RequestID,
					"method":    call.ServiceMethod(),
					"attempt":   i + 1,
				}).Infof("Retrying in %s: %v", delay, err)

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, err
				}
				result, err = next(ctx, call)
			}
			return result, err
		}
	}
}

func retryable(err error) bool {
	switch rpcerr.KindOf(err) {
	case rpcerr.KindTransport, rpcerr.KindTimeout:
		return true
	}
	return false
}
