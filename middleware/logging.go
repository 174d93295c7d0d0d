package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tiny-rpc/message"
)

// Logging logs every call with its duration, and the failure kind when it failed.
func Logging(logger *logrus.Entry) Middleware {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			start := time.Now()
			result := next(ctx, call)
			entry := logger.WithFields(logrus.Fields{
				"requestId": call.RequestID,
				"method":    call.ServiceMethod(),
				"duration":  time.Since(start),
			})
			if result.Failed() {
				entry.WithField("kind", result.Failure.Kind).Warnf("call failed: %s", result.Failure.Message)
			} else {
				entry.Debug("call served")
			}
			return result
		}
	}
}
