// Package transport moves one framed payload to a peer and brings one framed reply back.
//
// Every exchange uses its own TCP connection:
//
//	client: dial → write request frame → read response frame → close
//	server: accept → read request frame → handler → write response frame → close
//
// There is no pooling and no multiplexing, so a connection's state is discarded as soon as its
// single exchange completes, and a timed-out call only ever tears down its own socket.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tiny-rpc/rpcerr"
)

func defaultLogger(l *logrus.Entry) *logrus.Entry {
	if l == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l
}

// classify maps a failed network operation onto the error taxonomy.
func classify(ctx context.Context, err error, op, addr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rpcerr.Wrap(rpcerr.KindTimeout, ctx.Err(), "%s %s", op, addr)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return rpcerr.Wrap(rpcerr.KindTimeout, err, "%s %s", op, addr)
	}
	if ctx.Err() != nil {
		return rpcerr.Wrap(rpcerr.KindTransport, ctx.Err(), "%s %s", op, addr)
	}
	return rpcerr.Wrap(rpcerr.KindTransport, err, "%s %s", op, addr)
}
