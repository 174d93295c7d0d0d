package transport

import (
	"context"
	"net"
	"time"

	"tiny-rpc/protocol"
	"tiny-rpc/rpcerr"
)

// Dialer performs one request/response exchange per connection.
type Dialer struct {
	// Timeout bounds connection establishment when ctx carries no earlier deadline.
	Timeout time.Duration
}

// RoundTrip dials addr, sends one request frame and waits for the matching response frame.
//
// The connection is closed on every exit path. ctx's deadline becomes the socket deadline and
// cancelling ctx closes the socket, so a silent peer cannot hold the caller past its bound.
// Timeouts fail with a TimeoutError, other network failures with a TransportError and a reply
// that is not a valid response frame with a DecodingError.
func (d *Dialer) RoundTrip(ctx context.Context, addr string, hdr *protocol.Header, body []byte) (*protocol.Header, []byte, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, classify(ctx, err, "dial", addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, nil, classify(ctx, err, "set deadline for", addr)
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := *hdr
	req.MsgType = protocol.MsgTypeRequest
	if err := protocol.Encode(conn, &req, body); err != nil {
		if protocol.IsFrameError(err) {
			return nil, nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "write request to %s", addr)
		}
		return nil, nil, classify(ctx, err, "write request to", addr)
	}

	rh, rb, err := protocol.Decode(conn)
	if err != nil {
		if protocol.IsFrameError(err) {
			return nil, nil, rpcerr.Wrap(rpcerr.KindDecoding, err, "read reply from %s", addr)
		}
		return nil, nil, classify(ctx, err, "read reply from", addr)
	}
	if rh.MsgType != protocol.MsgTypeResponse || rh.Seq != req.Seq {
		return nil, nil, rpcerr.New(rpcerr.KindDecoding,
			"reply from %s is not the response to seq %d (type %d, seq %d)", addr, req.Seq, rh.MsgType, rh.Seq)
	}
	return rh, rb, nil
}
