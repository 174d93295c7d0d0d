// Package protocol implements the binary frame protocol for tiny-rpc.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ trp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// The same frame carries RPC calls and registry commands. The codec byte tells the
// receiver how the body was serialized.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"tiny-rpc/codec"
)

// Magic number bytes: "trp" (tiny-rpc protocol).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x74 // 't'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can force with a forged length.
	MaxBodyLen uint32 = codec.MaxDecodedLen
)

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → Server
	MsgTypeResponse MsgType = 1 // Server → Client
)

// ErrBadFrame is the cause of every malformed-frame error returned by Decode.
var ErrBadFrame = errors.New("bad frame")

// IsFrameError reports whether err means the peer sent something that is not a valid frame,
// as opposed to an I/O failure.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrBadFrame)
}

func badFrame(format string, args ...any) error {
	return errors.Wrapf(ErrBadFrame, format, args...)
}

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType codec.Type // Serialization format of the body
	MsgType   MsgType
	Seq       uint32 // Echoed back in the response frame
	BodyLen   uint32 // Filled in by Encode
}

// Encode writes a complete frame (header + body) to w in a single Write.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return badFrame("body of %d bytes exceeds the %d byte limit", len(body), MaxBodyLen)
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType)
	buf[5] = byte(h.MsgType)
	// Sequence number and body length: 4 bytes each, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, message type and body length; the codec byte is
// left to the receiver, which knows which codecs it accepts.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, badFrame("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, badFrame("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse {
		return nil, nil, badFrame("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, badFrame("body length %d exceeds the %d byte limit", bodyLen, MaxBodyLen)
	}

	// Read exactly bodyLen bytes: this is how we solve TCP sticky packet
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: codec.Type(headerBuf[4]),
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
