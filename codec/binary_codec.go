package codec

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"math"
	"reflect"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// BinaryCodec is the fast-binary codec: every field is laid out by hand in big-endian order,
// so envelopes and scalars never go through reflection.
//
//	0       1      2
//	┌───────┬──────┬─────────────────────┐
//	│ flags │ kind │ fields ...          │
//	└───────┴──────┴─────────────────────┘
//	         └── snappy-compressed when flagSnappy is set
//
// Short strings (names, ids, hosts) carry a 2-byte length, blobs and long text a 4-byte length.
// Values implementing encoding.BinaryMarshaler are supported as well.
//
// BinaryCodec reuses its scratch buffers across calls and is NOT safe for concurrent use:
// allocate one per worker through the Factory.
type BinaryCodec struct {
	buf  []byte // encode scratch
	zbuf []byte // snappy scratch
	dbuf []byte // decode scratch
}

// NewBinaryCodec returns a codec with warmed-up scratch buffers.
func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{buf: make([]byte, 0, 512)}
}

const (
	flagSnappy byte = 1 << 0

	// Bodies at or below this size are never compressed.
	snappyThreshold = 256

	// MaxDecodedLen caps the size a compressed payload may claim once inflated, matching the
	// frame body limit of the protocol package.
	MaxDecodedLen = 16 << 20
)

// Value kinds.
const (
	binKindCall byte = iota + 1
	binKindResult
	binKindRegReq
	binKindRegReply
	binKindString
	binKindBool
	binKindInt
	binKindInt32
	binKindInt64
	binKindUint32
	binKindUint64
	binKindFloat32
	binKindFloat64
	binKindBytes
	binKindMarshaler
)

func (c *BinaryCodec) Type() Type {
	return TypeFastBinary
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	if err := checkEncode("binary", v); err != nil {
		return nil, err
	}
	w := binWriter{b: c.buf[:0]}
	if m, ok := v.(encoding.BinaryMarshaler); ok {
		raw, err := m.MarshalBinary()
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "binary: marshal %T", v)
		}
		w.u8(binKindMarshaler)
		w.str16(typeName(reflect.TypeOf(v)))
		w.blob32(raw)
	} else if err := c.encodeValue(&w, reflect.Indirect(reflect.ValueOf(v)).Interface()); err != nil {
		return nil, err
	}
	if w.err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindEncoding, w.err, "binary: encode %T", v)
	}
	c.buf = w.b

	body, flags := c.buf, byte(0)
	if len(body) > snappyThreshold {
		c.zbuf = snappy.Encode(c.zbuf[:cap(c.zbuf)], body)
		if len(c.zbuf) < len(body) {
			body, flags = c.zbuf, flagSnappy
		}
	}
	// The scratch buffers are reused by the next call, so the output is a fresh slice.
	out := make([]byte, 1+len(body))
	out[0] = flags
	copy(out[1:], body)
	return out, nil
}

func (c *BinaryCodec) encodeValue(w *binWriter, v any) error {
	switch x := v.(type) {
	case message.Call:
		w.u8(binKindCall)
		w.str16(x.RequestID)
		w.str16(x.InterfaceName)
		w.str16(x.MethodName)
		w.count16(len(x.ArgumentTypes))
		for _, t := range x.ArgumentTypes {
			w.str16(t)
		}
		w.count16(len(x.Arguments))
		for _, a := range x.Arguments {
			w.blob32(a)
		}
	case message.Result:
		w.u8(binKindResult)
		w.str16(x.RequestID)
		w.bool(x.Value != nil)
		if x.Value != nil {
			w.blob32(x.Value)
		}
		w.bool(x.Failure != nil)
		if x.Failure != nil {
			w.str16(x.Failure.Kind)
			w.blob32([]byte(x.Failure.Message))
		}
	case message.RegistryRequest:
		w.u8(binKindRegReq)
		w.str16(x.Command)
		w.str16(x.ServiceName)
		w.str16(x.Host)
		w.u32(uint32(x.Port))
		w.str16(x.InstanceID)
	case message.RegistryReply:
		w.u8(binKindRegReply)
		w.bool(x.Ack)
		w.count16(len(x.Instances))
		for _, inst := range x.Instances {
			w.str16(inst.ServiceName)
			w.str16(inst.Host)
			w.u32(uint32(inst.Port))
			w.str16(inst.InstanceID)
			var nanos int64
			if !inst.LastHeartbeatAt.IsZero() {
				nanos = inst.LastHeartbeatAt.UnixNano()
			}
			w.u64(uint64(nanos))
		}
		w.blob32([]byte(x.Error))
	case string:
		w.u8(binKindString)
		w.blob32([]byte(x))
	case bool:
		w.u8(binKindBool)
		w.bool(x)
	case int:
		w.u8(binKindInt)
		w.u64(uint64(x))
	case int32:
		w.u8(binKindInt32)
		w.u32(uint32(x))
	case int64:
		w.u8(binKindInt64)
		w.u64(uint64(x))
	case uint32:
		w.u8(binKindUint32)
		w.u32(x)
	case uint64:
		w.u8(binKindUint64)
		w.u64(x)
	case float32:
		w.u8(binKindFloat32)
		w.u32(math.Float32bits(x))
	case float64:
		w.u8(binKindFloat64)
		w.u64(math.Float64bits(x))
	case []byte:
		w.u8(binKindBytes)
		w.blob32(x)
	default:
		return rpcerr.New(rpcerr.KindEncoding, "binary: %T is not representable", v)
	}
	return nil
}

func (c *BinaryCodec) Decode(data []byte, target any) error {
	if err := checkDecode("binary", data, target); err != nil {
		return err
	}
	if err := c.decode(data, target); err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "binary: decode %T", target)
	}
	return nil
}

func (c *BinaryCodec) decode(data []byte, target any) error {
	flags, body := data[0], data[1:]
	if flags&flagSnappy != 0 {
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return err
		}
		if n > MaxDecodedLen {
			return errors.Errorf("compressed payload claims %d bytes, limit is %d", n, MaxDecodedLen)
		}
		c.dbuf, err = snappy.Decode(c.dbuf[:cap(c.dbuf)], body)
		if err != nil {
			return err
		}
		body = c.dbuf
	}
	r := binReader{b: body}
	kind := r.u8()

	if u, ok := target.(encoding.BinaryUnmarshaler); ok {
		if kind != binKindMarshaler {
			return errors.Errorf("payload kind %d is not a marshaled value", kind)
		}
		name, raw := r.str16(), r.blob32()
		if r.err != nil {
			return r.err
		}
		if want := typeName(reflect.TypeOf(target)); name != want {
			return errors.Errorf("payload holds %s, want %s", name, want)
		}
		if err := u.UnmarshalBinary(raw); err != nil {
			return err
		}
		return r.done()
	}

	want, ok := binKindOf(target)
	if !ok {
		return errors.Errorf("%T is not representable", target)
	}
	if kind != want {
		return errors.Errorf("payload kind %d, want %d", kind, want)
	}

	switch t := target.(type) {
	case *message.Call:
		*t = message.Call{RequestID: r.str16(), InterfaceName: r.str16(), MethodName: r.str16()}
		if n := r.count16(); n > 0 {
			t.ArgumentTypes = make([]string, n)
			for i := range t.ArgumentTypes {
				t.ArgumentTypes[i] = r.str16()
			}
		}
		if n := r.count16(); n > 0 {
			t.Arguments = make([][]byte, n)
			for i := range t.Arguments {
				t.Arguments[i] = r.blob32()
			}
		}
	case *message.Result:
		*t = message.Result{RequestID: r.str16()}
		if r.bool() {
			t.Value = r.blob32()
		}
		if r.bool() {
			t.Failure = &message.Failure{Kind: r.str16(), Message: string(r.blob32())}
		}
	case *message.RegistryRequest:
		*t = message.RegistryRequest{
			Command:     r.str16(),
			ServiceName: r.str16(),
			Host:        r.str16(),
			Port:        int(r.u32()),
			InstanceID:  r.str16(),
		}
	case *message.RegistryReply:
		*t = message.RegistryReply{Ack: r.bool()}
		if n := r.count16(); n > 0 {
			t.Instances = make([]message.ServiceInstance, n)
			for i := range t.Instances {
				inst := &t.Instances[i]
				inst.ServiceName = r.str16()
				inst.Host = r.str16()
				inst.Port = int(r.u32())
				inst.InstanceID = r.str16()
				if nanos := int64(r.u64()); nanos != 0 {
					inst.LastHeartbeatAt = time.Unix(0, nanos)
				}
			}
		}
		t.Error = string(r.blob32())
	case *string:
		*t = string(r.blob32())
	case *bool:
		*t = r.bool()
	case *int:
		*t = int(r.u64())
	case *int32:
		*t = int32(r.u32())
	case *int64:
		*t = int64(r.u64())
	case *uint32:
		*t = r.u32()
	case *uint64:
		*t = r.u64()
	case *float32:
		*t = math.Float32frombits(r.u32())
	case *float64:
		*t = math.Float64frombits(r.u64())
	case *[]byte:
		*t = r.blob32()
	}
	return r.done()
}

func binKindOf(target any) (byte, bool) {
	switch target.(type) {
	case *message.Call:
		return binKindCall, true
	case *message.Result:
		return binKindResult, true
	case *message.RegistryRequest:
		return binKindRegReq, true
	case *message.RegistryReply:
		return binKindRegReply, true
	case *string:
		return binKindString, true
	case *bool:
		return binKindBool, true
	case *int:
		return binKindInt, true
	case *int32:
		return binKindInt32, true
	case *int64:
		return binKindInt64, true
	case *uint32:
		return binKindUint32, true
	case *uint64:
		return binKindUint64, true
	case *float32:
		return binKindFloat32, true
	case *float64:
		return binKindFloat64, true
	case *[]byte:
		return binKindBytes, true
	}
	return 0, false
}

// binWriter appends big-endian fields and remembers the first error.
type binWriter struct {
	b   []byte
	err error
}

func (w *binWriter) u8(v byte) { w.b = append(w.b, v) }

func (w *binWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *binWriter) u16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *binWriter) u32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *binWriter) u64(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }

func (w *binWriter) count16(n int) {
	if n > math.MaxUint16 {
		w.fail(errors.Errorf("%d elements exceed the 2-byte count", n))
		return
	}
	w.u16(uint16(n))
}

func (w *binWriter) str16(s string) {
	if len(s) > math.MaxUint16 {
		w.fail(errors.Errorf("string of %d bytes exceeds the 2-byte length", len(s)))
		return
	}
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *binWriter) blob32(p []byte) {
	if uint64(len(p)) > math.MaxUint32 {
		w.fail(errors.Errorf("blob of %d bytes exceeds the 4-byte length", len(p)))
		return
	}
	w.u32(uint32(len(p)))
	w.b = append(w.b, p...)
}

func (w *binWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// binReader consumes big-endian fields. After the first short read every accessor returns a
// zero value and err is set.
type binReader struct {
	b   []byte
	off int
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = errors.Errorf("truncated payload: need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *binReader) u8() byte {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *binReader) bool() bool { return r.u8() != 0 }

func (r *binReader) u16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *binReader) u32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *binReader) u64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *binReader) count16() int { return int(r.u16()) }

func (r *binReader) str16() string { return string(r.take(int(r.u16()))) }

// blob32 copies, since the underlying buffer may be a reused scratch buffer.
func (r *binReader) blob32() []byte {
	p := r.take(int(r.u32()))
	if p == nil {
		return nil
	}
	return bytes.Clone(p)
}

func (r *binReader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return errors.Errorf("%d trailing bytes", len(r.b)-r.off)
	}
	return nil
}
