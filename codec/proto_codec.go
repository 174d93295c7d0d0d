package codec

import (
	"bytes"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

// ProtoCodec is the compact-binary codec. Envelopes are laid out by hand in protobuf wire
// format, scalar values travel as well-known wrapper messages and any proto.Message is
// marshaled as is. Other Go types are not representable.
//
// Every payload starts with field 1, the envelope kind, so a payload decoded into the wrong
// type is rejected. ProtoCodec holds no state and is safe for concurrent use.
type ProtoCodec struct{}

// Envelope kinds, field 1 of every payload.
const (
	pbKindCall     = 1
	pbKindResult   = 2
	pbKindRegReq   = 3
	pbKindRegReply = 4
	pbKindScalar   = 5
	pbKindMessage  = 6
)

func (c *ProtoCodec) Type() Type {
	return TypeCompactBinary
}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	if err := checkEncode("proto", v); err != nil {
		return nil, err
	}
	if m, ok := v.(proto.Message); ok {
		body, err := proto.Marshal(m)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "proto: marshal %T", v)
		}
		return appendTyped(pbKindMessage, string(m.ProtoReflect().Descriptor().FullName()), body), nil
	}

	switch x := reflect.Indirect(reflect.ValueOf(v)).Interface().(type) {
	case message.Call:
		return appendCall(nil, &x), nil
	case message.Result:
		return appendResult(nil, &x), nil
	case message.RegistryRequest:
		return appendRegistryRequest(nil, &x), nil
	case message.RegistryReply:
		return appendRegistryReply(nil, &x), nil
	default:
		w, name, ok := toWrapper(x)
		if !ok {
			return nil, rpcerr.New(rpcerr.KindEncoding, "proto: %T is not representable", v)
		}
		body, err := proto.Marshal(w)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "proto: marshal %T", v)
		}
		return appendTyped(pbKindScalar, name, body), nil
	}
}

func (c *ProtoCodec) Decode(data []byte, target any) error {
	if err := checkDecode("proto", data, target); err != nil {
		return err
	}
	var err error
	switch t := target.(type) {
	case proto.Message:
		err = decodeMessage(data, t)
	case *message.Call:
		err = decodeCall(data, t)
	case *message.Result:
		err = decodeResult(data, t)
	case *message.RegistryRequest:
		err = decodeRegistryRequest(data, t)
	case *message.RegistryReply:
		err = decodeRegistryReply(data, t)
	default:
		err = decodeScalar(data, target)
	}
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "proto: decode %T", target)
	}
	return nil
}

// toWrapper maps a Go scalar onto its wrapper message.
func toWrapper(v any) (proto.Message, string, bool) {
	switch x := v.(type) {
	case string:
		return wrapperspb.String(x), "string", true
	case bool:
		return wrapperspb.Bool(x), "bool", true
	case int:
		return wrapperspb.Int64(int64(x)), "int", true
	case int32:
		return wrapperspb.Int32(x), "int32", true
	case int64:
		return wrapperspb.Int64(x), "int64", true
	case uint32:
		return wrapperspb.UInt32(x), "uint32", true
	case uint64:
		return wrapperspb.UInt64(x), "uint64", true
	case float32:
		return wrapperspb.Float(x), "float32", true
	case float64:
		return wrapperspb.Double(x), "float64", true
	case []byte:
		return wrapperspb.Bytes(x), "bytes", true
	}
	return nil, "", false
}

func decodeScalar(data []byte, target any) error {
	name, body, err := consumeTyped(data, pbKindScalar)
	if err != nil {
		return err
	}
	mismatch := func(want string) error {
		if name != want {
			return errors.Errorf("payload holds %s, want %s", name, want)
		}
		return nil
	}
	switch t := target.(type) {
	case *string:
		w := &wrapperspb.StringValue{}
		if err := unwrap(mismatch("string"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *bool:
		w := &wrapperspb.BoolValue{}
		if err := unwrap(mismatch("bool"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *int:
		w := &wrapperspb.Int64Value{}
		if err := unwrap(mismatch("int"), body, w); err != nil {
			return err
		}
		*t = int(w.GetValue())
	case *int32:
		w := &wrapperspb.Int32Value{}
		if err := unwrap(mismatch("int32"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *int64:
		w := &wrapperspb.Int64Value{}
		if err := unwrap(mismatch("int64"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *uint32:
		w := &wrapperspb.UInt32Value{}
		if err := unwrap(mismatch("uint32"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *uint64:
		w := &wrapperspb.UInt64Value{}
		if err := unwrap(mismatch("uint64"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *float32:
		w := &wrapperspb.FloatValue{}
		if err := unwrap(mismatch("float32"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *float64:
		w := &wrapperspb.DoubleValue{}
		if err := unwrap(mismatch("float64"), body, w); err != nil {
			return err
		}
		*t = w.GetValue()
	case *[]byte:
		w := &wrapperspb.BytesValue{}
		if err := unwrap(mismatch("bytes"), body, w); err != nil {
			return err
		}
		*t = bytes.Clone(w.GetValue())
	default:
		return errors.Errorf("%T is not representable", target)
	}
	return nil
}

func unwrap(mismatch error, body []byte, w proto.Message) error {
	if mismatch != nil {
		return mismatch
	}
	return proto.Unmarshal(body, w)
}

func decodeMessage(data []byte, m proto.Message) error {
	name, body, err := consumeTyped(data, pbKindMessage)
	if err != nil {
		return err
	}
	if want := string(m.ProtoReflect().Descriptor().FullName()); name != want {
		return errors.Errorf("payload holds %s, want %s", name, want)
	}
	return proto.Unmarshal(body, m)
}

// appendTyped lays out {1: kind, 2: type name, 3: body}.
func appendTyped(kind uint64, name string, body []byte) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, kind)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func consumeTyped(data []byte, wantKind uint64) (string, []byte, error) {
	var (
		kind uint64
		name string
		body []byte
	)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varint(typ, b, &kind)
		case 2:
			return str(typ, b, &name)
		case 3:
			return blob(typ, b, &body)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return "", nil, err
	}
	if kind != wantKind {
		return "", nil, errors.Errorf("envelope kind %d, want %d", kind, wantKind)
	}
	return name, body, nil
}

func appendKind(b []byte, kind uint64) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, kind)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendCall(b []byte, c *message.Call) []byte {
	b = appendKind(b, pbKindCall)
	b = appendString(b, 2, c.RequestID)
	b = appendString(b, 3, c.InterfaceName)
	b = appendString(b, 4, c.MethodName)
	for _, t := range c.ArgumentTypes {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	for _, a := range c.Arguments {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b
}

func decodeCall(data []byte, c *message.Call) error {
	var kind uint64
	*c = message.Call{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varint(typ, b, &kind)
		case 2:
			return str(typ, b, &c.RequestID)
		case 3:
			return str(typ, b, &c.InterfaceName)
		case 4:
			return str(typ, b, &c.MethodName)
		case 5:
			var s string
			n := str(typ, b, &s)
			c.ArgumentTypes = append(c.ArgumentTypes, s)
			return n
		case 6:
			var a []byte
			n := blob(typ, b, &a)
			c.Arguments = append(c.Arguments, a)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return expectKind(kind, pbKindCall)
}

func appendResult(b []byte, r *message.Result) []byte {
	b = appendKind(b, pbKindResult)
	b = appendString(b, 2, r.RequestID)
	if r.Value != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	if r.Failure != nil {
		var f []byte
		f = appendString(f, 1, r.Failure.Kind)
		f = appendString(f, 2, r.Failure.Message)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b
}

func decodeResult(data []byte, r *message.Result) error {
	var kind uint64
	*r = message.Result{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varint(typ, b, &kind)
		case 2:
			return str(typ, b, &r.RequestID)
		case 3:
			return blob(typ, b, &r.Value)
		case 4:
			var raw []byte
			n := blob(typ, b, &raw)
			if n < 0 {
				return n
			}
			r.Failure = &message.Failure{}
			if err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch num {
				case 1:
					return str(typ, b, &r.Failure.Kind)
				case 2:
					return str(typ, b, &r.Failure.Message)
				}
				return protowire.ConsumeFieldValue(num, typ, b)
			}); err != nil {
				return -1
			}
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	return expectKind(kind, pbKindResult)
}

func appendRegistryRequest(b []byte, r *message.RegistryRequest) []byte {
	b = appendKind(b, pbKindRegReq)
	b = appendString(b, 2, r.Command)
	b = appendString(b, 3, r.ServiceName)
	b = appendString(b, 4, r.Host)
	b = appendVarint(b, 5, uint64(r.Port))
	b = appendString(b, 6, r.InstanceID)
	return b
}

func decodeRegistryRequest(data []byte, r *message.RegistryRequest) error {
	var kind, port uint64
	*r = message.RegistryRequest{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varint(typ, b, &kind)
		case 2:
			return str(typ, b, &r.Command)
		case 3:
			return str(typ, b, &r.ServiceName)
		case 4:
			return str(typ, b, &r.Host)
		case 5:
			return varint(typ, b, &port)
		case 6:
			return str(typ, b, &r.InstanceID)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	r.Port = int(port)
	return expectKind(kind, pbKindRegReq)
}

func appendRegistryReply(b []byte, r *message.RegistryReply) []byte {
	b = appendKind(b, pbKindRegReply)
	if r.Ack {
		b = appendVarint(b, 2, 1)
	}
	for i := range r.Instances {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendInstance(nil, &r.Instances[i]))
	}
	b = appendString(b, 4, r.Error)
	return b
}

func decodeRegistryReply(data []byte, r *message.RegistryReply) error {
	var kind, ack uint64
	*r = message.RegistryReply{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return varint(typ, b, &kind)
		case 2:
			return varint(typ, b, &ack)
		case 3:
			var raw []byte
			n := blob(typ, b, &raw)
			if n < 0 {
				return n
			}
			var inst message.ServiceInstance
			if err := decodeInstance(raw, &inst); err != nil {
				return -1
			}
			r.Instances = append(r.Instances, inst)
			return n
		case 4:
			return str(typ, b, &r.Error)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	r.Ack = ack != 0
	return expectKind(kind, pbKindRegReply)
}

func appendInstance(b []byte, s *message.ServiceInstance) []byte {
	b = appendString(b, 1, s.ServiceName)
	b = appendString(b, 2, s.Host)
	b = appendVarint(b, 3, uint64(s.Port))
	b = appendString(b, 4, s.InstanceID)
	if !s.LastHeartbeatAt.IsZero() {
		b = appendVarint(b, 5, protowire.EncodeZigZag(s.LastHeartbeatAt.UnixNano()))
	}
	return b
}

func decodeInstance(data []byte, s *message.ServiceInstance) error {
	var port, beat uint64
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return str(typ, b, &s.ServiceName)
		case 2:
			return str(typ, b, &s.Host)
		case 3:
			return varint(typ, b, &port)
		case 4:
			return str(typ, b, &s.InstanceID)
		case 5:
			return varint(typ, b, &beat)
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return err
	}
	s.Port = int(port)
	if beat != 0 {
		s.LastHeartbeatAt = time.Unix(0, protowire.DecodeZigZag(beat))
	}
	return nil
}

// walk visits every field of a protobuf message. fn consumes the field value and returns the
// number of bytes read, or a negative value on error.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m := fn(num, typ, data)
		if m < 0 {
			return errors.Errorf("malformed field %d: %v", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func varint(typ protowire.Type, b []byte, out *uint64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*out = v
	}
	return n
}

func str(typ protowire.Type, b []byte, out *string) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*out = v
	}
	return n
}

func blob(typ protowire.Type, b []byte, out *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*out = bytes.Clone(v)
	}
	return n
}

func expectKind(got, want uint64) error {
	if got != want {
		return errors.Errorf("envelope kind %d, want %d", got, want)
	}
	return nil
}
