package codec

import (
	"bytes"
	"encoding/gob"
	"reflect"

	"tiny-rpc/rpcerr"
)

// GobCodec is the native codec. Every payload starts with the Go type name of the value so
// that decoding into a different type is reported instead of silently matching fields.
// A GobCodec holds no state between calls and is safe for concurrent use.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	if err := checkEncode("gob", v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(typeName(reflect.TypeOf(v))); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "gob: encode type of %T", v)
	}
	if err := enc.Encode(v); err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "gob: encode %T", v)
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, target any) error {
	if err := checkDecode("gob", data, target); err != nil {
		return err
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var name string
	if err := dec.Decode(&name); err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "gob: read type")
	}
	if want := typeName(reflect.TypeOf(target)); name != want {
		return rpcerr.New(rpcerr.KindDecoding, "gob: payload holds %s, want %s", name, want)
	}
	if err := dec.Decode(target); err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "gob: decode %T", target)
	}
	return nil
}

func (c *GobCodec) Type() Type {
	return TypeNative
}
