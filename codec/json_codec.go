package codec

import (
	"bytes"
	"encoding/json"

	"tiny-rpc/rpcerr"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
//
// Unknown fields are rejected on decode, which is what tells a Result apart from a Call.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if err := checkEncode("json", v); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindEncoding, err, "json: encode %T", v)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, target any) error {
	if err := checkDecode("json", data, target); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return rpcerr.Wrap(rpcerr.KindDecoding, err, "json: decode %T", target)
	}
	if dec.More() {
		return rpcerr.New(rpcerr.KindDecoding, "json: trailing data after %T", target)
	}
	return nil
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
