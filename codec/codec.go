// Package codec converts call envelopes, registry commands and individual argument/return values
// to and from byte payloads.
//
// Four codecs satisfy the same contract and are selected by a string tag:
//
//	native          encoding/gob, Go's own object format
//	json            encoding/json, human-readable, cross-language
//	compact-binary  protobuf wire format
//	fast-binary     hand-laid big-endian fields plus snappy, no reflection on the hot path
//
// A deployment picks one codec at construction time; client and server must agree on it.
// Codecs are created through a Factory so each concurrent worker owns its own instance:
// the fast-binary codec keeps scratch buffers and must never be shared between goroutines.
package codec

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"tiny-rpc/rpcerr"
)

// Type is the one-byte codec identifier carried in every protocol frame.
type Type byte

const (
	TypeNative        Type = 0
	TypeJSON          Type = 1
	TypeCompactBinary Type = 2
	TypeFastBinary    Type = 3
)

// Codec tags accepted by Registry.Lookup.
const (
	NameNative        = "native"
	NameJSON          = "json"
	NameCompactBinary = "compact-binary"
	NameFastBinary    = "fast-binary"
)

// Codec encodes a value into bytes and decodes bytes into a value of a target type.
//
// Encode fails with an EncodingError when v is nil or cannot be represented.
// Decode fails with a DecodingError when data is empty, target is not a non-nil pointer,
// or the payload does not hold a value of target's type.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, target any) error
	Type() Type
}

// Factory creates a fresh codec instance.
type Factory func() Codec

type entry struct {
	name    string
	typ     Type
	factory Factory
}

// Registry resolves codec factories by tag or by wire type. It is an ordinary value passed to
// client and server constructors; there is no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]entry
	byType map[Type]entry
}

// NewRegistry returns a registry preloaded with the four built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]entry),
		byType: make(map[Type]entry),
	}
	r.mustRegister(NameNative, TypeNative, func() Codec { return &GobCodec{} })
	r.mustRegister(NameJSON, TypeJSON, func() Codec { return &JSONCodec{} })
	r.mustRegister(NameCompactBinary, TypeCompactBinary, func() Codec { return &ProtoCodec{} })
	r.mustRegister(NameFastBinary, TypeFastBinary, func() Codec { return NewBinaryCodec() })
	return r
}

func (r *Registry) mustRegister(name string, typ Type, f Factory) {
	if err := r.Register(name, typ, f); err != nil {
		panic(err)
	}
}

// Register adds a codec. Tags are case-insensitive; both tag and type must be unused.
func (r *Registry) Register(name string, typ Type, f Factory) error {
	if name == "" || f == nil {
		return rpcerr.New(rpcerr.KindConfiguration, "codec: empty name or nil factory")
	}
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[key]; ok {
		return rpcerr.New(rpcerr.KindConfiguration, "codec: %q already registered", name)
	}
	if _, ok := r.byType[typ]; ok {
		return rpcerr.New(rpcerr.KindConfiguration, "codec: type %d already registered", typ)
	}
	e := entry{name: key, typ: typ, factory: f}
	r.byName[key] = e
	r.byType[typ] = e
	return nil
}

// Lookup returns the factory registered under name. An unknown tag is a ConfigurationError.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "unknown codec %q (known: %s)",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return e.factory, nil
}

// LookupType returns the factory for a wire type.
func (r *Registry) LookupType(typ Type) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[typ]
	if !ok {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "unknown codec type %d", typ)
	}
	return e.factory, nil
}

// Names lists the registered tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// isNil reports whether v is absent: a nil interface or a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func checkEncode(name string, v any) error {
	if isNil(v) {
		return rpcerr.New(rpcerr.KindEncoding, "%s: cannot encode nil value", name)
	}
	return nil
}

func checkDecode(name string, data []byte, target any) error {
	if len(data) == 0 {
		return rpcerr.New(rpcerr.KindDecoding, "%s: empty payload", name)
	}
	rv := reflect.ValueOf(target)
	if target == nil || rv.Kind() != reflect.Ptr || rv.IsNil() {
		return rpcerr.New(rpcerr.KindDecoding, "%s: target must be a non-nil pointer, got %T", name, target)
	}
	return nil
}

// typeName identifies the dereferenced type of v, e.g. "tiny-rpc/message.Call" or "int32".
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
