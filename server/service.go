package server

import (
	"context"
	"reflect"
	"strings"

	"tiny-rpc/rpcerr"
)

// MethodHandler invokes one method of srv. dec decodes argument i into v; the handler returns the
// method's single result value, which must be non-nil.
type MethodHandler func(srv any, ctx context.Context, dec func(i int, v any) error) (any, error)

// MethodDesc describes one callable method. ArgTypes is the signature a Call must carry in
// Call.ArgumentTypes, so two methods may share a name as long as their signatures differ.
type MethodDesc struct {
	Name     string
	ArgTypes []string
	Handler  MethodHandler
}

// ServiceDesc is the dispatch table of one service interface. HandlerType is a nil pointer to
// the interface, e.g. (*userservice.UserService)(nil), and the registered implementation must
// satisfy it.
type ServiceDesc struct {
	Name        string
	HandlerType any
	Methods     []MethodDesc
}

type service struct {
	name    string
	impl    any
	methods map[string]*MethodDesc // keyed by methodKey
}

// methodKey renders a signature as "Name(type1,type2)".
func methodKey(name string, argTypes []string) string {
	return name + "(" + strings.Join(argTypes, ",") + ")"
}

func newService(desc *ServiceDesc, impl any) (*service, error) {
	if desc == nil || desc.Name == "" {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "rpc: service description without a name")
	}
	if impl == nil {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "rpc: nil implementation for %s", desc.Name)
	}
	if desc.HandlerType != nil {
		ht := reflect.TypeOf(desc.HandlerType).Elem()
		if st := reflect.TypeOf(impl); !st.Implements(ht) {
			return nil, rpcerr.New(rpcerr.KindConfiguration, "rpc: %v does not implement %v", st, ht)
		}
	}

	svc := &service{
		name:    desc.Name,
		impl:    impl,
		methods: make(map[string]*MethodDesc, len(desc.Methods)),
	}
	for i := range desc.Methods {
		md := &desc.Methods[i]
		if md.Handler == nil {
			return nil, rpcerr.New(rpcerr.KindConfiguration, "rpc: %s.%s has no handler", desc.Name, md.Name)
		}
		key := methodKey(md.Name, md.ArgTypes)
		if _, dup := svc.methods[key]; dup {
			return nil, rpcerr.New(rpcerr.KindConfiguration, "rpc: %s.%s registered twice", desc.Name, key)
		}
		svc.methods[key] = md
	}
	return svc, nil
}
