// Package remote validates remote interfaces and builds the capability table
// the skeleton dispatches through and the stub forwards through.
//
// A remote interface is a Go interface every one of whose methods has error
// as its final result — the slot through which the distinguished transport
// failure kind can reach the caller — and at most one result besides it.
// The check runs at skeleton construction and at stub creation, so misuse is
// caught symmetrically on both sides of the wire, never per call.
//
// Interface types are named by typed nil pointers, e.g.:
//
//	iface, err := remote.ForType((*Calculator)(nil))
package remote

import (
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Method describes one method of a remote interface: its name, ordered
// parameter types with their wire descriptors, and the optional non-error
// return type.
type Method struct {
	Name       string
	ParamTypes []reflect.Type
	ParamDescs []string     // reflect.Type.String() per parameter, in order
	ReturnType reflect.Type // nil when the method returns only error
}

// MatchDescriptors reports whether the ordered parameter descriptors from a
// call request agree with this method's signature.
func (m *Method) MatchDescriptors(descs []string) bool {
	if len(descs) != len(m.ParamDescs) {
		return false
	}
	for i, d := range descs {
		if d != m.ParamDescs[i] {
			return false
		}
	}
	return true
}

// ConvertArgs turns caller-supplied argument values into reflect values of
// the method's parameter types. Untyped nil arguments become the parameter
// type's zero value. A mismatched count or an unassignable value is a
// configuration error: the caller is invoking the method wrongly, not
// hitting the network.
func (m *Method) ConvertArgs(args []any) ([]reflect.Value, error) {
	if len(args) != len(m.ParamTypes) {
		return nil, Configf("method %s takes %d arguments, got %d", m.Name, len(m.ParamTypes), len(args))
	}
	vals := make([]reflect.Value, len(args))
	for i, arg := range args {
		pt := m.ParamTypes[i]
		if arg == nil {
			switch pt.Kind() {
			case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
				vals[i] = reflect.Zero(pt)
				continue
			default:
				return nil, Configf("method %s: argument %d is nil for non-nilable type %s", m.Name, i, pt)
			}
		}
		v := reflect.ValueOf(arg)
		if !v.Type().AssignableTo(pt) {
			if !v.Type().ConvertibleTo(pt) {
				return nil, Configf("method %s: argument %d has type %s, want %s", m.Name, i, v.Type(), pt)
			}
			v = v.Convert(pt)
		}
		vals[i] = v
	}
	return vals, nil
}

// Interface is the registered capability table for one remote interface:
// method name → invocable signature. Immutable once built.
type Interface struct {
	Type    reflect.Type
	Name    string
	Methods map[string]*Method
}

// ForType builds the capability table for an interface type, rejecting types
// that do not satisfy the remote-interface contract.
func ForType(ifacePtr any) (*Interface, error) {
	if ifacePtr == nil {
		return nil, Configf("interface type is nil")
	}
	t := reflect.TypeOf(ifacePtr)
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Interface {
		return nil, Configf("%s is not an interface pointer (use a typed nil like (*T)(nil))", t)
	}
	it := t.Elem()

	in := &Interface{
		Type:    it,
		Name:    it.String(),
		Methods: make(map[string]*Method, it.NumMethod()),
	}

	for i := 0; i < it.NumMethod(); i++ {
		m := it.Method(i)
		mt := m.Type

		// The wire format carries a fixed, ordered parameter list; variadic
		// methods have no stable arity for the descriptor check and would
		// need CallSlice dispatch, so the contract excludes them.
		if mt.IsVariadic() {
			return nil, Configf("%s.%s is variadic: %s is not a remote interface", in.Name, m.Name, in.Name)
		}

		// Every method must be able to fail with the transport error kind,
		// which in Go means its final result is error.
		if mt.NumOut() == 0 || mt.Out(mt.NumOut()-1) != errorType {
			return nil, Configf("%s.%s does not return error: %s is not a remote interface", in.Name, m.Name, in.Name)
		}
		if mt.NumOut() > 2 {
			return nil, Configf("%s.%s returns %d values: remote methods return at most one value plus error", in.Name, m.Name, mt.NumOut())
		}

		method := &Method{
			Name:       m.Name,
			ParamTypes: make([]reflect.Type, mt.NumIn()),
			ParamDescs: make([]string, mt.NumIn()),
		}
		for p := 0; p < mt.NumIn(); p++ {
			method.ParamTypes[p] = mt.In(p)
			method.ParamDescs[p] = mt.In(p).String()
		}
		if mt.NumOut() == 2 {
			method.ReturnType = mt.Out(0)
		}
		in.Methods[m.Name] = method
	}

	return in, nil
}

// Method looks up a method by name.
func (in *Interface) Method(name string) (*Method, bool) {
	m, ok := in.Methods[name]
	return m, ok
}

// ImplementedBy reports whether server satisfies the remote interface.
func (in *Interface) ImplementedBy(server any) bool {
	if server == nil {
		return false
	}
	return reflect.TypeOf(server).Implements(in.Type)
}

// Invoke dispatches one call onto a target object through the capability
// table. The first return value is the method's result (invalid when the
// method returns only error), appErr is the application error the target
// raised, and err reports a dispatch failure (target does not expose the
// method) — a transport-level fault, not an application error.
func (in *Interface) Invoke(server any, m *Method, args []reflect.Value) (reflect.Value, error, error) {
	if server == nil {
		return reflect.Value{}, nil, Transportf("dispatch", "no target bound for %s", in.Name)
	}
	fn := reflect.ValueOf(server).MethodByName(m.Name)
	if !fn.IsValid() {
		return reflect.Value{}, nil, Transportf("dispatch", "target does not implement %s.%s", in.Name, m.Name)
	}

	out := fn.Call(args)

	var appErr error
	if last := out[len(out)-1]; !last.IsNil() {
		appErr = last.Interface().(error)
	}
	if m.ReturnType != nil {
		return out[0], appErr, nil
	}
	return reflect.Value{}, appErr, nil
}
