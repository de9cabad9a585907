package stub

import (
	"reflect"

	"mini-rmi/remote"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Bind fills a caller-supplied struct of func fields with call-forwarding
// closures, producing a typed, local-looking proxy for the remote interface.
// Each exported func field must have the name and exact signature of a
// method on the stub's remote interface:
//
//	type CalculatorProxy struct {
//		Add    func(a, b int) (int, error)
//		Divide func(a, b int) (int, error)
//	}
//
//	var calc CalculatorProxy
//	if err := st.Bind(&calc); err != nil { ... }
//	sum, err := calc.Add(2, 3)
//
// Non-func fields are left untouched. Fails with a configuration error if a
// func field has no matching method or a mismatched signature.
func (s *Stub) Bind(proxy any) error {
	v := reflect.ValueOf(proxy)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return remote.Configf("Bind wants a non-nil pointer to a struct, got %T", proxy)
	}
	sv := v.Elem()
	st := sv.Type()

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if field.Type.Kind() != reflect.Func || !field.IsExported() {
			continue
		}
		m, ok := s.iface.Method(field.Name)
		if !ok {
			return remote.Configf("no method %s on %s for field %s.%s", field.Name, s.iface.Name, st, field.Name)
		}
		if err := matchSignature(m, field.Type); err != nil {
			return err
		}

		method := m // capture per iteration
		sv.Field(i).Set(reflect.MakeFunc(field.Type, func(in []reflect.Value) []reflect.Value {
			return s.forward(method, in)
		}))
	}
	return nil
}

// forward adapts one proxy invocation onto Call, shaping the results back
// into the func field's return values.
func (s *Stub) forward(m *remote.Method, in []reflect.Value) []reflect.Value {
	args := make([]any, len(in))
	for i, v := range in {
		args[i] = v.Interface()
	}

	if m.ReturnType == nil {
		err := s.Call(m.Name, nil, args...)
		return []reflect.Value{errValue(err)}
	}

	retPtr := reflect.New(m.ReturnType)
	err := s.Call(m.Name, retPtr.Interface(), args...)
	return []reflect.Value{retPtr.Elem(), errValue(err)}
}

func errValue(err error) reflect.Value {
	v := reflect.New(errorType).Elem()
	if err != nil {
		v.Set(reflect.ValueOf(err))
	}
	return v
}

func matchSignature(m *remote.Method, ft reflect.Type) error {
	if ft.NumIn() != len(m.ParamTypes) {
		return remote.Configf("field %s takes %d arguments, method takes %d", m.Name, ft.NumIn(), len(m.ParamTypes))
	}
	for i, pt := range m.ParamTypes {
		if ft.In(i) != pt {
			return remote.Configf("field %s: argument %d is %s, method wants %s", m.Name, i, ft.In(i), pt)
		}
	}

	wantOut := 1
	if m.ReturnType != nil {
		wantOut = 2
	}
	if ft.NumOut() != wantOut {
		return remote.Configf("field %s returns %d values, method returns %d", m.Name, ft.NumOut(), wantOut)
	}
	if m.ReturnType != nil && ft.Out(0) != m.ReturnType {
		return remote.Configf("field %s: return type is %s, method returns %s", m.Name, ft.Out(0), m.ReturnType)
	}
	if ft.Out(ft.NumOut()-1) != errorType {
		return remote.Configf("field %s: final return type must be error", m.Name)
	}
	return nil
}
