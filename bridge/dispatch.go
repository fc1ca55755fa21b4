package bridge

import (
	"fmt"
	"log"
	"strings"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
)

const (
	ifaceIntrospect = "org.freedesktop.DBus.Introspectable"
	ifaceProps      = "org.freedesktop.DBus.Properties"
)

// Status is the outcome of dispatching a call.
type Status uint8

const (
	// NoMatch means no registered member handles the call.
	NoMatch Status = iota
	// Invoked means a member handled the call.
	Invoked
	// Failed means a member matched the call, but failed to run or
	// its result could not be encoded.
	Failed
)

func (s Status) String() string {
	switch s {
	case NoMatch:
		return "no match"
	case Invoked:
		return "invoked"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Result is the result of dispatching a call.
type Result struct {
	Status Status
	// Reply is the body of the reply to send, if Status is Invoked.
	Reply []dbus.Value
	// Err is the reason for failure, if Status is Failed.
	Err error
}

// A Dispatcher routes incoming method calls to the members of a
// Registry.
type Dispatcher struct {
	Registry *Registry
	// Emit, if set, sends a signal on the bus. It is called after a
	// dispatched call invokes a signal.
	Emit func(member string, args []dbus.Value) error
	// Logf, if set, logs dispatch misses and callback failures. The
	// default is log.Printf.
	Logf func(msg string, args ...any)
}

func (d *Dispatcher) logf(msg string, args ...any) {
	if d.Logf != nil {
		d.Logf(msg, args...)
	} else {
		log.Printf(msg, args...)
	}
}

// Dispatch handles a call to member of iface with the given
// arguments.
//
// Calls to org.freedesktop.DBus.Introspectable are never handled,
// and calls to org.freedesktop.DBus.Properties are served from the
// Registry's properties. Other calls are matched against the
// Registry's methods by name and argument kinds. The first method
// whose parameter kinds accept the arguments is invoked.
func (d *Dispatcher) Dispatch(iface, member string, args []dbus.Value) Result {
	switch iface {
	case ifaceIntrospect:
		return Result{Status: NoMatch}
	case ifaceProps:
		return d.dispatchProps(member, args)
	}

	name := Mangle(member)
	dargs := dynamic.DecodeAll(args)
	reg := d.registry()
	for i := range reg.Methods {
		m := &reg.Methods[i]
		if m.Name != name || !paramsAccept(m.Params, dargs) {
			continue
		}
		return d.invoke(m, member, args, dargs)
	}

	d.logf("No method with the signature %s", callSignature(member, args))
	return Result{Status: NoMatch}
}

func (d *Dispatcher) registry() *Registry {
	if d.Registry == nil {
		return &Registry{}
	}
	return d.Registry
}

// paramsAccept reports whether args have the number and kinds of
// values that params declare. Object paths and signatures decode to
// strings, and so are accepted by String parameters.
func paramsAccept(params []ParamKind, args dynamic.List) bool {
	if len(params) != len(args) {
		return false
	}
	for i, p := range params {
		if !p.Accepts(args[i]) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) invoke(m *Method, member string, raw []dbus.Value, args dynamic.List) Result {
	var (
		ret dynamic.Value = dynamic.Undefined{}
		err error
	)
	if m.Invoke != nil {
		ret, err = protect(func() (dynamic.Value, error) { return m.Invoke(args) })
	}
	if err != nil {
		d.logf("calling %s: %v", m.Name, err)
		return Result{Status: Failed, Err: err}
	}

	if m.Signal {
		if d.Emit != nil {
			if err := d.Emit(member, raw); err != nil {
				d.logf("emitting signal %s: %v", member, err)
				return Result{Status: Failed, Err: err}
			}
		}
		return Result{Status: Invoked}
	}

	if isNothing(ret) {
		return Result{Status: Invoked}
	}
	v, err := dynamic.Encode(ret, m.ReturnHint)
	if err != nil {
		d.logf("encoding return value of %s: %v", m.Name, err)
		return Result{Status: Failed, Err: err}
	}
	return Result{Status: Invoked, Reply: []dbus.Value{v}}
}

// callSignature returns member followed by the type names of args in
// parentheses, such as "Frob(string,int32)".
func callSignature(member string, args []dbus.Value) string {
	var b strings.Builder
	b.WriteString(member)
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		if a == nil {
			b.WriteString("invalid")
			continue
		}
		b.WriteString(a.Type().TypeName())
	}
	b.WriteByte(')')
	return b.String()
}

func isNothing(v dynamic.Value) bool {
	return dynamic.IsUndefined(v) || v.Kind() == dynamic.KindNull
}

// protect calls fn, and returns panics as errors.
func protect(fn func() (dynamic.Value, error)) (ret dynamic.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			ret, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
