// Package bridge exposes scripted objects on a DBus bus, and lets
// scripts call remote DBus objects.
//
// Scripts talk in [dynamic.Value]s. An [Adaptor] publishes a
// [Registry] of scripted methods, signals and properties as a DBus
// object, and an [Interface] is a script's handle on a remote DBus
// interface.
//
// DBus member names conventionally start with an uppercase letter,
// which scripting languages reserve for other uses. A bus member
// name that starts with an uppercase letter is looked up locally
// with an "rc" prefix, so that a call to Frobnicate is handled by
// the scripted method rcFrobnicate.
package bridge

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/danderson/dyndbus/dynamic"
)

// ParamKind is the kind of value that a method parameter accepts.
type ParamKind uint8

const (
	// Any accepts every value.
	Any ParamKind = iota
	Bool
	Number
	String
	List
	Record
)

var paramKindNames = [...]string{
	Any:    "any",
	Bool:   "bool",
	Number: "number",
	String: "string",
	List:   "list",
	Record: "record",
}

func (k ParamKind) String() string {
	if int(k) < len(paramKindNames) {
		return paramKindNames[k]
	}
	return fmt.Sprintf("ParamKind(%d)", k)
}

// Accepts reports whether v can be passed to a parameter of kind k.
func (k ParamKind) Accepts(v dynamic.Value) bool {
	if k == Any {
		return true
	}
	if v == nil {
		return false
	}
	switch v.Kind() {
	case dynamic.KindBool:
		return k == Bool
	case dynamic.KindNumber:
		return k == Number
	case dynamic.KindString:
		return k == String
	case dynamic.KindList:
		return k == List
	case dynamic.KindRecord:
		return k == Record
	default:
		return false
	}
}

// A Method is a scripted method or signal.
type Method struct {
	// Name is the local name of the method. Methods that handle bus
	// members starting with an uppercase letter must have an "rc"
	// prefix.
	Name string
	// Params are the kinds of the method's parameters. A call matches
	// the method only if it has exactly this many arguments, of
	// matching kinds.
	Params []ParamKind
	// Signal marks the method as a signal. Dispatching a call to a
	// signal invokes it and then emits it on the bus, and never
	// replies with a value.
	Signal bool
	// ReturnHint is the DBus type of the method's return value. The
	// type is inferred if ReturnHint is NoHint.
	ReturnHint dynamic.Hint
	// Invoke runs the method. A return value of Undefined or Null
	// means the method returns nothing.
	Invoke func(args dynamic.List) (dynamic.Value, error)
}

// TypeInfoPrefix is the name prefix of type hint properties. A
// property named "typeinfo_foo" holds the type hint of the property
// foo, as a String.
const TypeInfoPrefix = "typeinfo_"

// A Property is a scripted property.
type Property struct {
	// Name is the local name of the property, with the same "rc"
	// convention as Method.Name.
	Name string
	// Hint is the DBus type of the property value. If Hint is
	// NoHint, the type is taken from the matching typeinfo_ property
	// if there is one, and inferred otherwise.
	Hint dynamic.Hint
	// Get returns the current value of the property.
	Get func() dynamic.Value
	// Set updates the property. Read-only properties have a nil Set.
	Set func(dynamic.Value) error
}

// A Registry is the set of members that a scripted object offers.
//
// Members are searched in order, so earlier methods take precedence
// over later overloads of the same name.
type Registry struct {
	Methods    []Method
	Properties []Property
}

// AddMethod appends a method to r.
func (r *Registry) AddMethod(name string, params []ParamKind, fn func(dynamic.List) (dynamic.Value, error)) {
	r.Methods = append(r.Methods, Method{Name: name, Params: params, Invoke: fn})
}

// AddSignal appends a signal to r. fn may be nil.
func (r *Registry) AddSignal(name string, params []ParamKind, fn func(dynamic.List) (dynamic.Value, error)) {
	r.Methods = append(r.Methods, Method{Name: name, Params: params, Signal: true, Invoke: fn})
}

// AddProperty appends a property to r.
func (r *Registry) AddProperty(p Property) {
	r.Properties = append(r.Properties, p)
}

// property returns the property with the given local name.
func (r *Registry) property(name string) *Property {
	if r == nil {
		return nil
	}
	for i := range r.Properties {
		if r.Properties[i].Name == name {
			return &r.Properties[i]
		}
	}
	return nil
}

// Mangle returns the local name that handles the bus member name.
func Mangle(member string) string {
	if r, _ := utf8.DecodeRuneInString(member); unicode.IsUpper(r) {
		return "rc" + member
	}
	return member
}

// Unmangle returns the bus member name handled by the local name.
func Unmangle(name string) string {
	rest, ok := strings.CutPrefix(name, "rc")
	if !ok {
		return name
	}
	if r, _ := utf8.DecodeRuneInString(rest); unicode.IsUpper(r) {
		return rest
	}
	return name
}

// capitalize returns s with its first letter in upper case.
func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
