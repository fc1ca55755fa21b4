package dbus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/mds/mapset"
)

// A Value is a DBus wire value.
//
// The set of Value implementations is closed, and corresponds
// one-to-one with the DBus type system: the basic types [Byte],
// [Bool], [Int16], [Uint16], [Int32], [Uint32], [Int64], [Uint64],
// [Double], [String], [ObjectPath], [Signature] and [UnixFD], and the
// containers [Variant], [Array], [Struct] and [Dict].
type Value interface {
	// Type returns the type signature of the value.
	Type() Signature
	isValue()
}

type (
	// Byte is a DBus byte ("y").
	Byte uint8
	// Bool is a DBus boolean ("b").
	Bool bool
	// Int16 is a DBus int16 ("n").
	Int16 int16
	// Uint16 is a DBus uint16 ("q").
	Uint16 uint16
	// Int32 is a DBus int32 ("i").
	Int32 int32
	// Uint32 is a DBus uint32 ("u").
	Uint32 uint32
	// Int64 is a DBus int64 ("x").
	Int64 int64
	// Uint64 is a DBus uint64 ("t").
	Uint64 uint64
	// Double is a DBus double ("d").
	Double float64
	// String is a DBus string ("s").
	String string
	// UnixFD is a DBus file descriptor ("h"). On the wire, the value
	// is an index into the Files of the enclosing [Message].
	UnixFD uint32
)

func (Byte) Type() Signature   { return "y" }
func (Bool) Type() Signature   { return "b" }
func (Int16) Type() Signature  { return "n" }
func (Uint16) Type() Signature { return "q" }
func (Int32) Type() Signature  { return "i" }
func (Uint32) Type() Signature { return "u" }
func (Int64) Type() Signature  { return "x" }
func (Uint64) Type() Signature { return "t" }
func (Double) Type() Signature { return "d" }
func (String) Type() Signature { return "s" }
func (UnixFD) Type() Signature { return "h" }

func (Byte) isValue()   {}
func (Bool) isValue()   {}
func (Int16) isValue()  {}
func (Uint16) isValue() {}
func (Int32) isValue()  {}
func (Uint32) isValue() {}
func (Int64) isValue()  {}
func (Uint64) isValue() {}
func (Double) isValue() {}
func (String) isValue() {}
func (UnixFD) isValue() {}

// An Array is a homogeneous DBus array.
//
// Elem is carried explicitly so that empty arrays are typed. Every
// element of Values must have type Elem.
type Array struct {
	Elem   Signature
	Values []Value
}

func (a Array) Type() Signature { return "a" + a.Elem }
func (Array) isValue()          {}

// MakeArray returns an Array of elem values, or an error if any of vs
// is not of type elem.
func MakeArray(elem Signature, vs ...Value) (Array, error) {
	if !elem.IsSingle() {
		return Array{}, typeErr(elem, "array element type must be a single complete type")
	}
	for i, v := range vs {
		if v == nil {
			return Array{}, typeErr("a"+elem, "nil array element %d", i)
		}
		if t := v.Type(); t != elem {
			return Array{}, typeErr("a"+elem, "array element %d has type %q", i, t)
		}
	}
	return Array{elem, vs}, nil
}

// ByteArray returns bs as an array of bytes.
func ByteArray(bs []byte) Array {
	ret := Array{
		Elem:   "y",
		Values: make([]Value, len(bs)),
	}
	for i, b := range bs {
		ret.Values[i] = Byte(b)
	}
	return ret
}

// A Struct is a DBus struct, an ordered sequence of heterogeneous
// values. DBus does not permit empty structs.
type Struct []Value

func (s Struct) Type() Signature {
	var b strings.Builder
	b.WriteByte('(')
	for _, f := range s {
		if f != nil {
			b.WriteString(string(f.Type()))
		}
	}
	b.WriteByte(')')
	return Signature(b.String())
}

func (Struct) isValue() {}

// A DictEntry is one key/value pair of a [Dict].
type DictEntry struct {
	Key   Value
	Value Value
}

// A Dict is a DBus dictionary: an array of dict entries with unique
// keys of a basic type. Entries retain their wire order.
type Dict struct {
	Key     Signature
	Elem    Signature
	Entries []DictEntry
}

func (d Dict) Type() Signature { return "a{" + d.Key + d.Elem + "}" }
func (Dict) isValue()          {}

// MakeDict returns a Dict of the given entries, or an error if the
// entry types don't match or a key is repeated.
func MakeDict(key, elem Signature, entries ...DictEntry) (Dict, error) {
	ret := Dict{key, elem, entries}
	if err := validateDict(ret); err != nil {
		return Dict{}, err
	}
	return ret, nil
}

// Lookup returns the value associated with key, if any.
func (d Dict) Lookup(key Value) (Value, bool) {
	for _, e := range d.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func validateDict(d Dict) error {
	sig := d.Type()
	if !d.Key.IsBasic() {
		return typeErr(sig, "dict key type must be a basic type")
	}
	if !d.Elem.IsSingle() {
		return typeErr(sig, "dict value type must be a single complete type")
	}
	seen := mapset.New[Value]()
	for i, e := range d.Entries {
		if e.Key == nil || e.Value == nil {
			return typeErr(sig, "nil in dict entry %d", i)
		}
		if t := e.Key.Type(); t != d.Key {
			return typeErr(sig, "dict entry %d has key type %q", i, t)
		}
		if t := e.Value.Type(); t != d.Elem {
			return typeErr(sig, "dict entry %d has value type %q", i, t)
		}
		if seen.Has(e.Key) {
			return typeErr(sig, "duplicate dict key %s", Repr(e.Key))
		}
		seen.Add(e.Key)
	}
	return nil
}

// Validate checks that v is a well-formed value: containers are
// non-nil and correctly typed, dict keys are unique, and no struct
// is empty.
func Validate(v Value) error {
	return validate(v, 0)
}

// maxValueDepth bounds the nesting of containers, including
// variants, within a single value.
const maxValueDepth = 64

func validate(v Value, depth int) error {
	if depth > maxValueDepth {
		return errors.New("value nesting too deep")
	}
	switch x := v.(type) {
	case nil:
		return errors.New("nil value")
	case String:
		if strings.IndexByte(string(x), 0) >= 0 {
			return typeErr("s", "string contains a nul byte")
		}
	case ObjectPath:
		if !x.Valid() {
			return typeErr("o", "invalid object path %q", string(x))
		}
	case Signature:
		if _, err := ParseSignature(string(x)); err != nil {
			return err
		}
	case Variant:
		if x.Value == nil {
			return typeErr("v", "empty variant")
		}
		return validate(x.Value, depth+1)
	case Array:
		if !x.Elem.IsSingle() {
			return typeErr(x.Type(), "array element type must be a single complete type")
		}
		for i, e := range x.Values {
			if e == nil || e.Type() != x.Elem {
				return typeErr(x.Type(), "array element %d has wrong type", i)
			}
			if err := validate(e, depth+1); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
	case Dict:
		if err := validateDict(x); err != nil {
			return err
		}
		for _, e := range x.Entries {
			if err := validate(e.Key, depth+1); err != nil {
				return err
			}
			if err := validate(e.Value, depth+1); err != nil {
				return err
			}
		}
	case Struct:
		if len(x) == 0 {
			return typeErr("()", "empty struct")
		}
		for i, f := range x {
			if err := validate(f, depth+1); err != nil {
				return fmt.Errorf("struct field %d: %w", i, err)
			}
		}
	}
	return nil
}

// Repr formats vs in the compact notation used by DBus test
// services, for example:
//
//	int32:42 string:"foo" array [ byte:1 byte:2 ] variant struct { boolean:true }
func Repr(vs ...Value) string {
	var b strings.Builder
	for _, v := range vs {
		writeRepr(&b, v)
	}
	return strings.TrimPrefix(b.String(), " ")
}

func writeRepr(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case Byte:
		fmt.Fprintf(b, " byte:%d", x)
	case Bool:
		fmt.Fprintf(b, " boolean:%t", bool(x))
	case Int16:
		fmt.Fprintf(b, " int16:%d", x)
	case Uint16:
		fmt.Fprintf(b, " uint16:%d", x)
	case Int32:
		fmt.Fprintf(b, " int32:%d", x)
	case Uint32:
		fmt.Fprintf(b, " uint32:%d", x)
	case Int64:
		fmt.Fprintf(b, " int64:%d", x)
	case Uint64:
		fmt.Fprintf(b, " uint64:%d", x)
	case Double:
		fmt.Fprintf(b, " double:%g", float64(x))
	case String:
		fmt.Fprintf(b, " string:%q", string(x))
	case ObjectPath:
		fmt.Fprintf(b, " objpath:%q", string(x))
	case Signature:
		fmt.Fprintf(b, " signature:%q", string(x))
	case UnixFD:
		fmt.Fprintf(b, " fd:%d", x)
	case Variant:
		b.WriteString(" variant")
		writeRepr(b, x.Value)
	case Array:
		b.WriteString(" array [")
		for _, e := range x.Values {
			writeRepr(b, e)
		}
		b.WriteString(" ]")
	case Dict:
		b.WriteString(" array [")
		for _, e := range x.Entries {
			b.WriteString(" key")
			writeRepr(b, e.Key)
			b.WriteString(" val")
			writeRepr(b, e.Value)
		}
		b.WriteString(" ]")
	case Struct:
		b.WriteString(" struct {")
		for _, f := range x {
			writeRepr(b, f)
		}
		b.WriteString(" }")
	default:
		b.WriteString(" unknown")
	}
}
