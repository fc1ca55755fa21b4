// Package dynamic converts between explicitly typed DBus values and
// the loosely typed values of a scripting layer.
//
// A [Value] is one of [Undefined], [Null], [Bool], [Number],
// [String], [List], [Record], [Func] or [Unhandled]. Many DBus types
// collapse onto the same dynamic kind when decoded: all integer and
// floating point types become a Number, and arrays and structs both
// become a List. Encoding back to DBus uses either an explicit
// [Hint], or infers a wire type from the shape of the value.
package dynamic

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	dbus "github.com/danderson/dyndbus"
)

// Kind is the kind of a dynamic Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
	KindRecord
	KindFunc
	KindUnhandled
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindString:    "string",
	KindList:      "list",
	KindRecord:    "record",
	KindFunc:      "func",
	KindUnhandled: "unhandled",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// A Value is a dynamically typed value.
type Value interface {
	Kind() Kind
	isValue()
}

type (
	// Undefined is the absence of a value.
	Undefined struct{}
	// Null is an explicitly empty value.
	Null struct{}
	// Bool is a boolean.
	Bool bool
	// String is a string.
	String string
	// List is an ordered sequence of values.
	List []Value
	// Func is a callable provided by the scripting layer.
	Func func(args ...Value) (Value, error)
)

// Unhandled marks a DBus value that could not be decoded.
type Unhandled struct {
	// Type is the DBus type of the value, if known.
	Type dbus.Signature
}

func (Undefined) Kind() Kind { return KindUndefined }
func (Null) Kind() Kind      { return KindNull }
func (Bool) Kind() Kind      { return KindBool }
func (Number) Kind() Kind    { return KindNumber }
func (String) Kind() Kind    { return KindString }
func (List) Kind() Kind      { return KindList }
func (Record) Kind() Kind    { return KindRecord }
func (Func) Kind() Kind      { return KindFunc }
func (Unhandled) Kind() Kind { return KindUnhandled }

func (Undefined) isValue() {}
func (Null) isValue()      {}
func (Bool) isValue()      {}
func (Number) isValue()    {}
func (String) isValue()    {}
func (List) isValue()      {}
func (Record) isValue()    {}
func (Func) isValue()      {}
func (Unhandled) isValue() {}

// IsUndefined reports whether v is nil or Undefined.
func IsUndefined(v Value) bool {
	return v == nil || v.Kind() == KindUndefined
}

// Rep is the representation of a Number.
type Rep uint8

const (
	RepInt Rep = iota
	RepUint
	RepFloat
)

// A Number is a number of no fixed width. It remembers whether it was
// created from a signed integer, an unsigned integer or a floating
// point value, which steers the DBus type it encodes to.
type Number struct {
	rep  Rep
	bits uint64
}

// Int returns a Number with the value n.
func Int(n int64) Number { return Number{RepInt, uint64(n)} }

// Uint returns a Number with the value n.
func Uint(n uint64) Number { return Number{RepUint, n} }

// Float returns a Number with the value f.
func Float(f float64) Number { return Number{RepFloat, math.Float64bits(f)} }

// Rep returns the representation of n.
func (n Number) Rep() Rep { return n.rep }

// Equal reports whether n and o have the same representation and
// value.
func (n Number) Equal(o Number) bool {
	if n.rep == RepFloat && o.rep == RepFloat {
		return n.Float64() == o.Float64()
	}
	return n == o
}

// Int64 returns n as an int64, truncating any fractional part.
func (n Number) Int64() int64 {
	switch n.rep {
	case RepInt, RepUint:
		return int64(n.bits)
	default:
		f := n.Float64()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return int64(f)
	}
}

// Uint64 returns n as a uint64, truncating any fractional part.
func (n Number) Uint64() uint64 {
	switch n.rep {
	case RepInt, RepUint:
		return n.bits
	default:
		return uint64(n.Int64())
	}
}

// Float64 returns n as a float64.
func (n Number) Float64() float64 {
	switch n.rep {
	case RepInt:
		return float64(int64(n.bits))
	case RepUint:
		return float64(n.bits)
	default:
		return math.Float64frombits(n.bits)
	}
}

// Int32 returns n reduced modulo 2^32 into an int32, the way
// scripting languages convert numbers to 32-bit integers.
func (n Number) Int32() int32 {
	if n.rep != RepFloat {
		return int32(n.bits)
	}
	f := n.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return int32(uint32(m))
}

// Uint32 returns n reduced modulo 2^32 into a uint32.
func (n Number) Uint32() uint32 {
	return uint32(n.Int32())
}

func (n Number) String() string {
	switch n.rep {
	case RepInt:
		return strconv.FormatInt(int64(n.bits), 10)
	case RepUint:
		return strconv.FormatUint(n.bits, 10)
	default:
		return strconv.FormatFloat(n.Float64(), 'g', -1, 64)
	}
}

// A Field is one named entry of a Record.
type Field struct {
	Name  string
	Value Value
}

// A Record is a string-keyed collection of values, which retains the
// order in which fields were added.
type Record []Field

// Get returns the value of the named field, or Undefined if there is
// no such field.
func (r Record) Get(name string) Value {
	for _, f := range r {
		if f.Name == name {
			return f.Value
		}
	}
	return Undefined{}
}

// Set sets the named field to v, replacing any existing value.
func (r *Record) Set(name string, v Value) {
	for i := range *r {
		if (*r)[i].Name == name {
			(*r)[i].Value = v
			return
		}
	}
	*r = append(*r, Field{name, v})
}

// Format returns a compact human-readable rendering of v.
func Format(v Value) string {
	var b strings.Builder
	format(&b, v)
	return b.String()
}

func format(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case nil, Undefined:
		b.WriteString("undefined")
	case Null:
		b.WriteString("null")
	case Bool:
		b.WriteString(strconv.FormatBool(bool(x)))
	case Number:
		b.WriteString(x.String())
	case String:
		b.WriteString(strconv.Quote(string(x)))
	case List:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, e)
		}
		b.WriteByte(']')
	case Record:
		b.WriteByte('{')
		for i, f := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%s: ", f.Name)
			format(b, f.Value)
		}
		b.WriteByte('}')
	case Func:
		b.WriteString("func")
	case Unhandled:
		fmt.Fprintf(b, "unhandled(%s)", x.Type)
	}
}
