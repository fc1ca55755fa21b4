package dynamic

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	dbus "github.com/danderson/dyndbus"
)

// EncodeError is the error returned when a dynamic value cannot be
// encoded as a DBus value.
type EncodeError struct {
	// Index is the position of the failed value in an argument list,
	// or -1 if the value was encoded on its own.
	Index int
	// Hint is the type hint that was requested, if any.
	Hint Hint
	// Reason explains why the value could not be encoded.
	Reason error
}

func (e *EncodeError) Error() string {
	var b strings.Builder
	if e.Index >= 0 {
		fmt.Fprintf(&b, "argument %d: ", e.Index)
	}
	if e.Hint != NoHint {
		fmt.Fprintf(&b, "cannot encode as %q: ", string(e.Hint))
	} else {
		b.WriteString("cannot encode: ")
	}
	b.WriteString(e.Reason.Error())
	return b.String()
}

func (e *EncodeError) Unwrap() error {
	return e.Reason
}

// Encode converts v to a DBus value.
//
// If h is NoHint, the DBus type is inferred from v: booleans,
// strings and numbers map to their natural DBus types, lists whose
// elements are all scalars of the same kind become typed arrays,
// other lists become arrays of variants, and records become
// a{sv} dicts.
//
// Otherwise, v is converted to the hinted type. Narrow integer types
// use the conversions of the scripting layer: numbers are first
// reduced to 32 bits, and the byte and int16 conversions keep the
// low 7 or 15 bits and set the top bit from the sign of the number.
func Encode(v Value, h Hint) (dbus.Value, error) {
	ret, err := encode(v, h)
	if err != nil {
		return nil, &EncodeError{Index: -1, Hint: h, Reason: err}
	}
	return ret, nil
}

func encode(v Value, h Hint) (dbus.Value, error) {
	switch {
	case h == NoHint:
		return infer(v, 0)
	case h.IsArray():
		l, ok := v.(List)
		if !ok {
			return nil, fmt.Errorf("array hint requires a list, got %s", kindOf(v))
		}
		code := h[1]
		ret := dbus.Array{
			Elem:   dbus.Signature(h.Elem()),
			Values: make([]dbus.Value, 0, len(l)),
		}
		for i, e := range l {
			ev, err := encodeBasic(e, code)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			ret.Values = append(ret.Values, ev)
		}
		return ret, nil
	default:
		return encodeBasic(v, h[0])
	}
}

// EncodeTyped encodes a typed argument, a Record with a "type" field
// holding a type hint and a "value" field holding the value.
func EncodeTyped(arg Value) (dbus.Value, error) {
	rec, ok := arg.(Record)
	if !ok {
		return nil, &EncodeError{Index: -1, Reason: fmt.Errorf("typed argument must be a record, got %s", kindOf(arg))}
	}
	t, ok := rec.Get("type").(String)
	if !ok {
		return nil, &EncodeError{Index: -1, Reason: errors.New("typed argument has no type")}
	}
	h, err := ParseHint(string(t))
	if err != nil || h == NoHint {
		return nil, &EncodeError{Index: -1, Reason: fmt.Errorf("invalid type specifier %q", string(t))}
	}
	return Encode(rec.Get("value"), h)
}

// EncodeArgs encodes a method call argument list. If args is a List,
// each element is one argument. Otherwise, args is a single argument,
// unless it is Undefined.
func EncodeArgs(args Value) ([]dbus.Value, error) {
	return encodeSeq(args, func(v Value) (dbus.Value, error) {
		return Encode(v, NoHint)
	})
}

// EncodeTypedArgs is like EncodeArgs, but each argument is a typed
// argument record as described by EncodeTyped.
func EncodeTypedArgs(args Value) ([]dbus.Value, error) {
	return encodeSeq(args, EncodeTyped)
}

func encodeSeq(args Value, enc func(Value) (dbus.Value, error)) ([]dbus.Value, error) {
	var in List
	switch x := args.(type) {
	case nil, Undefined:
		return nil, nil
	case List:
		in = x
	default:
		in = List{args}
	}

	ret := make([]dbus.Value, 0, len(in))
	for i, a := range in {
		v, err := enc(a)
		if err != nil {
			var ee *EncodeError
			if errors.As(err, &ee) {
				ee.Index = i
				return nil, ee
			}
			return nil, &EncodeError{Index: i, Reason: err}
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func encodeBasic(v Value, code byte) (dbus.Value, error) {
	if IsUndefined(v) || v.Kind() == KindNull {
		return nil, fmt.Errorf("missing value")
	}

	switch code {
	case 'y':
		i, err := toInt32(v)
		if err != nil {
			return nil, err
		}
		b := uint8(i & 0x7f)
		if i < 0 {
			b |= 0x80
		}
		return dbus.Byte(b), nil
	case 'n':
		i, err := toInt32(v)
		if err != nil {
			return nil, err
		}
		u := uint16(i & 0x7fff)
		if i < 0 {
			u |= 0x8000
		}
		return dbus.Int16(int16(u)), nil
	case 'q':
		i, err := toInt32(v)
		return dbus.Uint16(uint16(uint32(i))), err
	case 'i':
		i, err := toInt32(v)
		return dbus.Int32(i), err
	case 'h':
		i, err := toInt32(v)
		return dbus.UnixFD(uint32(i)), err
	case 'u':
		i, err := toInt32(v)
		return dbus.Uint32(uint32(i)), err
	case 'x':
		i, err := toInt32(v)
		return dbus.Int64(int64(i)), err
	case 't':
		i, err := toInt32(v)
		return dbus.Uint64(uint64(uint32(i))), err
	case 'b':
		b, err := toBool(v)
		return dbus.Bool(b), err
	case 'd':
		n, err := toNumber(v)
		return dbus.Double(n.Float64()), err
	case 's':
		s, err := toString(v)
		return dbus.String(s), err
	case 'o':
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		p := dbus.ObjectPath(s)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return p, nil
	case 'g':
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		return dbus.ParseSignature(s)
	case 'v':
		inner, err := infer(v, 0)
		if err != nil {
			return nil, err
		}
		return dbus.Variant{Value: inner}, nil
	default:
		return nil, fmt.Errorf("invalid type specifier %q", code)
	}
}

func infer(v Value, depth int) (dbus.Value, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", MaxDepth)
	}

	switch x := v.(type) {
	case Bool:
		return dbus.Bool(x), nil
	case String:
		return dbus.String(x), nil
	case Number:
		return inferNumber(x), nil
	case List:
		return inferList(x, depth)
	case Record:
		entries := make([]dbus.DictEntry, 0, len(x))
		for _, f := range x {
			fv, err := infer(f.Value, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", f.Name, err)
			}
			entries = append(entries, dbus.DictEntry{
				Key:   dbus.String(f.Name),
				Value: dbus.Variant{Value: fv},
			})
		}
		return dbus.MakeDict("s", "v", entries...)
	default:
		return nil, fmt.Errorf("cannot infer a DBus type for %s", kindOf(v))
	}
}

func inferNumber(n Number) dbus.Value {
	switch n.Rep() {
	case RepInt:
		if i := n.Int64(); i >= math.MinInt32 && i <= math.MaxInt32 {
			return dbus.Int32(i)
		}
		return dbus.Int64(n.Int64())
	case RepUint:
		if u := n.Uint64(); u <= math.MaxUint32 {
			return dbus.Uint32(u)
		}
		return dbus.Uint64(n.Uint64())
	default:
		return dbus.Double(n.Float64())
	}
}

// inferList encodes l as a typed array if all its elements are
// scalars of the same kind, and as an array of variants otherwise.
func inferList(l List, depth int) (dbus.Value, error) {
	if elem, ok := listElemType(l); ok {
		ret := dbus.Array{
			Elem:   elem,
			Values: make([]dbus.Value, 0, len(l)),
		}
		for _, e := range l {
			ret.Values = append(ret.Values, convertScalar(e, elem))
		}
		return ret, nil
	}

	ret := dbus.Array{
		Elem:   "v",
		Values: make([]dbus.Value, 0, len(l)),
	}
	for i, e := range l {
		ev, err := infer(e, depth+1)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		ret.Values = append(ret.Values, dbus.Variant{Value: ev})
	}
	return ret, nil
}

// listElemType returns the DBus element type for a homogeneous list
// of scalars.
func listElemType(l List) (dbus.Signature, bool) {
	if len(l) == 0 {
		return "", false
	}
	kind := kindOf(l[0])
	for _, e := range l[1:] {
		if kindOf(e) != kind {
			return "", false
		}
	}

	switch kind {
	case KindBool:
		return "b", true
	case KindString:
		return "s", true
	case KindNumber:
		rep := l[0].(Number).Rep()
		fits32 := true
		for _, e := range l {
			n := e.(Number)
			if n.Rep() != rep {
				// Mixed integer and float lists are all doubles.
				return "d", true
			}
			switch rep {
			case RepInt:
				fits32 = fits32 && n.Int64() >= math.MinInt32 && n.Int64() <= math.MaxInt32
			case RepUint:
				fits32 = fits32 && n.Uint64() <= math.MaxUint32
			}
		}
		switch {
		case rep == RepFloat:
			return "d", true
		case rep == RepInt && fits32:
			return "i", true
		case rep == RepInt:
			return "x", true
		case fits32:
			return "u", true
		default:
			return "t", true
		}
	default:
		return "", false
	}
}

// convertScalar converts a scalar that listElemType has accepted to
// the DBus type elem.
func convertScalar(v Value, elem dbus.Signature) dbus.Value {
	switch elem {
	case "b":
		return dbus.Bool(v.(Bool))
	case "s":
		return dbus.String(v.(String))
	case "i":
		return dbus.Int32(v.(Number).Int64())
	case "x":
		return dbus.Int64(v.(Number).Int64())
	case "u":
		return dbus.Uint32(v.(Number).Uint64())
	case "t":
		return dbus.Uint64(v.(Number).Uint64())
	default:
		return dbus.Double(v.(Number).Float64())
	}
}

func kindOf(v Value) Kind {
	if v == nil {
		return KindUndefined
	}
	return v.Kind()
}

func toNumber(v Value) (Number, error) {
	switch x := v.(type) {
	case Number:
		return x, nil
	case Bool:
		if x {
			return Int(1), nil
		}
		return Int(0), nil
	case String:
		s := strings.TrimSpace(string(x))
		if i, err := strconv.ParseInt(s, 0, 64); err == nil {
			return Int(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Float(f), nil
		}
		return Number{}, fmt.Errorf("cannot convert string %q to a number", string(x))
	default:
		return Number{}, fmt.Errorf("cannot convert %s to a number", kindOf(v))
	}
}

func toInt32(v Value) (int32, error) {
	n, err := toNumber(v)
	if err != nil {
		return 0, err
	}
	return n.Int32(), nil
}

func toBool(v Value) (bool, error) {
	switch x := v.(type) {
	case Bool:
		return bool(x), nil
	case Number:
		f := x.Float64()
		return f != 0 && !math.IsNaN(f), nil
	case String:
		return x != "", nil
	default:
		return false, fmt.Errorf("cannot convert %s to a boolean", kindOf(v))
	}
}

func toString(v Value) (string, error) {
	switch x := v.(type) {
	case String:
		return string(x), nil
	case Number:
		return x.String(), nil
	case Bool:
		return strconv.FormatBool(bool(x)), nil
	default:
		return "", fmt.Errorf("cannot convert %s to a string", kindOf(v))
	}
}
