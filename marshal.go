package dbus

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/danderson/dyndbus/fragments"
)

// Marshal encodes vs back to back in the DBus wire format, and
// returns the encoded bytes and the signature of the sequence.
//
// Alignment is computed as if the output begins a message body.
func Marshal(order fragments.ByteOrder, vs ...Value) ([]byte, Signature, error) {
	e := fragments.Encoder{Order: order}
	var sig []byte
	for i, v := range vs {
		if err := Validate(v); err != nil {
			return nil, "", fmt.Errorf("value %d: %w", i, err)
		}
		if err := marshalValue(&e, v); err != nil {
			return nil, "", fmt.Errorf("value %d: %w", i, err)
		}
		sig = append(sig, v.Type()...)
	}
	if len(sig) > maxSignatureLen {
		return nil, "", typeErr(Signature(sig), "message body signature too long")
	}
	return e.Out, Signature(sig), nil
}

// Unmarshal decodes a sequence of values of the given signature from
// bs.
func Unmarshal(order fragments.ByteOrder, sig Signature, bs []byte) ([]Value, error) {
	parts, err := sig.Split()
	if err != nil {
		return nil, err
	}
	d := fragments.Decoder{
		Order: order,
		In:    bytes.NewReader(bs),
	}
	var ret []Value
	for i, part := range parts {
		v, err := unmarshalValue(&d, part, 0)
		if err != nil {
			return nil, fmt.Errorf("reading value %d (%s): %w", i, part, err)
		}
		ret = append(ret, v)
	}
	if d.Offset() != len(bs) {
		return nil, fmt.Errorf("%d trailing bytes after message body", len(bs)-d.Offset())
	}
	return ret, nil
}

func marshalValue(e *fragments.Encoder, v Value) error {
	switch x := v.(type) {
	case Byte:
		e.Uint8(uint8(x))
	case Bool:
		e.Bool(bool(x))
	case Int16:
		e.Int16(int16(x))
	case Uint16:
		e.Uint16(uint16(x))
	case Int32:
		e.Int32(int32(x))
	case Uint32:
		e.Uint32(uint32(x))
	case Int64:
		e.Int64(int64(x))
	case Uint64:
		e.Uint64(uint64(x))
	case Double:
		e.Double(float64(x))
	case String:
		if !utf8.ValidString(string(x)) {
			return typeErr("s", "string is not valid UTF-8")
		}
		e.String(string(x))
	case ObjectPath:
		e.String(string(x))
	case Signature:
		e.Signature(string(x))
	case UnixFD:
		e.Uint32(uint32(x))
	case Variant:
		e.Signature(string(x.Value.Type()))
		return marshalValue(e, x.Value)
	case Array:
		if x.Elem == "y" {
			return e.Array(false, func() error {
				for _, b := range x.Values {
					e.Uint8(uint8(b.(Byte)))
				}
				return nil
			})
		}
		return e.Array(align8Types.Has(x.Elem[0]), func() error {
			for i, elem := range x.Values {
				if err := marshalValue(e, elem); err != nil {
					return fmt.Errorf("array element %d: %w", i, err)
				}
			}
			return nil
		})
	case Dict:
		return e.Array(true, func() error {
			for _, ent := range x.Entries {
				err := e.Struct(func() error {
					if err := marshalValue(e, ent.Key); err != nil {
						return err
					}
					return marshalValue(e, ent.Value)
				})
				if err != nil {
					return fmt.Errorf("dict entry %s: %w", Repr(ent.Key), err)
				}
			}
			return nil
		})
	case Struct:
		return e.Struct(func() error {
			for i, f := range x {
				if err := marshalValue(e, f); err != nil {
					return fmt.Errorf("struct field %d: %w", i, err)
				}
			}
			return nil
		})
	case nil:
		return errors.New("cannot marshal nil Value")
	default:
		return fmt.Errorf("unknown Value type %T", v)
	}
	return nil
}

// unmarshalValue reads one value of sig, which must be a single
// complete type.
func unmarshalValue(d *fragments.Decoder, sig Signature, depth int) (Value, error) {
	if depth > maxValueDepth {
		return nil, errors.New("value nesting too deep")
	}
	switch sig[0] {
	case 'y':
		u, err := d.Uint8()
		return Byte(u), err
	case 'b':
		b, err := d.Bool()
		return Bool(b), err
	case 'n':
		i, err := d.Int16()
		return Int16(i), err
	case 'q':
		u, err := d.Uint16()
		return Uint16(u), err
	case 'i':
		i, err := d.Int32()
		return Int32(i), err
	case 'u':
		u, err := d.Uint32()
		return Uint32(u), err
	case 'x':
		i, err := d.Int64()
		return Int64(i), err
	case 't':
		u, err := d.Uint64()
		return Uint64(u), err
	case 'd':
		f, err := d.Double()
		return Double(f), err
	case 's':
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) {
			return nil, typeErr("s", "string is not valid UTF-8")
		}
		return String(s), nil
	case 'o':
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if p := ObjectPath(s); !p.Valid() {
			return nil, typeErr("o", "invalid object path %q", s)
		}
		return ObjectPath(s), nil
	case 'g':
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		return ParseSignature(s)
	case 'h':
		u, err := d.Uint32()
		return UnixFD(u), err
	case 'v':
		s, err := d.Signature()
		if err != nil {
			return nil, fmt.Errorf("reading Variant signature: %w", err)
		}
		inner := Signature(s)
		if !inner.IsSingle() {
			return nil, fmt.Errorf("invalid Variant type signature %q", s)
		}
		v, err := unmarshalValue(d, inner, depth+1)
		if err != nil {
			return nil, fmt.Errorf("reading Variant value (signature %q): %w", s, err)
		}
		return Variant{v}, nil
	case 'a':
		if key, val, ok := sig.DictTypes(); ok {
			return unmarshalDict(d, key, val, depth)
		}
		elem := sig[1:]
		ret := Array{Elem: elem}
		if elem == "y" {
			bs, err := d.Bytes()
			if err != nil {
				return nil, err
			}
			return ByteArray(bs), nil
		}
		_, err := d.Array(align8Types.Has(elem[0]), func(int) error {
			v, err := unmarshalValue(d, elem, depth+1)
			if err != nil {
				return err
			}
			ret.Values = append(ret.Values, v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	case '(':
		fields, err := sig[1 : len(sig)-1].Split()
		if err != nil {
			return nil, err
		}
		ret := make(Struct, 0, len(fields))
		err = d.Struct(func() error {
			for i, f := range fields {
				v, err := unmarshalValue(d, f, depth+1)
				if err != nil {
					return fmt.Errorf("struct field %d: %w", i, err)
				}
				ret = append(ret, v)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ret, nil
	default:
		return nil, typeErr(sig, "unknown type specifier %q", sig[0])
	}
}

func unmarshalDict(d *fragments.Decoder, key, val Signature, depth int) (Value, error) {
	ret := Dict{Key: key, Elem: val}
	_, err := d.Array(true, func(int) error {
		return d.Struct(func() error {
			k, err := unmarshalValue(d, key, depth+1)
			if err != nil {
				return fmt.Errorf("reading dict key: %w", err)
			}
			v, err := unmarshalValue(d, val, depth+1)
			if err != nil {
				return fmt.Errorf("reading dict value: %w", err)
			}
			ret.Entries = append(ret.Entries, DictEntry{k, v})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}
