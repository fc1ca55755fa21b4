package dynamic

import (
	"log"
	"strconv"

	dbus "github.com/danderson/dyndbus"
)

// MaxDepth is the deepest nesting of containers that Decode follows.
// Deeper subtrees decode to Undefined.
const MaxDepth = 32

// Logf logs decoding anomalies and other non-fatal problems.
var Logf = log.Printf

// Decode converts a DBus value into a dynamic value.
//
// Decode never fails. Values it cannot represent are logged and
// replaced with an Unhandled marker, and containers nested deeper
// than MaxDepth are replaced with Undefined.
func Decode(v dbus.Value) Value {
	return decode(v, 0)
}

// DecodeAll decodes each of vs.
func DecodeAll(vs []dbus.Value) List {
	ret := make(List, 0, len(vs))
	for _, v := range vs {
		ret = append(ret, Decode(v))
	}
	return ret
}

func decode(v dbus.Value, depth int) Value {
	if depth > MaxDepth {
		Logf("dynamic: DBus value nested deeper than %d levels, truncated", MaxDepth)
		return Undefined{}
	}

	switch x := v.(type) {
	case dbus.Byte:
		return Uint(uint64(x))
	case dbus.Bool:
		return Bool(x)
	case dbus.Int16:
		return Int(int64(x))
	case dbus.Uint16:
		return Uint(uint64(x))
	case dbus.Int32:
		return Int(int64(x))
	case dbus.Uint32:
		return Uint(uint64(x))
	case dbus.Int64:
		return Int(int64(x))
	case dbus.Uint64:
		return Uint(uint64(x))
	case dbus.Double:
		return Float(float64(x))
	case dbus.UnixFD:
		return Uint(uint64(x))
	case dbus.String:
		return String(x)
	case dbus.ObjectPath:
		return String(x)
	case dbus.Signature:
		return String(x)
	case dbus.Variant:
		if x.Value == nil {
			break
		}
		return decode(x.Value, depth+1)
	case dbus.Array:
		ret := make(List, 0, len(x.Values))
		if x.Elem == "y" {
			// No byte buffer type on the scripting side, so byte
			// arrays become lists of small numbers.
			for _, e := range x.Values {
				if b, ok := e.(dbus.Byte); ok {
					ret = append(ret, Uint(uint64(b)))
				} else {
					ret = append(ret, decode(e, depth+1))
				}
			}
			return ret
		}
		for _, e := range x.Values {
			ret = append(ret, decode(e, depth+1))
		}
		return ret
	case dbus.Struct:
		ret := make(List, 0, len(x))
		for _, f := range x {
			ret = append(ret, decode(f, depth+1))
		}
		return ret
	case dbus.Dict:
		ret := make(Record, 0, len(x.Entries))
		for _, e := range x.Entries {
			ret.Set(keyString(e.Key), decode(e.Value, depth+1))
		}
		return ret
	}

	var sig dbus.Signature
	if v != nil {
		sig = v.Type()
	}
	Logf("dynamic: unhandled DBus value of type %q", sig)
	return Unhandled{Type: sig}
}

// keyString returns the string form of a dict key.
func keyString(k dbus.Value) string {
	switch x := k.(type) {
	case dbus.String:
		return string(x)
	case dbus.ObjectPath:
		return string(x)
	case dbus.Signature:
		return string(x)
	case dbus.Bool:
		return strconv.FormatBool(bool(x))
	case dbus.Double:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case nil:
		return ""
	default:
		if n, ok := decode(k, 0).(Number); ok {
			return n.String()
		}
		return dbus.Repr(k)
	}
}
