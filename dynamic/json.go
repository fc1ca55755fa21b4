package dynamic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/tidwall/jsonc"
)

// ParseJSON parses a JSON document into a dynamic value. The document
// may contain comments and trailing commas.
//
// Objects become Records with their fields in document order.
// Integral numbers become Int or Uint numbers, all other numbers
// become Float.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	ret, err := parseJSONValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return ret, nil
}

func parseJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return parseJSONNumber(t)
	case json.Delim:
		switch t {
		case '[':
			ret := List{}
			for dec.More() {
				v, err := parseJSONValue(dec)
				if err != nil {
					return nil, err
				}
				ret = append(ret, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return ret, nil
		case '{':
			ret := Record{}
			for dec.More() {
				k, err := dec.Token()
				if err != nil {
					return nil, err
				}
				name, ok := k.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", k)
				}
				v, err := parseJSONValue(dec)
				if err != nil {
					return nil, err
				}
				ret.Set(name, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return ret, nil
		}
	}
	return nil, fmt.Errorf("unexpected JSON token %v", tok)
}

func parseJSONNumber(n json.Number) (Value, error) {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return Int(i), nil
	}
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return Uint(u), nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return Float(f), nil
}

// MarshalJSON renders v as JSON. Undefined, Func and Unhandled values
// render as null.
func MarshalJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch x := v.(type) {
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(x)))
	case Number:
		if f := x.Float64(); x.Rep() == RepFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return fmt.Errorf("cannot represent %v in JSON", f)
		}
		buf.WriteString(x.String())
	case String:
		bs, err := json.Marshal(string(x))
		if err != nil {
			return err
		}
		buf.Write(bs)
	case List:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Record:
		buf.WriteByte('{')
		for i, f := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			bs, err := json.Marshal(f.Name)
			if err != nil {
				return err
			}
			buf.Write(bs)
			buf.WriteByte(':')
			if err := writeJSON(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
	return nil
}
