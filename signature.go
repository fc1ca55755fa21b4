package dbus

import (
	"errors"
	"fmt"
	"strings"
)

// A Signature describes the type of a DBus value, in the string
// encoding described in the DBus specification.
//
// A Signature is itself a Value, of type "g".
type Signature string

const (
	// maxSignatureLen is the longest signature the wire format can
	// carry.
	maxSignatureLen = 255
	// maxContainerDepth is the maximum nesting of arrays, and
	// separately of structs, within a single signature.
	maxContainerDepth = 32
)

// ParseSignature validates a DBus type signature string.
//
// A valid signature is a sequence of zero or more complete types.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		rest, err = parseOne(rest, false, 0, 0)
		if err != nil {
			return "", fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return Signature(sig), nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes the first complete type from the front of sig,
// and returns the remainder of the type string.
func parseOne(sig string, inArray bool, arrays, structs int) (rest string, err error) {
	if sig == "" {
		return "", errors.New("missing type")
	}
	if basicTypes.Has(sig[0]) || sig[0] == 'v' {
		return sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		if arrays >= maxContainerDepth {
			return "", errors.New("arrays nested too deeply")
		}
		return parseOne(sig[1:], true, arrays+1, structs)
	case '(':
		if structs >= maxContainerDepth {
			return "", errors.New("structs nested too deeply")
		}
		rest := sig[1:]
		fields := 0
		for rest != "" && rest[0] != ')' {
			rest, err = parseOne(rest, false, arrays, structs+1)
			if err != nil {
				return "", err
			}
			fields++
		}
		if rest == "" {
			return "", errors.New("missing closing ) in struct definition")
		}
		if fields == 0 {
			return "", errors.New("empty struct")
		}
		return rest[1:], nil
	case '{':
		if !inArray {
			return "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 || !basicTypes.Has(sig[1]) {
			return "", errors.New("invalid dict entry key type, must be a dbus basic type")
		}
		rest, err := parseOne(sig[2:], false, arrays, structs+1)
		if err != nil {
			return "", err
		}
		if rest == "" || rest[0] != '}' {
			return "", errors.New("missing closing } in dict entry definition")
		}
		return rest[1:], nil
	default:
		return "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}

// Split returns the complete types that make up s, in order.
func (s Signature) Split() ([]Signature, error) {
	var ret []Signature
	rest := string(s)
	for rest != "" {
		next, err := parseOne(rest, false, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("invalid type signature %q: %w", s, err)
		}
		ret = append(ret, Signature(rest[:len(rest)-len(next)]))
		rest = next
	}
	return ret, nil
}

// IsSingle reports whether s is exactly one complete type.
func (s Signature) IsSingle() bool {
	if s == "" {
		return false
	}
	rest, err := parseOne(string(s), false, 0, 0)
	return err == nil && rest == ""
}

// IsBasic reports whether s is a single basic type, which can be used
// as a dict key.
func (s Signature) IsBasic() bool {
	return len(s) == 1 && basicTypes.Has(s[0])
}

// ArrayElem returns the element type of an array signature. Dict
// signatures are arrays of dict entries, and return the dict entry
// type.
func (s Signature) ArrayElem() (Signature, bool) {
	if len(s) < 2 || s[0] != 'a' {
		return "", false
	}
	return s[1:], true
}

// DictTypes returns the key and value types of a dict signature.
func (s Signature) DictTypes() (key, value Signature, ok bool) {
	if len(s) < 5 || !strings.HasPrefix(string(s), "a{") || s[len(s)-1] != '}' {
		return "", "", false
	}
	return s[2:3], s[3 : len(s)-1], true
}

// TypeName returns a human-readable name for the outermost type in
// s, such as "int32" or "array".
func (s Signature) TypeName() string {
	if s == "" {
		return "void"
	}
	if _, _, ok := s.DictTypes(); ok {
		return "dict"
	}
	if n, ok := typeNames[s[0]]; ok {
		return n
	}
	return "unknown"
}

func (s Signature) String() string { return string(s) }

func (Signature) Type() Signature { return "g" }
func (Signature) isValue()        {}
