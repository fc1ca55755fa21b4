package dynamic

import (
	"fmt"
	"strings"
)

// A Hint names the DBus type that a dynamic value should be encoded
// as.
//
// A hint is a single basic type code (one of "ynqiuhxtbdsogv"), or
// "a" followed by one such code for an array of that type. The empty
// hint NoHint asks the encoder to infer a type.
type Hint string

// NoHint is the empty hint, which selects type inference.
const NoHint Hint = ""

const hintCodes = "ynqiuhxtbdsogv"

// ParseHint validates s as a type hint.
func ParseHint(s string) (Hint, error) {
	switch {
	case s == "":
		return NoHint, nil
	case len(s) == 1 && strings.IndexByte(hintCodes, s[0]) >= 0:
		return Hint(s), nil
	case len(s) == 2 && s[0] == 'a' && strings.IndexByte(hintCodes, s[1]) >= 0:
		return Hint(s), nil
	default:
		return "", fmt.Errorf("invalid type hint %q", s)
	}
}

// IsArray reports whether h is an array hint.
func (h Hint) IsArray() bool {
	return len(h) == 2
}

// Elem returns the element hint of an array hint.
func (h Hint) Elem() Hint {
	if !h.IsArray() {
		return NoHint
	}
	return h[1:]
}
