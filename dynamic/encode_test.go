package dynamic_test

import (
	"errors"
	"testing"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeInfer(t *testing.T) {
	tests := []struct {
		name string
		in   dynamic.Value
		want dbus.Value
	}{
		{"bool", dynamic.Bool(true), dbus.Bool(true)},
		{"string", dynamic.String("x"), dbus.String("x")},
		{"int", dynamic.Int(-3), dbus.Int32(-3)},
		{"big int", dynamic.Int(1 << 40), dbus.Int64(1 << 40)},
		{"uint", dynamic.Uint(3), dbus.Uint32(3)},
		{"big uint", dynamic.Uint(1 << 40), dbus.Uint64(1 << 40)},
		{"float", dynamic.Float(2.5), dbus.Double(2.5)},
		{
			"string list",
			dynamic.List{dynamic.String("a"), dynamic.String("b")},
			dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("a"), dbus.String("b")}},
		},
		{
			"int list",
			dynamic.List{dynamic.Int(1), dynamic.Int(2)},
			dbus.Array{Elem: "i", Values: []dbus.Value{dbus.Int32(1), dbus.Int32(2)}},
		},
		{
			"wide int list",
			dynamic.List{dynamic.Int(1), dynamic.Int(1 << 40)},
			dbus.Array{Elem: "x", Values: []dbus.Value{dbus.Int64(1), dbus.Int64(1 << 40)}},
		},
		{
			"uint list",
			dynamic.List{dynamic.Uint(1)},
			dbus.Array{Elem: "u", Values: []dbus.Value{dbus.Uint32(1)}},
		},
		{
			"mixed number list",
			dynamic.List{dynamic.Int(1), dynamic.Float(0.5)},
			dbus.Array{Elem: "d", Values: []dbus.Value{dbus.Double(1), dbus.Double(0.5)}},
		},
		{
			"bool list",
			dynamic.List{dynamic.Bool(true), dynamic.Bool(false)},
			dbus.Array{Elem: "b", Values: []dbus.Value{dbus.Bool(true), dbus.Bool(false)}},
		},
		{
			"mixed list",
			dynamic.List{dynamic.String("a"), dynamic.Int(1)},
			dbus.Array{Elem: "v", Values: []dbus.Value{
				dbus.Variant{Value: dbus.String("a")},
				dbus.Variant{Value: dbus.Int32(1)},
			}},
		},
		{"empty list", dynamic.List{}, dbus.Array{Elem: "v", Values: []dbus.Value{}}},
		{
			"nested list",
			dynamic.List{dynamic.List{dynamic.String("a")}},
			dbus.Array{Elem: "v", Values: []dbus.Value{
				dbus.Variant{Value: dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("a")}}},
			}},
		},
		{
			"record",
			dynamic.Record{{"b", dynamic.Bool(true)}, {"a", dynamic.Int(5)}},
			dbus.Dict{Key: "s", Elem: "v", Entries: []dbus.DictEntry{
				{Key: dbus.String("b"), Value: dbus.Variant{Value: dbus.Bool(true)}},
				{Key: dbus.String("a"), Value: dbus.Variant{Value: dbus.Int32(5)}},
			}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := dynamic.Encode(tc.in, dynamic.NoHint)
			if err != nil {
				t.Fatalf("Encode(%s) failed: %v", dynamic.Format(tc.in), err)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Encode(%s) wrong result (-got+want):\n%s", dynamic.Format(tc.in), diff)
			}
			if err := dbus.Validate(got); err != nil {
				t.Errorf("Encode(%s) produced invalid value: %v", dynamic.Format(tc.in), err)
			}
		})
	}
}

func TestEncodeHint(t *testing.T) {
	tests := []struct {
		in   dynamic.Value
		hint dynamic.Hint
		want dbus.Value
	}{
		{dynamic.Int(5), "y", dbus.Byte(5)},
		{dynamic.Int(-1), "y", dbus.Byte(0xff)},
		{dynamic.Int(-200), "n", dbus.Int16(-200)},
		{dynamic.Int(70000), "q", dbus.Uint16(70000 - 65536)},
		{dynamic.Float(3.9), "i", dbus.Int32(3)},
		{dynamic.Float(-3.9), "i", dbus.Int32(-3)},
		{dynamic.Int(1 << 32), "i", dbus.Int32(0)},
		{dynamic.Int(-1), "u", dbus.Uint32(0xffffffff)},
		{dynamic.Int(3), "h", dbus.UnixFD(3)},
		{dynamic.Int(-1), "x", dbus.Int64(-1)},
		{dynamic.Int(1 << 33), "x", dbus.Int64(0)},
		{dynamic.Int(-1), "t", dbus.Uint64(0xffffffff)},
		{dynamic.Int(0), "b", dbus.Bool(false)},
		{dynamic.String("yes"), "b", dbus.Bool(true)},
		{dynamic.Int(2), "d", dbus.Double(2)},
		{dynamic.String("1.5"), "d", dbus.Double(1.5)},
		{dynamic.Int(42), "s", dbus.String("42")},
		{dynamic.String("/a/b"), "o", dbus.ObjectPath("/a/b")},
		{dynamic.String("a{sv}"), "g", dbus.Signature("a{sv}")},
		{dynamic.Int(1), "v", dbus.Variant{Value: dbus.Int32(1)}},
		{
			dynamic.List{dynamic.String("x"), dynamic.String("y")},
			"as",
			dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("x"), dbus.String("y")}},
		},
		{
			dynamic.List{dynamic.Int(1), dynamic.Int(-1)},
			"ay",
			dbus.Array{Elem: "y", Values: []dbus.Value{dbus.Byte(1), dbus.Byte(0xff)}},
		},
		{
			dynamic.List{dynamic.Int(1), dynamic.String("a")},
			"av",
			dbus.Array{Elem: "v", Values: []dbus.Value{dbus.Variant{Value: dbus.Int32(1)}, dbus.Variant{Value: dbus.String("a")}}},
		},
		{dynamic.List{}, "ao", dbus.Array{Elem: "o", Values: []dbus.Value{}}},
	}

	for _, tc := range tests {
		got, err := dynamic.Encode(tc.in, tc.hint)
		if err != nil {
			t.Errorf("Encode(%s, %q) failed: %v", dynamic.Format(tc.in), tc.hint, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("Encode(%s, %q) wrong result (-got+want):\n%s", dynamic.Format(tc.in), tc.hint, diff)
		}
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   dynamic.Value
		hint dynamic.Hint
	}{
		{"undefined", dynamic.Undefined{}, dynamic.NoHint},
		{"null", dynamic.Null{}, dynamic.NoHint},
		{"func", dynamic.Func(nil), dynamic.NoHint},
		{"missing hinted value", dynamic.Undefined{}, "i"},
		{"null hinted value", dynamic.Null{}, "s"},
		{"record as int", dynamic.Record{}, "i"},
		{"non-numeric string", dynamic.String("abc"), "i"},
		{"bad object path", dynamic.String("not a path"), "o"},
		{"bad signature", dynamic.String("a{"), "g"},
		{"array hint on scalar", dynamic.String("x"), "as"},
		{"bad array element", dynamic.List{dynamic.Int(1), dynamic.Null{}}, "ai"},
		{"list with func", dynamic.List{dynamic.Int(1), dynamic.Func(nil)}, dynamic.NoHint},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := dynamic.Encode(tc.in, tc.hint)
			if err == nil {
				t.Fatalf("Encode succeeded with %s, want error", dbus.Repr(got))
			}
			var ee *dynamic.EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("Encode error %v is not an EncodeError", err)
			}
			if ee.Index != -1 || ee.Hint != tc.hint {
				t.Errorf("EncodeError{Index: %d, Hint: %q}, want {-1, %q}", ee.Index, ee.Hint, tc.hint)
			}
		})
	}
}

// A list of same-kind scalars survives encoding with inference and
// decoding unchanged.
func TestHomogeneousListRoundTrip(t *testing.T) {
	tests := []dynamic.List{
		{dynamic.String("a"), dynamic.String(""), dynamic.String("ccc")},
		{dynamic.Bool(true), dynamic.Bool(false), dynamic.Bool(true)},
		{dynamic.Int(0), dynamic.Int(-2147483648), dynamic.Int(2147483647)},
		{dynamic.Float(0.5), dynamic.Float(-1e300), dynamic.Float(3)},
	}
	for _, in := range tests {
		enc, err := dynamic.Encode(in, dynamic.NoHint)
		if err != nil {
			t.Errorf("Encode(%s) failed: %v", dynamic.Format(in), err)
			continue
		}
		if _, ok := enc.(dbus.Array); !ok || enc.Type() == "av" {
			t.Errorf("Encode(%s) = %s, want a typed array", dynamic.Format(in), dbus.Repr(enc))
		}
		got := dynamic.Decode(enc)
		if diff := cmp.Diff(got, dynamic.Value(in)); diff != "" {
			t.Errorf("round trip of %s wrong (-got+want):\n%s", dynamic.Format(in), diff)
		}
	}
}

func TestNarrowIntegerSign(t *testing.T) {
	// Numbers that fit the narrow type encode exactly as a native
	// two's complement truncation. Numbers that don't keep their low
	// bits and take the top bit from their sign.
	tests := []struct {
		in        int64
		wantByte  uint8
		wantInt16 int16
	}{
		{-1, 0xff, -1},
		{-128, 0x80, -128},
		{-129, 0xff, -129},
		{127, 0x7f, 127},
		{128, 0x00, 128},
		{0, 0x00, 0},
		{32767, 0x7f, 32767},
		{-32768, 0x80, -32768},
		{-32769, 0xff, -1},
		{32768, 0x00, 0},
	}
	for _, tc := range tests {
		in := dynamic.Int(tc.in)

		y, err := dynamic.Encode(in, "y")
		if err != nil {
			t.Fatalf("Encode(%d, y) failed: %v", tc.in, err)
		}
		if got := uint8(y.(dbus.Byte)); got != tc.wantByte {
			t.Errorf("Encode(%d, y) = %#x, want %#x", tc.in, got, tc.wantByte)
		}
		if tc.in >= -128 && tc.in <= 127 && int8(y.(dbus.Byte)) != int8(tc.in) {
			t.Errorf("Encode(%d, y) = %d as int8, want native truncation %d", tc.in, int8(y.(dbus.Byte)), int8(tc.in))
		}

		n, err := dynamic.Encode(in, "n")
		if err != nil {
			t.Fatalf("Encode(%d, n) failed: %v", tc.in, err)
		}
		if got := int16(n.(dbus.Int16)); got != tc.wantInt16 {
			t.Errorf("Encode(%d, n) = %d, want %d", tc.in, got, tc.wantInt16)
		}
		back := dynamic.Decode(n).(dynamic.Number)
		if back.Int64() != int64(tc.wantInt16) {
			t.Errorf("Decode(Encode(%d, n)) = %s, want %d", tc.in, back, tc.wantInt16)
		}
	}
}

func TestEncodeTyped(t *testing.T) {
	typed := func(typ string, v dynamic.Value) dynamic.Record {
		return dynamic.Record{{"type", dynamic.String(typ)}, {"value", v}}
	}

	args := dynamic.List{
		typed("s", dynamic.String("hello")),
		typed("u", dynamic.Int(7)),
		typed("as", dynamic.List{dynamic.String("a")}),
	}
	got, err := dynamic.EncodeTypedArgs(args)
	if err != nil {
		t.Fatalf("EncodeTypedArgs failed: %v", err)
	}
	want := []dbus.Value{
		dbus.String("hello"),
		dbus.Uint32(7),
		dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("a")}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("EncodeTypedArgs wrong result (-got+want):\n%s", diff)
	}

	single, err := dynamic.EncodeTypedArgs(typed("b", dynamic.Bool(true)))
	if err != nil {
		t.Fatalf("EncodeTypedArgs(single) failed: %v", err)
	}
	if diff := cmp.Diff(single, []dbus.Value{dbus.Bool(true)}); diff != "" {
		t.Errorf("EncodeTypedArgs(single) wrong result (-got+want):\n%s", diff)
	}

	none, err := dynamic.EncodeTypedArgs(dynamic.Undefined{})
	if err != nil || len(none) != 0 {
		t.Errorf("EncodeTypedArgs(undefined) = %v, %v, want no args", none, err)
	}

	bad := []struct {
		name  string
		args  dynamic.Value
		index int
	}{
		{"missing value", dynamic.List{typed("s", dynamic.String("ok")), typed("i", dynamic.Undefined{})}, 1},
		{"bad type", dynamic.List{typed("z", dynamic.Int(1))}, 0},
		{"no type", dynamic.List{dynamic.Record{{"value", dynamic.Int(1)}}}, 0},
		{"not a record", dynamic.List{typed("s", dynamic.String("ok")), typed("s", dynamic.String("ok")), dynamic.Int(1)}, 2},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			got, err := dynamic.EncodeTypedArgs(tc.args)
			if err == nil {
				t.Fatalf("EncodeTypedArgs succeeded with %s, want error", dbus.Repr(got...))
			}
			if got != nil {
				t.Errorf("EncodeTypedArgs returned partial arguments %s", dbus.Repr(got...))
			}
			var ee *dynamic.EncodeError
			if !errors.As(err, &ee) || ee.Index != tc.index {
				t.Errorf("EncodeTypedArgs error = %v, want EncodeError at index %d", err, tc.index)
			}
		})
	}
}

func TestEncodeArgs(t *testing.T) {
	got, err := dynamic.EncodeArgs(dynamic.List{dynamic.String("a"), dynamic.Int(1), dynamic.List{dynamic.Bool(true)}})
	if err != nil {
		t.Fatalf("EncodeArgs failed: %v", err)
	}
	want := []dbus.Value{
		dbus.String("a"),
		dbus.Int32(1),
		dbus.Array{Elem: "b", Values: []dbus.Value{dbus.Bool(true)}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("EncodeArgs wrong result (-got+want):\n%s", diff)
	}

	got, err = dynamic.EncodeArgs(dynamic.String("solo"))
	if err != nil {
		t.Fatalf("EncodeArgs(single) failed: %v", err)
	}
	if diff := cmp.Diff(got, []dbus.Value{dbus.String("solo")}); diff != "" {
		t.Errorf("EncodeArgs(single) wrong result (-got+want):\n%s", diff)
	}

	if _, err := dynamic.EncodeArgs(dynamic.List{dynamic.Int(1), dynamic.Null{}}); err == nil {
		t.Error("EncodeArgs with a null argument succeeded")
	}
}

func TestParseHint(t *testing.T) {
	for _, s := range []string{"", "y", "n", "q", "i", "u", "h", "x", "t", "b", "d", "s", "o", "g", "v", "as", "ay", "av", "ao"} {
		h, err := dynamic.ParseHint(s)
		if err != nil {
			t.Errorf("ParseHint(%q) failed: %v", s, err)
		}
		if string(h) != s {
			t.Errorf("ParseHint(%q) = %q", s, h)
		}
	}
	for _, s := range []string{"a", "z", "aa", "a{", "(i)", "ii", "asv"} {
		if h, err := dynamic.ParseHint(s); err == nil {
			t.Errorf("ParseHint(%q) = %q, want error", s, h)
		}
	}

	h := dynamic.Hint("as")
	if !h.IsArray() || h.Elem() != "s" {
		t.Errorf("Hint(as): IsArray=%v Elem=%q, want true, s", h.IsArray(), h.Elem())
	}
}
