package dbus_test

import (
	"errors"
	"testing"

	dbus "github.com/danderson/dyndbus"
)

func TestRepr(t *testing.T) {
	dict, err := dbus.MakeDict("s", "v",
		dbus.DictEntry{dbus.String("a"), dbus.Variant{dbus.Int32(1)}},
		dbus.DictEntry{dbus.String("b"), dbus.Variant{dbus.Bool(false)}},
	)
	if err != nil {
		t.Fatalf("MakeDict failed: %v", err)
	}

	tests := []struct {
		in   []dbus.Value
		want string
	}{
		{nil, ""},
		{[]dbus.Value{dbus.Byte(200)}, "byte:200"},
		{[]dbus.Value{dbus.Bool(true)}, "boolean:true"},
		{[]dbus.Value{dbus.Int16(-3), dbus.Uint16(3)}, "int16:-3 uint16:3"},
		{[]dbus.Value{dbus.Int32(-42), dbus.Uint32(42)}, "int32:-42 uint32:42"},
		{[]dbus.Value{dbus.Int64(-1), dbus.Uint64(1)}, "int64:-1 uint64:1"},
		{[]dbus.Value{dbus.Double(1.5)}, "double:1.5"},
		{[]dbus.Value{dbus.String(`say "hi"`)}, `string:"say \"hi\""`},
		{[]dbus.Value{dbus.ObjectPath("/a/b")}, `objpath:"/a/b"`},
		{[]dbus.Value{dbus.Signature("a{sv}")}, `signature:"a{sv}"`},
		{[]dbus.Value{dbus.UnixFD(0)}, "fd:0"},
		{[]dbus.Value{dbus.Variant{dbus.String("x")}}, `variant string:"x"`},
		{[]dbus.Value{dbus.ByteArray([]byte{1, 2})}, "array [ byte:1 byte:2 ]"},
		{[]dbus.Value{dbus.Array{Elem: "s"}}, "array [ ]"},
		{[]dbus.Value{dbus.Struct{dbus.Int32(1), dbus.String("x")}}, `struct { int32:1 string:"x" }`},
		{[]dbus.Value{dict}, `array [ key string:"a" val variant int32:1 key string:"b" val variant boolean:false ]`},
	}
	for _, tc := range tests {
		if got := dbus.Repr(tc.in...); got != tc.want {
			t.Errorf("Repr(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValueTypes(t *testing.T) {
	tests := []struct {
		in   dbus.Value
		want dbus.Signature
	}{
		{dbus.Byte(1), "y"},
		{dbus.Uint64(1), "t"},
		{dbus.ObjectPath("/"), "o"},
		{dbus.Signature(""), "g"},
		{dbus.Variant{dbus.Int32(1)}, "v"},
		{dbus.Array{Elem: "a{sv}"}, "aa{sv}"},
		{dbus.Struct{dbus.Int32(1), dbus.Array{Elem: "s"}}, "(ias)"},
		{dbus.Dict{Key: "s", Elem: "as"}, "a{sas}"},
	}
	for _, tc := range tests {
		if got := tc.in.Type(); got != tc.want {
			t.Errorf("%#v.Type() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMakeArray(t *testing.T) {
	arr, err := dbus.MakeArray("i", dbus.Int32(1), dbus.Int32(2))
	if err != nil {
		t.Fatalf("MakeArray failed: %v", err)
	}
	if got := arr.Type(); got != "ai" {
		t.Errorf("MakeArray type = %q, want ai", got)
	}

	_, err = dbus.MakeArray("i", dbus.Int32(1), dbus.String("x"))
	var te dbus.TypeError
	if !errors.As(err, &te) {
		t.Errorf("MakeArray with mixed types got err %v, want TypeError", err)
	}
	if _, err := dbus.MakeArray("ii"); err == nil {
		t.Error("MakeArray with multi-type element succeeded")
	}
}

func TestMakeDict(t *testing.T) {
	d, err := dbus.MakeDict("s", "i",
		dbus.DictEntry{dbus.String("one"), dbus.Int32(1)},
		dbus.DictEntry{dbus.String("two"), dbus.Int32(2)},
	)
	if err != nil {
		t.Fatalf("MakeDict failed: %v", err)
	}
	if v, ok := d.Lookup(dbus.String("two")); !ok || v != dbus.Int32(2) {
		t.Errorf("Lookup(two) = %v, %v, want int32:2, true", v, ok)
	}
	if _, ok := d.Lookup(dbus.String("three")); ok {
		t.Error("Lookup(three) found a value")
	}

	tests := []struct {
		name    string
		key     dbus.Signature
		elem    dbus.Signature
		entries []dbus.DictEntry
	}{
		{"duplicate key", "s", "i", []dbus.DictEntry{
			{dbus.String("a"), dbus.Int32(1)},
			{dbus.String("a"), dbus.Int32(2)},
		}},
		{"non-basic key", "v", "i", nil},
		{"wrong key type", "s", "i", []dbus.DictEntry{
			{dbus.Int32(1), dbus.Int32(1)},
		}},
		{"wrong value type", "s", "i", []dbus.DictEntry{
			{dbus.String("a"), dbus.String("b")},
		}},
		{"nil value", "s", "i", []dbus.DictEntry{
			{dbus.String("a"), nil},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := dbus.MakeDict(tc.key, tc.elem, tc.entries...); err == nil {
				t.Error("MakeDict succeeded, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	deep := dbus.Value(dbus.Int32(1))
	for range 70 {
		deep = dbus.Variant{deep}
	}

	tests := []struct {
		name string
		in   dbus.Value
		ok   bool
	}{
		{"scalar", dbus.Int32(1), true},
		{"nil", nil, false},
		{"nul in string", dbus.String("a\x00b"), false},
		{"bad path", dbus.ObjectPath("foo/"), false},
		{"bad signature", dbus.Signature("a{"), false},
		{"empty variant", dbus.Variant{}, false},
		{"empty struct", dbus.Struct{}, false},
		{"mistyped array", dbus.Array{Elem: "i", Values: []dbus.Value{dbus.String("x")}}, false},
		{"nested ok", dbus.Struct{dbus.Variant{dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("x")}}}}, true},
		{"too deep", deep, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := dbus.Validate(tc.in)
			if tc.ok && err != nil {
				t.Errorf("Validate failed: %v", err)
			} else if !tc.ok && err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}

func TestVariantUnwrap(t *testing.T) {
	v := dbus.Variant{dbus.Variant{dbus.Variant{dbus.String("x")}}}
	if got := v.Unwrap(); got != dbus.String("x") {
		t.Errorf("Unwrap() = %v, want string:\"x\"", got)
	}
}

func TestObjectPath(t *testing.T) {
	valid := []dbus.ObjectPath{"/", "/a", "/a/b_c/D9"}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("%q.Valid() = false, want true", p)
		}
	}
	invalid := []dbus.ObjectPath{"", "a", "/a/", "//", "/a//b", "/a-b", "/a.b"}
	for _, p := range invalid {
		if p.Valid() {
			t.Errorf("%q.Valid() = true, want false", p)
		}
	}

	if !dbus.ObjectPath("/a/b").IsChildOf("/a") {
		t.Error("/a/b is not a child of /a")
	}
	if dbus.ObjectPath("/ab").IsChildOf("/a") {
		t.Error("/ab is a child of /a")
	}
	if !dbus.ObjectPath("/a").IsChildOf("/") {
		t.Error("/a is not a child of /")
	}
	if got := dbus.ObjectPath("/a").Child("b"); got != "/a/b" {
		t.Errorf(`Child("b") = %q, want /a/b`, got)
	}
}
