package bridge

import (
	"testing"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
	"github.com/google/go-cmp/cmp"
)

// value returns a property getter for a fixed value.
func value(v dynamic.Value) func() dynamic.Value {
	return func() dynamic.Value { return v }
}

func mustDict(t *testing.T, entries ...dbus.DictEntry) dbus.Dict {
	t.Helper()
	ret, err := dbus.MakeDict("s", "v", entries...)
	if err != nil {
		t.Fatal(err)
	}
	return ret
}

func entry(k string, v dbus.Value) dbus.DictEntry {
	return dbus.DictEntry{Key: dbus.String(k), Value: dbus.Variant{Value: v}}
}

// GetAll keys properties by their unmangled bus name, keeping the
// case that follows the "rc" prefix, so every key is accepted by Get.
func TestGetAllKeepsBusCase(t *testing.T) {
	reg := &Registry{}
	reg.AddProperty(Property{Name: "needUpdate", Get: value(dynamic.Bool(true))})
	reg.AddProperty(Property{Name: "rcCount", Hint: "i", Get: value(dynamic.Int(5))})
	var logs logCapture
	d := &Dispatcher{Registry: reg, Logf: logs.logf}

	got, err := d.GetAll("org.example.Test")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := mustDict(t,
		entry("needUpdate", dbus.Bool(true)),
		entry("Count", dbus.Int32(5)),
	)
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("GetAll wrong result (-got+want):\n%s", diff)
	}
	for _, e := range got.Entries {
		name := string(e.Key.(dbus.String))
		v, err := d.Get("org.example.Test", name)
		if err != nil {
			t.Errorf("Get(%q) of a GetAll key: %v", name, err)
			continue
		}
		if diff := cmp.Diff(v, e.Value.(dbus.Variant).Value); diff != "" {
			t.Errorf("Get(%q) disagrees with GetAll (-got+want):\n%s", name, diff)
		}
	}
}

func TestPanickingTypeHint(t *testing.T) {
	reg := &Registry{}
	reg.AddProperty(Property{Name: "rcLevel", Get: value(dynamic.Int(1))})
	reg.AddProperty(Property{Name: "typeinfo_rcLevel", Get: func() dynamic.Value { panic("boom") }})
	reg.AddProperty(Property{Name: "label", Get: value(dynamic.String("hi"))})
	var logs logCapture
	d := &Dispatcher{Registry: reg, Logf: logs.logf}

	res := d.Dispatch(ifaceProps, "Get", []dbus.Value{dbus.String("org.example.Test"), dbus.String("Level")})
	if res.Status != Failed {
		t.Errorf("Get(Level) status = %v, want Failed", res.Status)
	}
	if testing.Verbose() {
		t.Log(res.Err)
	}

	got, err := d.GetAll("org.example.Test")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := mustDict(t, entry("label", dbus.String("hi")))
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("GetAll wrong result (-got+want):\n%s", diff)
	}
	if len(logs.get()) != 1 {
		t.Errorf("expected one log line for the panicking hint, got %q", logs.get())
	}
}

func TestGetAllTypeInfo(t *testing.T) {
	reg := &Registry{}
	reg.AddProperty(Property{Name: "rcLevel", Get: value(dynamic.Int(-1))})
	reg.AddProperty(Property{Name: "typeinfo_rcLevel", Get: value(dynamic.String("y"))})
	reg.AddProperty(Property{Name: "rcTags", Get: value(dynamic.List{dynamic.String("a")})})
	reg.AddProperty(Property{Name: "typeinfo_rcTags", Get: value(dynamic.String("as"))})
	reg.AddProperty(Property{Name: "rcPaths", Get: value(dynamic.List{dynamic.String("/x")})})
	reg.AddProperty(Property{Name: "typeinfo_rcPaths", Get: value(dynamic.String("ao"))})
	reg.AddProperty(Property{Name: "unset", Get: value(dynamic.Undefined{})})
	reg.AddProperty(Property{Name: "broken", Hint: "o", Get: value(dynamic.String("not a path"))})
	reg.AddProperty(Property{Name: "writeOnly", Set: func(dynamic.Value) error { return nil }})
	reg.AddProperty(Property{Name: "rcAny", Hint: "v", Get: value(dynamic.Uint(3))})
	var logs logCapture
	d := &Dispatcher{Registry: reg, Logf: logs.logf}

	got, err := d.GetAll("org.example.Test")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := mustDict(t,
		entry("Level", dbus.Byte(0xff)),
		entry("Tags", dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("a")}}),
		entry("Paths", dbus.Array{Elem: "o", Values: []dbus.Value{dbus.ObjectPath("/x")}}),
		entry("Any", dbus.Uint32(3)),
	)
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("GetAll wrong result (-got+want):\n%s", diff)
	}
	if len(logs.get()) != 1 {
		t.Errorf("expected one log line for the broken property, got %q", logs.get())
	}
}

func TestPropertyGet(t *testing.T) {
	reg := &Registry{}
	reg.AddProperty(Property{Name: "rcCount", Hint: "q", Get: value(dynamic.Int(65537))})
	reg.AddProperty(Property{Name: "label", Get: value(dynamic.String("hi"))})
	reg.AddProperty(Property{Name: "rcEmpty", Get: value(dynamic.Null{})})
	d := &Dispatcher{Registry: reg}

	tests := []struct {
		name   string
		status Status
		reply  []dbus.Value
	}{
		{"Count", Invoked, []dbus.Value{dbus.Variant{Value: dbus.Uint16(1)}}},
		{"label", Invoked, []dbus.Value{dbus.Variant{Value: dbus.String("hi")}}},
		{"Empty", Failed, nil},
		{"rcCount", Invoked, []dbus.Value{dbus.Variant{Value: dbus.Uint16(1)}}},
		{"Missing", NoMatch, nil},
	}
	for _, tc := range tests {
		res := d.Dispatch(ifaceProps, "Get", []dbus.Value{dbus.String("org.example.Test"), dbus.String(tc.name)})
		if res.Status != tc.status {
			t.Errorf("Get(%q) status = %v, want %v", tc.name, res.Status, tc.status)
			continue
		}
		if diff := cmp.Diff(res.Reply, tc.reply); diff != "" {
			t.Errorf("Get(%q) wrong reply (-got+want):\n%s", tc.name, diff)
		}
	}

	// Malformed property calls are not handled.
	if res := d.Dispatch(ifaceProps, "Get", []dbus.Value{dbus.String("label")}); res.Status != NoMatch {
		t.Errorf("Get with one argument = %v, want NoMatch", res.Status)
	}
	if res := d.Dispatch(ifaceProps, "Frob", nil); res.Status != NoMatch {
		t.Errorf("Properties.Frob = %v, want NoMatch", res.Status)
	}
}

func TestPropertySet(t *testing.T) {
	var count dynamic.Value = dynamic.Int(0)
	reg := &Registry{}
	reg.AddProperty(Property{
		Name: "rcCount",
		Get:  func() dynamic.Value { return count },
		Set: func(v dynamic.Value) error {
			count = v
			return nil
		},
	})
	reg.AddProperty(Property{Name: "fixed", Get: value(dynamic.Bool(true))})
	var logs logCapture
	d := &Dispatcher{Registry: reg, Logf: logs.logf}

	set := func(name string, v dbus.Value) Result {
		return d.Dispatch(ifaceProps, "Set", []dbus.Value{dbus.String("org.example.Test"), dbus.String(name), v})
	}

	if res := set("Count", dbus.Variant{Value: dbus.Int32(12)}); res.Status != Invoked {
		t.Fatalf("Set(Count) = %v (%v), want Invoked", res.Status, res.Err)
	}
	if diff := cmp.Diff(count, dynamic.Value(dynamic.Int(12))); diff != "" {
		t.Errorf("Count after Set wrong (-got+want):\n%s", diff)
	}

	if res := set("Count", dbus.Variant{Value: dbus.Array{Elem: "s", Values: []dbus.Value{dbus.String("x")}}}); res.Status != Invoked {
		t.Fatalf("Set(Count) = %v (%v), want Invoked", res.Status, res.Err)
	}
	if diff := cmp.Diff(count, dynamic.Value(dynamic.List{dynamic.String("x")})); diff != "" {
		t.Errorf("Count after Set wrong (-got+want):\n%s", diff)
	}

	// Unknown properties are ignored.
	if res := set("Missing", dbus.Variant{Value: dbus.Bool(true)}); res.Status != Invoked || res.Err != nil {
		t.Errorf("Set(Missing) = %v (%v), want silent success", res.Status, res.Err)
	}
	if len(logs.get()) != 1 {
		t.Errorf("expected one log line for the unknown property, got %q", logs.get())
	}

	if res := set("fixed", dbus.Variant{Value: dbus.Bool(false)}); res.Status != Failed {
		t.Errorf("Set(fixed) = %v, want Failed", res.Status)
	}
}
