package dbus_test

import (
	"testing"

	dbus "github.com/danderson/dyndbus"
	"github.com/google/go-cmp/cmp"
)

const testIntrospection = dbus.IntrospectionDocType + `
<node>
  <interface name="org.example.Player">
    <method name="Play"><arg name="uri" type="s" direction="in"/></method>
    <signal name="Stopped"/>
    <signal name="Seeked"><arg name="pos" type="x"/></signal>
    <signal name="Changed">
      <arg type="a{sv}"/>
      <annotation name="org.freedesktop.DBus.Deprecated" value="true"/>
    </signal>
    <property name="Volume" type="d" access="readwrite"/>
  </interface>
  <interface name="org.example.Empty"/>
  <node name="tracks"/>
  <node name="queue/next"/>
</node>`

func TestParseIntrospection(t *testing.T) {
	desc, err := dbus.ParseIntrospection(testIntrospection)
	if err != nil {
		t.Fatalf("ParseIntrospection: %v", err)
	}

	tests := []struct {
		iface string
		want  []string
	}{
		{"org.example.Player", []string{"Stopped", "Seeked", "Changed"}},
		{"org.example.Empty", []string{}},
		{"org.example.Missing", nil},
	}
	for _, tc := range tests {
		got := desc.SignalNames(tc.iface)
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("SignalNames(%q) wrong result (-got+want):\n%s", tc.iface, diff)
		}
	}

	if diff := cmp.Diff(desc.Children, []string{"tracks", "queue/next"}); diff != "" {
		t.Errorf("wrong children (-got+want):\n%s", diff)
	}

	player := desc.Interfaces["org.example.Player"]
	wantStr := `interface org.example.Player {
  method Play(uri s)
  signal Changed(a{sv}) [deprecated]
  signal Seeked(pos x)
  signal Stopped()
  property Volume d readwrite
}`
	if diff := cmp.Diff(player.String(), wantStr); diff != "" {
		t.Errorf("wrong interface description (-got+want):\n%s", diff)
	}
	if !player.Signals[2].Deprecated {
		t.Error("Changed signal not marked deprecated")
	}
	if len(player.Signals[0].Args) != 0 {
		t.Errorf("Stopped signal has args %v, want none", player.Signals[0].Args)
	}
}

func TestParseIntrospectionErrors(t *testing.T) {
	bad := []string{
		`<node><interface name="x"><signal name="S"><arg type="a"/></signal></interface></node>`,
		`<node><interface name="x"><property name="P" type="s" access="sometimes"/></interface></node>`,
		`<node`,
	}
	for _, doc := range bad {
		if _, err := dbus.ParseIntrospection(doc); err == nil {
			t.Errorf("ParseIntrospection(%q) succeeded, want error", doc)
		}
	}
}
