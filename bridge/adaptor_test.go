package bridge

import (
	"context"
	"testing"

	dbus "github.com/danderson/dyndbus"
	"github.com/danderson/dyndbus/dynamic"
	"github.com/google/go-cmp/cmp"
)

func newTestAdaptor(t *testing.T, service string) (*Adaptor, *fakeBus) {
	t.Helper()
	var hits dynamic.Value = dynamic.Int(0)
	reg := &Registry{}
	reg.AddMethod("rcAdd", []ParamKind{Number, Number}, func(args dynamic.List) (dynamic.Value, error) {
		a, b := args[0].(dynamic.Number), args[1].(dynamic.Number)
		return dynamic.Int(a.Int64() + b.Int64()), nil
	})
	reg.AddMethod("rcPoke", nil, func(dynamic.List) (dynamic.Value, error) {
		hits = dynamic.Int(hits.(dynamic.Number).Int64() + 1)
		return nil, nil
	})
	reg.AddSignal("rcPoked", []ParamKind{String}, nil)
	reg.AddProperty(Property{Name: "rcHits", Hint: "u", Get: func() dynamic.Value { return hits }})

	bus := newFakeBus(t)
	a := &Adaptor{
		Service:   service,
		Path:      "/org/example/Obj",
		Interface: "org.example.Iface",
		XML:       "<node/>",
		Registry:  reg,
		Logf:      t.Logf,
	}
	if err := a.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a, bus
}

func TestAdaptorStart(t *testing.T) {
	_, bus := newTestAdaptor(t, "org.example.Service")
	if diff := cmp.Diff(bus.names, []string{"org.example.Service"}); diff != "" {
		t.Errorf("wrong names requested (-got+want):\n%s", diff)
	}
	if bus.exports["/org/example/Obj"] == nil {
		t.Error("object not exported")
	}

	_, bus = newTestAdaptor(t, "")
	if len(bus.names) != 0 {
		t.Errorf("requested names %q without a service name", bus.names)
	}
	if bus.exports["/org/example/Obj"] == nil {
		t.Error("object not exported without a service name")
	}
}

func TestAdaptorHandle(t *testing.T) {
	a, bus := newTestAdaptor(t, "org.example.Service")

	call := func(iface, member string, flags dbus.MessageFlags, body ...dbus.Value) *dbus.Message {
		return &dbus.Message{
			Type:      dbus.MsgCall,
			Flags:     flags,
			Serial:    99,
			Sender:    ":1.7",
			Path:      a.Path,
			Interface: iface,
			Member:    member,
			Body:      body,
		}
	}

	tests := []struct {
		name    string
		msg     *dbus.Message
		handled bool
		reply   string
	}{
		{
			name:    "method with reply",
			msg:     call("org.example.Iface", "Add", 0, dbus.Int32(2), dbus.Uint32(3)),
			handled: true,
			reply:   "return int32:5",
		},
		{
			name:    "method without result",
			msg:     call("org.example.Iface", "Poke", 0),
			handled: true,
			reply:   "return ",
		},
		{
			name:    "no reply expected",
			msg:     call("org.example.Iface", "Poke", dbus.FlagNoReplyExpected),
			handled: true,
		},
		{
			name:    "property",
			msg:     call(ifaceProps, "Get", 0, dbus.String("org.example.Iface"), dbus.String("Hits")),
			handled: true,
			reply:   "return variant uint32:2",
		},
		{
			name:    "wrong argument kinds",
			msg:     call("org.example.Iface", "Add", 0, dbus.String("2"), dbus.Uint32(3)),
			handled: false,
		},
		{
			name:    "introspection",
			msg:     call(ifaceIntrospect, "Introspect", 0),
			handled: false,
		},
		{
			name:    "read-only property",
			msg:     call(ifaceProps, "Set", 0, dbus.String("org.example.Iface"), dbus.String("Hits"), dbus.Variant{Value: dbus.Int32(0)}),
			handled: true,
			reply:   "error org.freedesktop.DBus.Error.Failed",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handled, reply := bus.deliver(tc.msg)
			if handled != tc.handled {
				t.Fatalf("handled = %v, want %v", handled, tc.handled)
			}
			var got string
			if reply != nil {
				if reply.ReplySerial != 99 || reply.Destination != ":1.7" {
					t.Errorf("reply not addressed to caller: %s", reply)
				}
				if reply.Type == dbus.MsgError {
					got = "error " + reply.ErrName
				} else {
					got = "return " + dbus.Repr(reply.Body...)
				}
			}
			if got != tc.reply {
				t.Errorf("reply = %q, want %q", got, tc.reply)
			}
		})
	}
}

// signalsSent returns a summary of the signals sent on bus.
func signalsSent(bus *fakeBus) []string {
	var ret []string
	for _, m := range bus.takeSent() {
		if m.Type != dbus.MsgSignal {
			continue
		}
		ret = append(ret, m.Path.String()+" "+m.Interface+"."+m.Member+" "+dbus.Repr(m.Body...))
	}
	return ret
}

func TestAdaptorSignals(t *testing.T) {
	ctx := context.Background()
	a, bus := newTestAdaptor(t, "org.example.Service")

	if err := a.EmitSignal(ctx, "Changed", dynamic.List{dynamic.String("a"), dynamic.Float(1.5)}); err != nil {
		t.Fatalf("EmitSignal: %v", err)
	}
	if err := a.EmitSignalWithArguments(ctx, "Reset", dynamic.Undefined{}); err != nil {
		t.Fatalf("EmitSignalWithArguments: %v", err)
	}
	if err := a.EmitTypedSignal(ctx, "Level", typed("n", dynamic.Int(-129))); err != nil {
		t.Fatalf("EmitTypedSignal: %v", err)
	}
	if err := a.EmitTypedSignal(ctx, "Level", typed("q", dynamic.Null{})); err == nil {
		t.Error("EmitTypedSignal with missing value succeeded")
	}
	want := []string{
		`/org/example/Obj org.example.Iface.Changed string:"a" double:1.5`,
		`/org/example/Obj org.example.Iface.Reset `,
		`/org/example/Obj org.example.Iface.Level int16:-129`,
	}
	if diff := cmp.Diff(signalsSent(bus), want); diff != "" {
		t.Errorf("wrong emitted signals (-got+want):\n%s", diff)
	}

	// Dispatching a call to a scripted signal emits it.
	msg := &dbus.Message{
		Type:      dbus.MsgCall,
		Flags:     dbus.FlagNoReplyExpected,
		Path:      a.Path,
		Interface: "org.example.Iface",
		Member:    "Poked",
		Body:      []dbus.Value{dbus.ObjectPath("/x")},
	}
	if handled, _ := bus.deliver(msg); !handled {
		t.Fatal("signal call not handled")
	}
	want = []string{
		`/org/example/Obj org.example.Iface.Poked objpath:"/x"`,
	}
	if diff := cmp.Diff(signalsSent(bus), want); diff != "" {
		t.Errorf("wrong dispatched signals (-got+want):\n%s", diff)
	}
}

func TestAdaptorEmitBeforeStart(t *testing.T) {
	a := &Adaptor{Path: "/x", Interface: "org.example.Iface"}
	if err := a.EmitSignal(context.Background(), "Changed", nil); err == nil {
		t.Error("EmitSignal before Start succeeded")
	}
}
